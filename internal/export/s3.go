// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-KV License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package export

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// upload envia o archive para o bucket configurado sob
// <prefix>/<basename>. Credenciais estáticas quando configuradas, cadeia
// default do SDK caso contrário.
func (ex *Exporter) upload(ctx context.Context, archivePath string) error {
	client, err := ex.s3Client(ctx)
	if err != nil {
		return err
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive for upload: %w", err)
	}
	defer f.Close()

	key := path.Join(ex.opts.S3.Prefix, filepath.Base(archivePath))
	if _, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(ex.opts.S3.Bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return fmt.Errorf("uploading archive to s3://%s/%s: %w", ex.opts.S3.Bucket, key, err)
	}

	ex.logger.Info("archive uploaded",
		"bucket", ex.opts.S3.Bucket,
		"key", key,
	)
	return nil
}

// s3Client constrói o client S3 a partir das opções do exporter.
func (ex *Exporter) s3Client(ctx context.Context) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if ex.opts.S3.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(ex.opts.S3.Region))
	}
	if ex.opts.S3.AccessKey != "" && ex.opts.S3.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ex.opts.S3.AccessKey, ex.opts.S3.SecretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if ex.opts.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(ex.opts.S3.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}
