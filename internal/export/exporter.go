// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-KV License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package export gera archives point-in-time do database: um snapshot é
// percorrido em ordem e cada par chave/valor é serializado num stream
// gzip paralelo, com SHA-256 calculado inline sobre os bytes compactados.
// O archive é escrito como .tmp e renomeado no sucesso; opcionalmente é
// enviado para S3 como cópia offsite.
package export

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/pgzip"

	"github.com/nishisan-dev/n-kv/internal/kv"
)

// archiveMagic identifica um archive de export N-KV.
var archiveMagic = [4]byte{'N', 'K', 'V', 'X'}

// archiveVersion é a versão corrente do formato de archive.
const archiveVersion byte = 0x01

// S3Options configura o upload offsite do archive.
type S3Options struct {
	Enabled   bool
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string // opcional: S3-compatível (MinIO etc.)
	AccessKey string
	SecretKey string
}

// Options configura o exporter.
type Options struct {
	// Dir é o destino local dos archives.
	Dir string
	// KeepLocal mantém o archive local mesmo após upload bem-sucedido.
	KeepLocal bool

	S3 S3Options
}

// Result contém o resultado de um export.
type Result struct {
	Path     string
	Keys     int64
	Bytes    int64 // bytes compactados escritos
	Checksum [32]byte
	Uploaded bool
}

// Exporter exporta snapshots do database para archives.
type Exporter struct {
	db     *kv.DB
	opts   Options
	logger *slog.Logger
}

// New cria um Exporter.
func New(db *kv.DB, opts Options, logger *slog.Logger) *Exporter {
	return &Exporter{db: db, opts: opts, logger: logger}
}

// Run tira um snapshot e o exporta. Retorna o resultado com o path final
// do archive (vazio quando o archive local foi removido após upload).
func (ex *Exporter) Run(ctx context.Context) (*Result, error) {
	if err := os.MkdirAll(ex.opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating export directory: %w", err)
	}

	snap, err := ex.db.NewSnapshot()
	if err != nil {
		return nil, fmt.Errorf("creating export snapshot: %w", err)
	}
	defer snap.Release()

	tmp, err := os.CreateTemp(ex.opts.Dir, "export-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("creating export temp file: %w", err)
	}
	tmpPath := tmp.Name()

	result, err := ex.writeArchive(ctx, snap, tmp)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("syncing archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("closing archive: %w", err)
	}

	finalPath, err := commitArchive(ex.opts.Dir, tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return nil, err
	}
	result.Path = finalPath

	ex.logger.Info("export archive written",
		"path", finalPath,
		"keys", result.Keys,
		"bytes", result.Bytes,
	)

	if ex.opts.S3.Enabled {
		if err := ex.upload(ctx, finalPath); err != nil {
			return result, err
		}
		result.Uploaded = true
		if !ex.opts.KeepLocal {
			if err := os.Remove(finalPath); err != nil {
				ex.logger.Warn("removing local archive after upload", "error", err)
			} else {
				result.Path = ""
			}
		}
	}

	return result, nil
}

// writeArchive serializa o snapshot no arquivo destino:
// header [Magic "NKVX" 4B] [Version 1B], depois um record por entry:
// [KeyLen uint32 4B] [ValueLen uint64 8B] [Key] [Value], tudo dentro do
// stream pgzip. O checksum cobre os bytes compactados.
func (ex *Exporter) writeArchive(ctx context.Context, snap *kv.Snapshot, dest io.Writer) (*Result, error) {
	hasher := sha256.New()
	counter := &countWriter{w: io.MultiWriter(dest, hasher)}

	gz, err := pgzip.NewWriterLevel(counter, pgzip.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}
	bw := bufio.NewWriterSize(gz, 256*1024)

	if _, err := bw.Write(archiveMagic[:]); err != nil {
		return nil, fmt.Errorf("writing archive magic: %w", err)
	}
	if err := bw.WriteByte(archiveVersion); err != nil {
		return nil, fmt.Errorf("writing archive version: %w", err)
	}

	var keys int64
	it := snap.NewIterator(kv.ReadOptions{})
	for it.Next() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if err := binary.Write(bw, binary.BigEndian, uint32(len(it.Key()))); err != nil {
			return nil, fmt.Errorf("writing record key length: %w", err)
		}
		if err := binary.Write(bw, binary.BigEndian, uint64(len(it.Value()))); err != nil {
			return nil, fmt.Errorf("writing record value length: %w", err)
		}
		if _, err := bw.Write(it.Key()); err != nil {
			return nil, fmt.Errorf("writing record key: %w", err)
		}
		if _, err := bw.Write(it.Value()); err != nil {
			return nil, fmt.Errorf("writing record value: %w", err)
		}
		keys++
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshot: %w", err)
	}

	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("flushing archive buffer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip writer: %w", err)
	}

	result := &Result{Keys: keys, Bytes: int64(counter.n)}
	copy(result.Checksum[:], hasher.Sum(nil))
	return result, nil
}

// commitArchive renomeia o temporário para o nome final com timestamp.
func commitArchive(dir, tmpPath string) (string, error) {
	timestamp := time.Now().UTC().Format("2006-01-02T15-04-05.000")
	// Substitui ponto decimal por traço para portabilidade em FS
	timestamp = strings.ReplaceAll(timestamp, ".", "-")
	finalPath := filepath.Join(dir, fmt.Sprintf("%s.nkvx", timestamp))

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", fmt.Errorf("renaming temp to final: %w", err)
	}
	return finalPath, nil
}

// countWriter conta os bytes escritos.
type countWriter struct {
	w io.Writer
	n uint64
}

func (cw *countWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += uint64(n)
	return n, err
}
