// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-KV License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	_ "go.uber.org/automaxprocs"

	"github.com/nishisan-dev/n-kv/internal/config"
	"github.com/nishisan-dev/n-kv/internal/export"
	"github.com/nishisan-dev/n-kv/internal/kv"
	"github.com/nishisan-dev/n-kv/internal/logging"
	"github.com/nishisan-dev/n-kv/internal/server"
)

func main() {
	configPath := flag.String("config", "/etc/nkv/server.yaml", "path to server config file")
	flag.Parse()

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	// Context com cancelamento via signal
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	db, err := kv.Open(kv.Options{
		DBName:             cfg.DB.Dir,
		MaxChunkSize:       uint64(cfg.DB.MaxChunkSizeRaw),
		Compression:        cfg.DB.Compression,
		FileSizeMax:        cfg.DB.FileSizeMaxRaw,
		SyncWrites:         cfg.DB.SyncWrites,
		DiskUsedPercentMax: cfg.DB.DiskUsedPercentMax,
	}, logger)
	if err != nil {
		logger.Error("opening database", "error", err)
		os.Exit(1)
	}

	if cfg.Compaction.Enabled {
		stop, err := db.StartCompactionScheduler(cfg.Compaction.Schedule)
		if err != nil {
			logger.Error("starting compaction scheduler", "error", err)
			db.Close()
			os.Exit(1)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer stopCancel()
			stop(stopCtx)
		}()
	}

	if cfg.Export.Enabled {
		exporter := export.New(db, export.Options{
			Dir:       cfg.Export.Dir,
			KeepLocal: cfg.Export.KeepLocal,
			S3: export.S3Options{
				Enabled:   cfg.Export.S3.Enabled,
				Bucket:    cfg.Export.S3.Bucket,
				Prefix:    cfg.Export.S3.Prefix,
				Region:    cfg.Export.S3.Region,
				Endpoint:  cfg.Export.S3.Endpoint,
				AccessKey: cfg.Export.S3.AccessKey,
				SecretKey: cfg.Export.S3.SecretKey,
			},
		}, logger)

		c := cron.New()
		if _, err := c.AddFunc(cfg.Export.Schedule, func() {
			if _, err := exporter.Run(ctx); err != nil {
				logger.Error("export failed", "error", err)
			}
		}); err != nil {
			logger.Error("adding export cron job", "error", err)
			db.Close()
			os.Exit(1)
		}
		c.Start()
		defer c.Stop()
		logger.Info("export scheduler started", "schedule", cfg.Export.Schedule)
	}

	if err := server.Run(ctx, cfg, db, logger); err != nil {
		logger.Error("server error", "error", err)
		db.Close()
		os.Exit(1)
	}

	if err := db.Close(); err != nil {
		logger.Error("closing database", "error", err)
		os.Exit(1)
	}
}
