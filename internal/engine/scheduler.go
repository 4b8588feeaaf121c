// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-KV License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// StartCompactionScheduler agenda Compact() segundo a cron spec dada.
// Execuções que se sobreporiam a uma compactação em andamento são puladas.
// Retorna a função de stop, que aguarda a execução corrente terminar ou o
// contexto expirar.
func (e *Engine) StartCompactionScheduler(schedule string, logger *slog.Logger) (func(context.Context), error) {
	c := cron.New(cron.WithLogger(
		cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	var running atomic.Bool
	if _, err := c.AddFunc(schedule, func() {
		if !running.CompareAndSwap(false, true) {
			logger.Warn("compaction already running, skipping scheduled execution")
			return
		}
		defer running.Store(false)

		logger.Info("scheduled compaction triggered")
		start := time.Now()
		if err := e.Compact(); err != nil {
			logger.Error("compaction failed", "error", err, "duration", time.Since(start))
			return
		}
		logger.Info("scheduled compaction finished", "duration", time.Since(start))
	}); err != nil {
		return nil, fmt.Errorf("adding compaction cron job: %w", err)
	}

	c.Start()
	logger.Info("compaction scheduler started", "schedule", schedule)

	return func(ctx context.Context) {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
			logger.Info("compaction scheduler stopped gracefully")
		case <-ctx.Done():
			logger.Warn("compaction scheduler stop timed out")
		}
	}, nil
}
