// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-KV License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"

	"github.com/nishisan-dev/n-kv/internal/kv"
)

// statsDTO é o payload JSON do endpoint de métricas.
type statsDTO struct {
	Timestamp time.Time `json:"timestamp"`
	Buffer    any       `json:"buffer"`
	Engine    any       `json:"engine"`
}

// startStats sobe o listener HTTP de métricas em background e o encerra no
// cancelamento do context.
func startStats(ctx context.Context, listen string, db *kv.DB, logger *slog.Logger) {
	srv := &fasthttp.Server{
		Handler:      statsHandler(db, logger),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("stats endpoint listening", "address", listen)
		if err := srv.ListenAndServe(listen); err != nil {
			logger.Error("stats endpoint error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(); err != nil {
			logger.Warn("stats endpoint shutdown", "error", err)
		}
	}()
}

// statsHandler roteia os paths do endpoint de métricas.
func statsHandler(db *kv.DB, logger *slog.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/healthz":
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBodyString("ok")

		case "/stats":
			stats := db.Stats()
			body, err := sonic.Marshal(statsDTO{
				Timestamp: time.Now().UTC(),
				Buffer:    stats.Buffer,
				Engine:    stats.Engine,
			})
			if err != nil {
				logger.Error("marshaling stats", "error", err)
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				return
			}
			ctx.SetContentType("application/json")
			ctx.SetBody(body)

		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}
}
