// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-KV License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package server implementa o front-end de rede do N-KV (nkv-server): um
// listener TCP que encaminha requests do protocolo binário ao core.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/nishisan-dev/n-kv/internal/config"
	"github.com/nishisan-dev/n-kv/internal/kv"
	"github.com/nishisan-dev/n-kv/internal/protocol"
	"github.com/nishisan-dev/n-kv/internal/status"
)

// connWriteBuffer é o tamanho do buffer de escrita por conexão.
const connWriteBuffer = 256 * 1024

// Run inicia o servidor e bloqueia até o context ser cancelado.
func Run(ctx context.Context, cfg *config.ServerConfig, db *kv.DB, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Listen, err)
	}
	defer ln.Close()

	return RunWithListener(ctx, ln, cfg, db, logger)
}

// RunWithListener inicia o servidor com um listener já existente (para testes).
func RunWithListener(ctx context.Context, ln net.Listener, cfg *config.ServerConfig, db *kv.DB, logger *slog.Logger) error {
	logger.Info("server listening", "address", ln.Addr().String())

	if cfg.Stats.Enabled {
		startStats(ctx, cfg.Stats.Listen, db, logger)
	}

	// Goroutine para fechar o listener quando o context for cancelado
	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		ln.Close()
	}()

	// Accept loop com backoff para prevenir hot loop em erros consecutivos
	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				logger.Info("server shutdown complete")
				return nil
			default:
				consecutiveErrors++
				logger.Error("accepting connection", "error", err, "consecutive_errors", consecutiveErrors)
				if consecutiveErrors > 5 {
					delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
					if delay > 5*time.Second {
						delay = 5 * time.Second
					}
					time.Sleep(delay)
				}
				continue
			}
		}

		consecutiveErrors = 0
		go handleConnection(ctx, conn, db, logger)
	}
}

// handleConnection atende uma conexão: lê requests em loop e responde até a
// conexão fechar ou o protocolo falhar.
func handleConnection(ctx context.Context, conn net.Conn, db *kv.DB, logger *slog.Logger) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	logger.Debug("connection accepted", "remote", remote)

	r := bufio.NewReader(conn)
	w := bufio.NewWriterSize(conn, connWriteBuffer)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		req, err := protocol.ReadRequest(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Debug("connection closed", "remote", remote)
				return
			}
			logger.Warn("protocol error", "remote", remote, "error", err)
			return
		}

		replyStatus, value := dispatch(db, req)
		if err := protocol.WriteReply(w, replyStatus, value); err != nil {
			logger.Warn("writing reply", "remote", remote, "error", err)
			return
		}
		if err := w.Flush(); err != nil {
			logger.Warn("flushing reply", "remote", remote, "error", err)
			return
		}
	}
}

// dispatch encaminha um request ao core e mapeia o resultado para o status
// de wire.
func dispatch(db *kv.DB, req *protocol.Request) (byte, []byte) {
	switch req.Op {
	case protocol.OpPing:
		return protocol.StatusOK, nil

	case protocol.OpGet:
		value, err := db.Get(kv.ReadOptions{}, req.Key)
		switch {
		case err == nil:
			return protocol.StatusOK, value
		case status.IsNotFound(err):
			return protocol.StatusNotFound, nil
		case status.IsInvalidArgument(err):
			return protocol.StatusInvalid, nil
		default:
			return protocol.StatusError, []byte(err.Error())
		}

	case protocol.OpPut:
		if err := db.Put(kv.WriteOptions{}, req.Key, req.Value); err != nil {
			if status.IsInvalidArgument(err) {
				return protocol.StatusInvalid, nil
			}
			return protocol.StatusError, []byte(err.Error())
		}
		return protocol.StatusOK, nil

	case protocol.OpDelete:
		if err := db.Delete(kv.WriteOptions{}, req.Key); err != nil {
			return protocol.StatusError, []byte(err.Error())
		}
		return protocol.StatusOK, nil
	}

	return protocol.StatusInvalid, nil
}
