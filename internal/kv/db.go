// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-KV License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package kv expõe o database handle do N-KV: Get, Put, PutChunk via Writer,
// Delete, snapshots e iterators. Escritas atravessam o chunk pipeline até o
// write buffer; leituras consultam o buffer e caem para o engine.
package kv

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-kv/internal/crc"
	"github.com/nishisan-dev/n-kv/internal/engine"
	"github.com/nishisan-dev/n-kv/internal/status"
	"github.com/nishisan-dev/n-kv/internal/wbuffer"
)

// Compression modes aceitos em Options.Compression.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// Options configura um database.
type Options struct {
	// DBName é o diretório do database.
	DBName string
	// MaxChunkSize é o tamanho máximo de chunk imposto pelo storage;
	// valores acima são quebrados pelo splitter.
	MaxChunkSize uint64
	// Compression seleciona o codec por chunk: none | zstd.
	Compression string
	// FileSizeMax rotaciona o arquivo de append do engine quando excedido.
	FileSizeMax int64
	// SyncWrites força fsync por entry persistida.
	SyncWrites bool
	// DiskUsedPercentMax é o limiar de uso de disco de FileSystemStatus.
	DiskUsedPercentMax float64
}

func (o *Options) withDefaults() {
	if o.MaxChunkSize == 0 {
		o.MaxChunkSize = 1024 * 1024
	}
	if o.Compression == "" {
		o.Compression = CompressionZstd
	}
	if o.FileSizeMax == 0 {
		o.FileSizeMax = 256 * 1024 * 1024
	}
}

// ReadOptions parametriza leituras.
type ReadOptions struct{}

// WriteOptions parametriza escritas.
type WriteOptions struct{}

// DBStats agrega as métricas do database.
type DBStats struct {
	Buffer wbuffer.BufferStats
	Engine engine.EngineStats
}

// DB é o database handle. Seguro para uso concorrente; cada goroutine que
// faz puts em chunks usa o próprio Writer.
type DB struct {
	opts   Options
	logger *slog.Logger

	eng *engine.Engine
	buf *wbuffer.Buffer

	cancelDrain context.CancelFunc
	writers     sync.Pool
	isClosed    atomic.Bool
}

// Open abre (ou cria) o database em opts.DBName.
func Open(opts Options, logger *slog.Logger) (*DB, error) {
	opts.withDefaults()
	if opts.DBName == "" {
		return nil, status.InvalidArgument("db name is required")
	}

	eng, err := engine.New(engine.Options{
		FileSizeMax:        opts.FileSizeMax,
		SyncWrites:         opts.SyncWrites,
		DiskUsedPercentMax: opts.DiskUsedPercentMax,
	}, nil, opts.DBName, false, nil, 0, logger)
	if err != nil {
		return nil, err
	}

	buf, err := wbuffer.New(eng, logger)
	if err != nil {
		eng.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	buf.StartDrainer(ctx)

	db := &DB{
		opts:        opts,
		logger:      logger,
		eng:         eng,
		buf:         buf,
		cancelDrain: cancel,
	}
	db.writers.New = func() any {
		return &Writer{db: db, crc: crc.New()}
	}
	return db, nil
}

// NewWriter retorna um Writer dedicado para puts em chunks. Os chunks de
// uma entry devem ser submetidos em ordem pelo mesmo Writer; dois Writers
// nunca compartilham estado.
func (db *DB) NewWriter() *Writer {
	return &Writer{db: db, crc: crc.New()}
}

// Get retorna o valor de key. O buffer é autoritativo para mutações
// recentes: um tombstone bufferizado mascara qualquer valor do engine e é
// traduzido para NotFound exatamente aqui, na fronteira pública de leitura.
func (db *DB) Get(ro ReadOptions, key []byte) ([]byte, error) {
	if db.isClosed.Load() {
		return nil, status.IOError("database is not open")
	}

	value, err := db.buf.Get(key)
	switch {
	case status.IsDeleteOrder(err):
		return nil, status.NotFound()
	case status.IsNotFound(err):
		return db.eng.Get(key)
	default:
		return value, err
	}
}

// Put grava value sob key, equivalente a um PutChunk único cobrindo o valor
// inteiro. Usa um Writer interno pooled.
func (db *DB) Put(wo WriteOptions, key, value []byte) error {
	w := db.writers.Get().(*Writer)
	defer db.writers.Put(w)
	return w.PutValue(wo, key, value)
}

// Delete enfileira um tombstone para key. O status do filesystem é checado
// antes para falhar cedo com disco degradado.
func (db *DB) Delete(wo WriteOptions, key []byte) error {
	if db.isClosed.Load() {
		return status.IOError("database is not open")
	}
	if err := db.eng.FileSystemStatus(); err != nil {
		return err
	}
	return db.buf.Delete(key)
}

// Flush drena o write buffer para o engine.
func (db *DB) Flush() error {
	if db.isClosed.Load() {
		return status.IOError("database is not open")
	}
	return db.buf.Flush()
}

// Compact dispara uma compactação do engine.
func (db *DB) Compact() error {
	if db.isClosed.Load() {
		return status.IOError("database is not open")
	}
	return db.eng.Compact()
}

// StartCompactionScheduler agenda compactações do engine pela cron spec.
func (db *DB) StartCompactionScheduler(schedule string) (func(context.Context), error) {
	return db.eng.StartCompactionScheduler(schedule, db.logger)
}

// Stats retorna as métricas agregadas do database.
func (db *DB) Stats() DBStats {
	return DBStats{
		Buffer: db.buf.Stats(),
		Engine: db.eng.Stats(),
	}
}

// Close drena o buffer e fecha o engine. Operações subsequentes retornam
// IOError "database is not open".
func (db *DB) Close() error {
	if !db.isClosed.CompareAndSwap(false, true) {
		return nil
	}

	flushErr := db.buf.Flush()
	db.cancelDrain()
	db.buf.AwaitDrainerStop(5 * time.Second)

	if err := db.eng.Close(); err != nil {
		return err
	}
	return flushErr
}
