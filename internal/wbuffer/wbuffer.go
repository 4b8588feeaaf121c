// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-KV License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package wbuffer implementa o write buffer em memória do N-KV. Os chunks
// de uma entry chegam nos seus offsets on-disk e são coalescidos num slot
// por chave; entries completas (e tombstones) ficam legíveis imediatamente
// e são drenadas em ordem de chegada para o engine por uma goroutine de
// drenagem. O buffer é compartilhado por todos os writers e internamente
// sincronizado.
package wbuffer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-kv/internal/codec"
	"github.com/nishisan-dev/n-kv/internal/engine"
	"github.com/nishisan-dev/n-kv/internal/status"
)

// slotCapacity dimensiona o canal de entries completas aguardando drain.
const slotCapacity = 1024

// drainPollInterval é o intervalo de polling do drainer e do Flush.
const drainPollInterval = 5 * time.Millisecond

// flushTimeout é o tempo máximo que Flush aguarda o buffer esvaziar.
const flushTimeout = 30 * time.Second

// pushTimeout é o tempo máximo que uma entry completa aguarda por espaço
// no canal de slots antes de retornar backpressure ao chamador.
const pushTimeout = 5 * time.Second

// entry é o slot em memória de uma chave: uma entry em montagem, completa
// aguardando drain, ou um tombstone.
type entry struct {
	key                 string
	data                []byte // bytes on-disk; cap = sizeValue + padding
	sizeValue           uint64
	sizeValueCompressed uint64
	crc                 uint32
	complete            bool
	tombstone           bool
}

// BufferStats contém métricas instantâneas do write buffer.
type BufferStats struct {
	InFlightEntries    int
	PendingDrain       int64
	TotalPut           int64
	TotalDeletes       int64
	TotalDrained       int64
	BackpressureEvents int64
}

// Buffer coalesce os chunks do write path e os drena para o engine.
type Buffer struct {
	eng    *engine.Engine
	logger *slog.Logger
	dec    *codec.Decompressor

	mu       sync.Mutex
	entries  map[string]*entry
	drainErr error // último erro de drain, reportado pelo próximo Flush

	slots       chan *entry
	drainSignal chan struct{}
	drainerDone chan struct{}

	pendingDrain       atomic.Int64
	totalPut           atomic.Int64
	totalDeletes       atomic.Int64
	totalDrained       atomic.Int64
	backpressureEvents atomic.Int64
}

// New cria um Buffer drenando para eng.
func New(eng *engine.Engine, logger *slog.Logger) (*Buffer, error) {
	dec, err := codec.NewDecompressor()
	if err != nil {
		return nil, err
	}
	return &Buffer{
		eng:         eng,
		logger:      logger,
		dec:         dec,
		entries:     make(map[string]*entry),
		slots:       make(chan *entry, slotCapacity),
		drainSignal: make(chan struct{}, 1),
		drainerDone: make(chan struct{}),
	}, nil
}

// StartDrainer inicia a goroutine de drenagem. Deve ser chamada uma única vez.
func (b *Buffer) StartDrainer(ctx context.Context) {
	go b.drainLoop(ctx)
}

func (b *Buffer) drainLoop(ctx context.Context) {
	b.logger.Debug("write buffer drainer started")
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.drainAll()
			b.logger.Debug("write buffer drainer stopped")
			close(b.drainerDone)
			return

		case <-b.drainSignal:
			b.drainAll()

		case <-ticker.C:
			b.drainAll()
		}
	}
}

func (b *Buffer) drainAll() {
	for {
		select {
		case en := <-b.slots:
			b.drainSlot(en)
		default:
			return
		}
	}
}

// drainSlot entrega uma entry completa ao engine e libera o slot. A remoção
// do mapa acontece após a persistência: um Get concorrente enxerga o valor
// no buffer ou no engine, nunca nenhum dos dois.
func (b *Buffer) drainSlot(en *entry) {
	err := b.eng.WriteEntry(engine.Entry{
		Key:                 []byte(en.key),
		Value:               en.data,
		SizeValue:           en.sizeValue,
		SizeValueCompressed: en.sizeValueCompressed,
		CRC32:               en.crc,
		Deleted:             en.tombstone,
	})
	if err != nil {
		b.logger.Error("write buffer drain error", "key", en.key, "error", err)
	}

	b.mu.Lock()
	if err != nil {
		b.drainErr = err
	}
	if cur, ok := b.entries[en.key]; ok && cur == en {
		delete(b.entries, en.key)
	}
	b.mu.Unlock()

	b.pendingDrain.Add(-1)
	b.totalDrained.Add(1)
}

func (b *Buffer) signalDrain() {
	select {
	case b.drainSignal <- struct{}{}:
	default:
	}
}

// queueLocked enfileira uma entry completa para drain, com backpressure.
// Deve ser chamado com b.mu held; o lock é liberado durante a espera.
func (b *Buffer) queueLocked(en *entry) error {
	b.pendingDrain.Add(1)
	b.mu.Unlock()
	defer b.mu.Lock()

	select {
	case b.slots <- en:
		b.signalDrain()
		return nil
	case <-time.After(pushTimeout):
		b.pendingDrain.Add(-1)
		b.backpressureEvents.Add(1)
		return status.IOError("write buffer full after %s (backpressure)", pushTimeout)
	}
}

// PutChunk coalesce um chunk de entry no slot da chave. offsetCompressed é
// o offset do chunk no stream on-disk; sizeValueCompressed é não-zero
// apenas no último chunk de uma entry compactada. isLast marca o último
// chunk explicitamente: com framing de fallback um offset on-disk pode
// coincidir com sizeValue no meio da entry, então a aritmética de offsets
// não detecta o fim com segurança.
func (b *Buffer) PutChunk(key, chunk []byte, offsetCompressed, sizeValue, sizeValueCompressed uint64, crc uint32, isLast bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	keyStr := string(key)
	en, ok := b.entries[keyStr]
	if !ok || en.complete || en.tombstone || offsetCompressed == 0 {
		// Primeiro chunk de uma nova entry: um slot parcial anterior da
		// mesma chave (entry cujo último chunk nunca chegou) é descartado.
		en = &entry{
			key:       keyStr,
			data:      make([]byte, 0, sizeValue+engine.Padding(sizeValue)),
			sizeValue: sizeValue,
		}
		b.entries[keyStr] = en
	}

	need := offsetCompressed + uint64(len(chunk))
	if need > uint64(cap(en.data)) {
		return status.InvalidArgument("chunk at offset %d overflows entry budget (%d > %d)",
			offsetCompressed, need, cap(en.data))
	}
	if need > uint64(len(en.data)) {
		en.data = en.data[:need]
	}
	copy(en.data[offsetCompressed:need], chunk)

	en.crc = crc
	if isLast {
		en.complete = true
		if sizeValueCompressed != 0 {
			en.sizeValueCompressed = sizeValueCompressed
			en.data = en.data[:sizeValueCompressed]
		}
	}

	if !en.complete {
		return nil
	}
	b.totalPut.Add(1)
	return b.queueLocked(en)
}

// Get retorna o estado mais recente bufferizado da chave: o valor decodificado
// de uma entry completa, DeleteOrder para tombstone, NotFound caso contrário.
// Entries em montagem não são visíveis.
func (b *Buffer) Get(key []byte) ([]byte, error) {
	b.mu.Lock()
	en, ok := b.entries[string(key)]
	if !ok || (!en.complete && !en.tombstone) {
		b.mu.Unlock()
		return nil, status.NotFound()
	}
	if en.tombstone {
		b.mu.Unlock()
		return nil, status.DeleteOrder()
	}
	raw := make([]byte, len(en.data))
	copy(raw, en.data)
	sizeValue := en.sizeValue
	compressed := en.sizeValueCompressed > 0
	b.mu.Unlock()

	if !compressed {
		return raw, nil
	}
	value, err := b.dec.DecodeEntry(raw, sizeValue)
	if err != nil {
		return nil, status.IOError("decoding buffered entry for key %q: %v", key, err)
	}
	return value, nil
}

// Delete registra um tombstone para a chave, mascarando qualquer valor do
// engine até o drain persistir a deleção.
func (b *Buffer) Delete(key []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	en := &entry{key: string(key), tombstone: true, complete: true}
	b.entries[en.key] = en
	b.totalDeletes.Add(1)
	return b.queueLocked(en)
}

// Flush força o drain e aguarda todas as entries pendentes chegarem ao
// engine.
func (b *Buffer) Flush() error {
	b.signalDrain()

	deadline := time.Now().Add(flushTimeout)
	for time.Now().Before(deadline) {
		if b.pendingDrain.Load() == 0 {
			b.mu.Lock()
			err := b.drainErr
			b.drainErr = nil
			b.mu.Unlock()
			return err
		}
		b.signalDrain()
		time.Sleep(drainPollInterval)
	}

	return status.IOError("write buffer flush timeout after %s: %d entries still pending",
		flushTimeout, b.pendingDrain.Load())
}

// AwaitDrainerStop aguarda a goroutine de drenagem encerrar após o
// cancelamento do contexto passado a StartDrainer.
func (b *Buffer) AwaitDrainerStop(timeout time.Duration) {
	select {
	case <-b.drainerDone:
	case <-time.After(timeout):
		b.logger.Warn("write buffer drainer stop timed out")
	}
}

// Stats retorna um snapshot das métricas do buffer.
func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	inFlight := len(b.entries)
	b.mu.Unlock()
	return BufferStats{
		InFlightEntries:    inFlight,
		PendingDrain:       b.pendingDrain.Load(),
		TotalPut:           b.totalPut.Load(),
		TotalDeletes:       b.totalDeletes.Load(),
		TotalDrained:       b.totalDrained.Load(),
		BackpressureEvents: b.backpressureEvents.Load(),
	}
}
