// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-KV License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package wbuffer

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nishisan-dev/n-kv/internal/crc"
	"github.com/nishisan-dev/n-kv/internal/engine"
	"github.com/nishisan-dev/n-kv/internal/status"
)

func newBufTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBuffer(t *testing.T) (*Buffer, *engine.Engine) {
	t.Helper()
	eng, err := engine.New(engine.Options{}, nil, t.TempDir(), false, nil, 0, newBufTestLogger())
	if err != nil {
		t.Fatalf("New engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	b, err := New(eng, newBufTestLogger())
	if err != nil {
		t.Fatalf("New buffer: %v", err)
	}
	return b, eng
}

func chunkCRC(key []byte, chunks ...[]byte) uint32 {
	c := crc.New()
	c.Stream(key)
	for _, ch := range chunks {
		c.Stream(ch)
	}
	return c.Get()
}

func TestBuffer_SingleChunkVisibleBeforeDrain(t *testing.T) {
	b, _ := newTestBuffer(t)

	key := []byte("k")
	value := []byte("hello")
	err := b.PutChunk(key, value, 0, uint64(len(value)), 0, chunkCRC(key, value), true)
	if err != nil {
		t.Fatalf("PutChunk: %v", err)
	}

	got, err := b.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Fatalf("unexpected value: %q", got)
	}
}

func TestBuffer_IncompleteEntryNotVisible(t *testing.T) {
	b, _ := newTestBuffer(t)

	key := []byte("partial")
	if err := b.PutChunk(key, []byte("abc"), 0, 6, 0, 0, false); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}
	if _, err := b.Get(key); !status.IsNotFound(err) {
		t.Fatalf("incomplete entry should be NotFound, got %v", err)
	}
}

func TestBuffer_MultiChunkAssembly(t *testing.T) {
	b, _ := newTestBuffer(t)

	key := []byte("multi")
	c0, c1 := []byte("abcd"), []byte("efg")
	size := uint64(len(c0) + len(c1))
	finalCRC := chunkCRC(key, c0, c1)

	if err := b.PutChunk(key, c0, 0, size, 0, 0, false); err != nil {
		t.Fatalf("PutChunk c0: %v", err)
	}
	if err := b.PutChunk(key, c1, 4, size, 0, finalCRC, true); err != nil {
		t.Fatalf("PutChunk c1: %v", err)
	}

	got, err := b.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "abcdefg" {
		t.Fatalf("expected concatenation, got %q", got)
	}
}

func TestBuffer_TombstoneReturnsDeleteOrder(t *testing.T) {
	b, _ := newTestBuffer(t)

	key := []byte("doomed")
	if err := b.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := b.Get(key); !status.IsDeleteOrder(err) {
		t.Fatalf("expected DeleteOrder from buffered tombstone, got %v", err)
	}
}

func TestBuffer_MissingKeyNotFound(t *testing.T) {
	b, _ := newTestBuffer(t)
	if _, err := b.Get([]byte("nope")); !status.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestBuffer_DrainPersistsToEngine(t *testing.T) {
	b, eng := newTestBuffer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.StartDrainer(ctx)

	key := []byte("drained")
	value := []byte("to disk")
	if err := b.PutChunk(key, value, 0, uint64(len(value)), 0, chunkCRC(key, value), true); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, err := eng.Get(key)
	if err != nil {
		t.Fatalf("engine Get after drain: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Fatalf("engine has %q, want %q", got, value)
	}

	// Após o drain o slot sai do mapa.
	if _, err := b.Get(key); !status.IsNotFound(err) {
		t.Fatalf("drained entry should leave the buffer, got %v", err)
	}
}

func TestBuffer_DrainOrderPreservesOverwrite(t *testing.T) {
	b, eng := newTestBuffer(t)

	key := []byte("k")
	v1, v2 := []byte("v1"), []byte("v2")
	if err := b.PutChunk(key, v1, 0, 2, 0, chunkCRC(key, v1), true); err != nil {
		t.Fatalf("PutChunk v1: %v", err)
	}
	if err := b.PutChunk(key, v2, 0, 2, 0, chunkCRC(key, v2), true); err != nil {
		t.Fatalf("PutChunk v2: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.StartDrainer(ctx)
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, err := eng.Get(key)
	if err != nil {
		t.Fatalf("engine Get: %v", err)
	}
	if string(got) != "v2" {
		t.Fatalf("engine should hold the newest version, got %q", got)
	}
}

func TestBuffer_DeleteAfterPutMasksValue(t *testing.T) {
	b, eng := newTestBuffer(t)

	key := []byte("k")
	v := []byte("v")
	if err := b.PutChunk(key, v, 0, 1, 0, chunkCRC(key, v), true); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}
	if err := b.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := b.Get(key); !status.IsDeleteOrder(err) {
		t.Fatalf("tombstone should mask the buffered value, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.StartDrainer(ctx)
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, err := eng.Get(key); !status.IsNotFound(err) {
		t.Fatalf("engine should not hold the deleted key, got %v", err)
	}
}

func TestBuffer_EmptyValue(t *testing.T) {
	b, _ := newTestBuffer(t)

	key := []byte("empty")
	if err := b.PutChunk(key, nil, 0, 0, 0, chunkCRC(key), true); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}
	got, err := b.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty value, got %d bytes", len(got))
	}
}

func TestBuffer_ChunkBeyondBudgetRejected(t *testing.T) {
	b, _ := newTestBuffer(t)

	key := []byte("k")
	huge := make([]byte, 1024)
	// sizeValue 4 + padding nunca comporta 1KB no offset 0.
	if err := b.PutChunk(key, huge, 0, 4, 0, 0, true); !status.IsInvalidArgument(err) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestBuffer_FlushEmptyIsNoop(t *testing.T) {
	b, _ := newTestBuffer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.StartDrainer(ctx)

	done := make(chan error, 1)
	go func() { done <- b.Flush() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Flush on empty buffer: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Flush on empty buffer should return immediately")
	}
}
