// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-KV License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package crc

import (
	"hash/crc32"
	"testing"
)

func TestStreamer_KnownValue(t *testing.T) {
	// Check value clássico do CRC-32 IEEE.
	c := New()
	c.Reset()
	c.Stream([]byte("123456789"))
	if got := c.Get(); got != 0xCBF43926 {
		t.Fatalf("expected 0xCBF43926, got 0x%08X", got)
	}
}

func TestStreamer_ChunkedEqualsWhole(t *testing.T) {
	payload := []byte("key-and-then-a-longer-value-split-in-chunks")

	whole := crc32.ChecksumIEEE(payload)

	c := New()
	c.Reset()
	for i := 0; i < len(payload); i += 5 {
		end := i + 5
		if end > len(payload) {
			end = len(payload)
		}
		c.Stream(payload[i:end])
	}
	if got := c.Get(); got != whole {
		t.Fatalf("chunked crc 0x%08X differs from whole 0x%08X", got, whole)
	}
}

func TestStreamer_ResetStartsOver(t *testing.T) {
	c := New()
	c.Reset()
	c.Stream([]byte("first entry"))
	first := c.Get()

	c.Reset()
	c.Stream([]byte("first entry"))
	if got := c.Get(); got != first {
		t.Fatalf("reset streamer should reproduce the same crc, got 0x%08X want 0x%08X", got, first)
	}
}
