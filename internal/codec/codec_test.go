// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-KV License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package codec

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

func newTestCodec(t *testing.T) (*Compressor, *Decompressor) {
	t.Helper()
	comp, err := NewCompressor()
	if err != nil {
		t.Fatalf("NewCompressor: %v", err)
	}
	dec, err := NewDecompressor()
	if err != nil {
		t.Fatalf("NewDecompressor: %v", err)
	}
	return comp, dec
}

func TestCompressor_FrameRoundTrip(t *testing.T) {
	comp, dec := newTestCodec(t)
	comp.Reset()

	src := []byte(strings.Repeat("abcd", 256))
	frame := comp.Compress(src)

	if len(frame) < FrameHeaderSize {
		t.Fatalf("frame smaller than header: %d", len(frame))
	}
	sizeCompressed := binary.BigEndian.Uint32(frame[0:4])
	sizeSource := binary.BigEndian.Uint32(frame[4:8])
	if uint64(sizeCompressed) != uint64(len(frame))-FrameHeaderSize {
		t.Errorf("header sizeCompressed %d, frame payload %d", sizeCompressed, len(frame)-FrameHeaderSize)
	}
	if sizeSource != uint32(len(src)) {
		t.Errorf("header sizeSource %d, want %d", sizeSource, len(src))
	}
	if comp.SizeCompressed() != uint64(len(frame)) {
		t.Errorf("SizeCompressed %d, want %d", comp.SizeCompressed(), len(frame))
	}

	out, err := dec.DecodeEntry(frame, uint64(len(src)))
	if err != nil {
		t.Fatalf("DecodeEntry: %v", err)
	}
	if !bytes.Equal(out, src) {
		t.Fatal("round-trip mismatch")
	}
}

func TestCompressor_CumulativeSizeAndAdjust(t *testing.T) {
	comp, _ := newTestCodec(t)
	comp.Reset()

	f1 := comp.Compress([]byte("first chunk of the entry"))
	f2 := comp.Compress([]byte("second chunk of the entry"))
	want := uint64(len(f1) + len(f2))
	if comp.SizeCompressed() != want {
		t.Fatalf("cumulative SizeCompressed %d, want %d", comp.SizeCompressed(), want)
	}

	// Descarta o segundo frame especulativo.
	comp.AdjustCompressedSize(-int64(len(f2)))
	if comp.SizeCompressed() != uint64(len(f1)) {
		t.Fatalf("after adjust SizeCompressed %d, want %d", comp.SizeCompressed(), len(f1))
	}

	comp.Reset()
	if comp.SizeCompressed() != 0 {
		t.Fatal("Reset should zero the cumulative size")
	}
}

func TestCompressor_UncompressedFrameSizes(t *testing.T) {
	comp, _ := newTestCodec(t)
	if comp.SizeFrameHeader() != FrameHeaderSize {
		t.Fatalf("SizeFrameHeader %d, want %d", comp.SizeFrameHeader(), FrameHeaderSize)
	}
	if comp.SizeUncompressedFrame(100) != FrameHeaderSize+100 {
		t.Fatalf("SizeUncompressedFrame(100) = %d", comp.SizeUncompressedFrame(100))
	}
}

func TestDecodeEntry_StoredFrame(t *testing.T) {
	comp, dec := newTestCodec(t)

	payload := []byte("raw bytes kept verbatim")
	stored := make([]byte, comp.SizeUncompressedFrame(uint64(len(payload))))
	PutFrameHeader(stored, uint32(len(payload)), uint32(len(payload)))
	DisableCompressionInFrameHeader(stored)
	copy(stored[FrameHeaderSize:], payload)

	if binary.BigEndian.Uint32(stored[0:4]) != 0 {
		t.Fatal("stored frame must carry sizeCompressed == 0")
	}

	out, err := dec.DecodeEntry(stored, uint64(len(payload)))
	if err != nil {
		t.Fatalf("DecodeEntry: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatal("stored frame round-trip mismatch")
	}
}

func TestDecodeEntry_MixedCompressedThenFallback(t *testing.T) {
	comp, dec := newTestCodec(t)
	comp.Reset()

	// Primeiro chunk compactado, depois fallback: header stored cobrindo o
	// chunk seguinte e um terceiro chunk anexado cru, sem header próprio.
	a := []byte(strings.Repeat("compressible ", 50))
	b := []byte("fallback head chunk")
	c := []byte("fallback tail appended raw")

	stream := comp.Compress(a)

	stored := make([]byte, comp.SizeUncompressedFrame(uint64(len(b))))
	PutFrameHeader(stored, uint32(len(b)), uint32(len(b)))
	DisableCompressionInFrameHeader(stored)
	copy(stored[FrameHeaderSize:], b)

	stream = append(stream, stored...)
	stream = append(stream, c...)

	sizeValue := uint64(len(a) + len(b) + len(c))
	out, err := dec.DecodeEntry(stream, sizeValue)
	if err != nil {
		t.Fatalf("DecodeEntry: %v", err)
	}
	want := append(append(append([]byte(nil), a...), b...), c...)
	if !bytes.Equal(out, want) {
		t.Fatal("mixed stream round-trip mismatch")
	}
}

func TestDecodeEntry_Truncated(t *testing.T) {
	comp, dec := newTestCodec(t)
	comp.Reset()

	frame := comp.Compress([]byte(strings.Repeat("x", 500)))

	if _, err := dec.DecodeEntry(frame[:FrameHeaderSize-2], 500); err == nil {
		t.Error("truncated header should fail")
	}
	if _, err := dec.DecodeEntry(frame[:len(frame)-3], 500); err == nil {
		t.Error("truncated payload should fail")
	}
}

func TestDecodeEntry_SizeMismatch(t *testing.T) {
	comp, dec := newTestCodec(t)
	comp.Reset()

	frame := comp.Compress([]byte("exactly this"))
	if _, err := dec.DecodeEntry(frame, 5); err == nil {
		t.Error("declared size smaller than decoded bytes should fail")
	}
}
