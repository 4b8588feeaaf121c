// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-KV License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package kv

import (
	"github.com/nishisan-dev/n-kv/internal/bytearray"
	"github.com/nishisan-dev/n-kv/internal/codec"
	"github.com/nishisan-dev/n-kv/internal/crc"
	"github.com/nishisan-dev/n-kv/internal/engine"
	"github.com/nishisan-dev/n-kv/internal/status"
)

// Writer carrega o estado streaming por entry do chunk pipeline: CRC32,
// compressor, flag de compressão e offset de saída do fallback. O estado é
// resetado no primeiro chunk de cada entry e atravessa os chunks seguintes;
// reordenar chunks de uma entry, ou intercalar outra entry no mesmo Writer,
// é indefinido.
type Writer struct {
	db   *DB
	crc  *crc.Streamer
	comp *codec.Compressor

	compressionEnabled   bool
	fallbackOutputOffset uint64
}

// PutValue grava value inteiro sob key num único PutChunk.
func (w *Writer) PutValue(wo WriteOptions, key, value []byte) error {
	return w.PutChunk(wo, key, bytearray.NewShared(value), 0, uint64(len(value)))
}

// PutChunk submete um chunk de uma entry de sizeValue bytes. Chunks chegam
// em offsetChunk estritamente crescente; o primeiro tem offset zero e o
// último satisfaz offset+size == sizeValue. Chunks acima do máximo do
// storage são quebrados em sub-chunks consecutivos: todos menos o último
// são views não-owning e o último reutiliza o buffer de entrada avançando
// seu offset. A posse de chunk é transferida ao pipeline.
func (w *Writer) PutChunk(wo WriteOptions, key []byte, chunk *bytearray.ByteArray, offsetChunk, sizeValue uint64) error {
	if w.db.isClosed.Load() {
		return status.IOError("database is not open")
	}

	max := w.db.opts.MaxChunkSize
	if sizeValue <= max || uint64(chunk.Size()) <= max {
		return w.putChunkValidSize(wo, key, chunk, offsetChunk, sizeValue)
	}

	total := chunk.Size()
	for off := 0; off < total; off += int(max) {
		size := int(max)
		last := off+size >= total
		var part *bytearray.ByteArray
		if last {
			size = total - off
			chunk.SetOffset(off)
			part = chunk
		} else {
			part = bytearray.NewView(chunk, off, size)
		}
		if err := w.putChunkValidSize(wo, key, part, offsetChunk+uint64(off), sizeValue); err != nil {
			return err
		}
	}
	return nil
}

// putChunkValidSize é o pipeline para um chunk de até MaxChunkSize bytes:
// classificação, boot da entry, decisão de framing com fallback por
// orçamento, CRC, bounds check e dispatch ao write buffer.
func (w *Writer) putChunkValidSize(wo WriteOptions, key []byte, chunk *bytearray.ByteArray, offsetChunk, sizeValue uint64) error {
	db := w.db
	chunkSize := uint64(chunk.Size())

	isFirstChunk := offsetChunk == 0
	isLastChunk := offsetChunk+chunkSize == sizeValue
	doCompression := chunkSize > 0 && db.opts.Compression != CompressionNone

	if isFirstChunk {
		w.compressionEnabled = true
		w.fallbackOutputOffset = 0
		w.crc.Reset()
		w.crc.Stream(key)
		if doCompression {
			if w.comp == nil {
				comp, err := codec.NewCompressor()
				if err != nil {
					return status.IOError("initializing compressor: %v", err)
				}
				w.comp = comp
			}
			w.comp.Reset()
		}
	}

	var chunkFinal *bytearray.ByteArray
	var offsetChunkCompressed uint64

	switch {
	case !w.compressionEnabled:
		// Fallback engatado por um chunk anterior desta entry: os bytes
		// crus continuam a região não compactada do frame stored — nenhum
		// header novo é emitido aqui.
		offsetChunkCompressed = w.fallbackOutputOffset
		w.fallbackOutputOffset += chunkSize
		chunkFinal = chunk

	case !doCompression:
		chunkFinal = chunk
		offsetChunkCompressed = offsetChunk

	default:
		offsetChunkCompressed = w.comp.SizeCompressed()
		frame := w.comp.Compress(chunk.Data())
		outLen := uint64(len(frame))

		sizeRemaining := sizeValue - offsetChunk
		spaceLeft := sizeValue + engine.Padding(sizeValue) - offsetChunkCompressed

		// Orçamento de espaço: o melhor caso para o resto da entry é a
		// região de fallback — bytes verbatim atrás de um único header.
		// Se nem isso cabe, abandona o frame especulativo agora.
		if sizeRemaining-chunkSize+w.comp.SizeFrameHeader()+outLen > spaceLeft {
			stored := make([]byte, w.comp.SizeUncompressedFrame(chunkSize))
			codec.PutFrameHeader(stored, uint32(chunkSize), uint32(chunkSize))
			codec.DisableCompressionInFrameHeader(stored)
			copy(stored[codec.FrameHeaderSize:], chunk.Data())

			w.comp.AdjustCompressedSize(-int64(outLen))
			outLen = chunkSize + w.comp.SizeFrameHeader()
			w.compressionEnabled = false
			w.fallbackOutputOffset = w.comp.SizeCompressed() + outLen
			chunkFinal = bytearray.NewShared(stored)
		} else {
			chunkFinal = bytearray.NewShared(frame)
		}
	}

	// Tamanho compactado final, conhecido apenas no último chunk.
	// No fallback, offsetChunkCompressed + chunkFinal cobre os bytes
	// emitidos: se o fallback engatou neste chunk, chunkFinal já inclui o
	// header stored; se engatou antes, o offset já aponta para depois dele.
	var sizeValueCompressed uint64
	if doCompression && isLastChunk {
		if w.compressionEnabled {
			sizeValueCompressed = w.comp.SizeCompressed()
		} else {
			sizeValueCompressed = offsetChunkCompressed + uint64(chunkFinal.Size())
		}
	}

	w.crc.Stream(chunkFinal.Data())
	var crcFinal uint32
	if isLastChunk {
		crcFinal = w.crc.Get()
	}

	var sizePadding uint64
	if doCompression {
		sizePadding = engine.Padding(sizeValue)
	}
	if offsetChunkCompressed+uint64(chunkFinal.Size()) > sizeValue+sizePadding {
		// Nunca dispara num sistema bem comportado: indica erro de
		// programação num colaborador.
		db.logger.Error("write outside allocated memory",
			"key", string(key),
			"offset_compressed", offsetChunkCompressed,
			"chunk_final_size", chunkFinal.Size(),
			"size_value", sizeValue,
			"size_padding", sizePadding,
		)
		return status.IOError("write outside allocated memory")
	}

	return db.buf.PutChunk(key, chunkFinal.Data(), offsetChunkCompressed,
		sizeValue, sizeValueCompressed, crcFinal, isLastChunk)
}
