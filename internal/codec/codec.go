// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-KV License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package codec implementa o compressor streaming por entry do write path.
// Cada chunk vira um frame independente no stream compactado da entry:
// header fixo de 8 bytes (BigEndian) com o tamanho compactado e o tamanho
// original, seguido do payload zstd. Um frame com tamanho compactado zero é
// um frame "stored": o restante do stream da entry são bytes literais
// (o caminho de fallback anexa chunks subsequentes sem novo header, como
// continuação da região não compactada).
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// FrameHeaderSize é o tamanho fixo do header de frame:
// [sizeCompressed uint32 4B] [sizeSource uint32 4B].
const FrameHeaderSize = 8

// Compressor mantém o estado de compressão de uma entry em voo.
// O estado pertence ao writer que submete os chunks da entry; dois writers
// nunca compartilham um Compressor.
type Compressor struct {
	enc            *zstd.Encoder
	sizeCompressed uint64
}

// NewCompressor cria um Compressor com um encoder zstd dedicado.
// Concorrência 1: a compressão é CPU-bound e serializada por writer.
func NewCompressor() (*Compressor, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	return &Compressor{enc: enc}, nil
}

// Reset inicia o stream de frames de uma nova entry.
func (c *Compressor) Reset() {
	c.sizeCompressed = 0
}

// SizeFrameHeader retorna o tamanho constante do header de frame.
func (c *Compressor) SizeFrameHeader() uint64 {
	return FrameHeaderSize
}

// SizeUncompressedFrame retorna o tamanho de um frame que armazena n bytes
// literais.
func (c *Compressor) SizeUncompressedFrame(n uint64) uint64 {
	return FrameHeaderSize + n
}

// Compress produz um frame cobrindo src e acumula seu tamanho em
// SizeCompressed. O frame pode ser maior que src para dados incompressíveis.
func (c *Compressor) Compress(src []byte) []byte {
	out := make([]byte, FrameHeaderSize, FrameHeaderSize+len(src)+len(src)/255+16)
	out = c.enc.EncodeAll(src, out)
	PutFrameHeader(out, uint32(len(out)-FrameHeaderSize), uint32(len(src)))
	c.sizeCompressed += uint64(len(out))
	return out
}

// SizeCompressed retorna os bytes emitidos acumulados desde Reset.
func (c *Compressor) SizeCompressed() uint64 {
	return c.sizeCompressed
}

// AdjustCompressedSize aplica uma correção com sinal após descartar um
// frame especulativo.
func (c *Compressor) AdjustCompressedSize(delta int64) {
	c.sizeCompressed = uint64(int64(c.sizeCompressed) + delta)
}

// PutFrameHeader escreve o header de frame no início de dst.
func PutFrameHeader(dst []byte, sizeCompressed, sizeSource uint32) {
	binary.BigEndian.PutUint32(dst[0:4], sizeCompressed)
	binary.BigEndian.PutUint32(dst[4:8], sizeSource)
}

// DisableCompressionInFrameHeader reescreve o header de um frame recém
// construído marcando-o como stored (tamanho compactado zero). A partir
// desse frame o restante do stream da entry é literal.
func DisableCompressionInFrameHeader(frame []byte) {
	binary.BigEndian.PutUint32(frame[0:4], 0)
}

// Decompressor decodifica o stream de frames de uma entry.
type Decompressor struct {
	dec *zstd.Decoder
}

// NewDecompressor cria um Decompressor com um decoder zstd dedicado.
func NewDecompressor() (*Decompressor, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &Decompressor{dec: dec}, nil
}

// DecodeEntry decodifica src (o stream de frames on-disk de uma entry) até
// produzir sizeValue bytes. Frames são independentes: um prefixo do stream
// decodifica um prefixo do valor. Ao encontrar um frame stored, o restante
// de src é tratado como literal — é a região de fallback da entry.
func (d *Decompressor) DecodeEntry(src []byte, sizeValue uint64) ([]byte, error) {
	out := make([]byte, 0, sizeValue)

	for uint64(len(out)) < sizeValue {
		if len(src) < FrameHeaderSize {
			return nil, fmt.Errorf("truncated frame header: %d bytes left, %d decoded of %d",
				len(src), len(out), sizeValue)
		}
		sizeCompressed := binary.BigEndian.Uint32(src[0:4])
		sizeSource := binary.BigEndian.Uint32(src[4:8])
		src = src[FrameHeaderSize:]

		if sizeCompressed == 0 {
			// Frame stored: o fallback anexou o restante da entry como
			// bytes literais após este header.
			if uint64(len(src)) < uint64(sizeSource) {
				return nil, fmt.Errorf("truncated stored frame: %d bytes left, want %d",
					len(src), sizeSource)
			}
			out = append(out, src...)
			src = nil
			break
		}

		if uint64(len(src)) < uint64(sizeCompressed) {
			return nil, fmt.Errorf("truncated compressed frame: %d bytes left, want %d",
				len(src), sizeCompressed)
		}
		decoded, err := d.dec.DecodeAll(src[:sizeCompressed], nil)
		if err != nil {
			return nil, fmt.Errorf("decoding frame: %w", err)
		}
		if uint32(len(decoded)) != sizeSource {
			return nil, fmt.Errorf("frame source size mismatch: got %d, header says %d",
				len(decoded), sizeSource)
		}
		out = append(out, decoded...)
		src = src[sizeCompressed:]
	}

	if uint64(len(out)) != sizeValue {
		return nil, fmt.Errorf("decoded %d bytes, entry declares %d", len(out), sizeValue)
	}
	return out, nil
}
