// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-KV License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package bytearray fornece a região de bytes contígua usada para chaves e
// chunks de valor ao longo do write path. Uma ByteArray pode ser owning
// (segura o backing array) ou uma view não-owning sobre outra região; em
// ambos os casos o offset lógico é ajustável, permitindo entregar sub-ranges
// downstream sem cópia.
package bytearray

import "fmt"

// ByteArray é uma região de bytes com offset de visualização mutável.
// data cobre o extent lógico completo a partir da origem; o offset desloca
// a janela visível. Em Go o backing array é compartilhado pelo slice, o que
// cobre a variante shared-owning: o último holder a soltar a referência
// libera a alocação via GC.
type ByteArray struct {
	data   []byte
	offset int
}

// NewShared cria uma ByteArray owning sobre data. A posse é transferida:
// o chamador não pode mutar data até o pipeline liberar o buffer.
func NewShared(data []byte) *ByteArray {
	return &ByteArray{data: data}
}

// NewAllocated cria uma ByteArray owning com size bytes zerados.
func NewAllocated(size int) *ByteArray {
	return &ByteArray{data: make([]byte, size)}
}

// NewView cria uma view não-owning sobre a janela [off, off+size) da região
// visível de parent. A view é válida enquanto parent viver.
func NewView(parent *ByteArray, off, size int) *ByteArray {
	return &ByteArray{data: parent.Data()[off : off+size]}
}

// Data retorna os bytes visíveis a partir do offset corrente.
func (b *ByteArray) Data() []byte {
	return b.data[b.offset:]
}

// Size retorna o tamanho lógico da janela visível.
func (b *ByteArray) Size() int {
	return len(b.data) - b.offset
}

// SetOffset ajusta a janela visível para começar em n bytes da origem.
// data + offset permanece dentro do backing array.
func (b *ByteArray) SetOffset(n int) {
	b.offset = n
}

// ToString retorna uma representação de debug.
func (b *ByteArray) ToString() string {
	return fmt.Sprintf("ByteArray{size: %d, offset: %d}", b.Size(), b.offset)
}
