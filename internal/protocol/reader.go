// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-KV License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ReadRequest lê e valida um frame de request.
// io.EOF limpo (conexão fechada entre frames) é propagado como io.EOF.
func ReadRequest(r io.Reader) (*Request, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading request magic: %w", err)
	}
	if !bytes.Equal(magic[:], MagicRequest[:]) {
		return nil, ErrInvalidMagic
	}

	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, ErrTruncatedFrame
	}
	if header[0] != ProtocolVersion {
		return nil, ErrInvalidVersion
	}
	op := header[1]
	switch op {
	case OpGet, OpPut, OpDelete, OpPing:
	default:
		return nil, ErrInvalidOp
	}

	var keyLen uint32
	if err := binary.Read(r, binary.BigEndian, &keyLen); err != nil {
		return nil, ErrTruncatedFrame
	}
	var valueLen uint64
	if err := binary.Read(r, binary.BigEndian, &valueLen); err != nil {
		return nil, ErrTruncatedFrame
	}
	if keyLen > MaxKeyLength || valueLen > MaxValueLength {
		return nil, ErrFrameTooLarge
	}

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, ErrTruncatedFrame
	}
	value := make([]byte, valueLen)
	if _, err := io.ReadFull(r, value); err != nil {
		return nil, ErrTruncatedFrame
	}

	return &Request{Op: op, Key: key, Value: value}, nil
}

// ReadReply lê e valida um frame de resposta.
func ReadReply(r io.Reader) (*Reply, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("reading reply magic: %w", err)
	}
	if !bytes.Equal(magic[:], MagicReply[:]) {
		return nil, ErrInvalidMagic
	}

	var replyStatus [1]byte
	if _, err := io.ReadFull(r, replyStatus[:]); err != nil {
		return nil, ErrTruncatedFrame
	}

	var valueLen uint64
	if err := binary.Read(r, binary.BigEndian, &valueLen); err != nil {
		return nil, ErrTruncatedFrame
	}
	if valueLen > MaxValueLength {
		return nil, ErrFrameTooLarge
	}

	value := make([]byte, valueLen)
	if _, err := io.ReadFull(r, value); err != nil {
		return nil, ErrTruncatedFrame
	}

	return &Reply{Status: replyStatus[0], Value: value}, nil
}
