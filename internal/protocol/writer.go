// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-KV License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteRequest escreve um frame de request (Client → Server).
func WriteRequest(w io.Writer, op byte, key, value []byte) error {
	if _, err := w.Write(MagicRequest[:]); err != nil {
		return fmt.Errorf("writing request magic: %w", err)
	}
	if _, err := w.Write([]byte{ProtocolVersion, op}); err != nil {
		return fmt.Errorf("writing request header: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(key))); err != nil {
		return fmt.Errorf("writing request key length: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint64(len(value))); err != nil {
		return fmt.Errorf("writing request value length: %w", err)
	}
	if _, err := w.Write(key); err != nil {
		return fmt.Errorf("writing request key: %w", err)
	}
	if _, err := w.Write(value); err != nil {
		return fmt.Errorf("writing request value: %w", err)
	}
	return nil
}

// WriteReply escreve um frame de resposta (Server → Client).
func WriteReply(w io.Writer, replyStatus byte, value []byte) error {
	if _, err := w.Write(MagicReply[:]); err != nil {
		return fmt.Errorf("writing reply magic: %w", err)
	}
	if _, err := w.Write([]byte{replyStatus}); err != nil {
		return fmt.Errorf("writing reply status: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint64(len(value))); err != nil {
		return fmt.Errorf("writing reply value length: %w", err)
	}
	if _, err := w.Write(value); err != nil {
		return fmt.Errorf("writing reply value: %w", err)
	}
	return nil
}
