// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-KV License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nishisan-dev/n-kv/internal/crc"
	"github.com/nishisan-dev/n-kv/internal/status"
)

// Record on-disk:
// [flags 1B] [keyLen u32] [sizeValue u64] [sizeValueCompressed u64] [crc u32]
// [key keyLen B] [value bytes]
// O comprimento dos bytes de valor é sizeValueCompressed quando não-zero,
// senão sizeValue. Tombstones não carregam valor.
const recordHeaderSize = 1 + 4 + 8 + 8 + 4

const flagTombstone byte = 0x01

type recordHeader struct {
	flags               byte
	keyLen              uint32
	sizeValue           uint64
	sizeValueCompressed uint64
	crc                 uint32
}

func (h recordHeader) valueLen() uint64 {
	if h.flags&flagTombstone != 0 {
		return 0
	}
	if h.sizeValueCompressed > 0 {
		return h.sizeValueCompressed
	}
	return h.sizeValue
}

func putRecordHeader(dst []byte, h recordHeader) {
	dst[0] = h.flags
	binary.BigEndian.PutUint32(dst[1:5], h.keyLen)
	binary.BigEndian.PutUint64(dst[5:13], h.sizeValue)
	binary.BigEndian.PutUint64(dst[13:21], h.sizeValueCompressed)
	binary.BigEndian.PutUint32(dst[21:25], h.crc)
}

func parseRecordHeader(src []byte) recordHeader {
	return recordHeader{
		flags:               src[0],
		keyLen:              binary.BigEndian.Uint32(src[1:5]),
		sizeValue:           binary.BigEndian.Uint64(src[5:13]),
		sizeValueCompressed: binary.BigEndian.Uint64(src[13:21]),
		crc:                 binary.BigEndian.Uint32(src[21:25]),
	}
}

// appendRecordLocked serializa a entry no arquivo de append corrente e
// retorna o offset do record. Deve ser chamado com e.mu held.
func (e *Engine) appendRecordLocked(en Entry) (int64, error) {
	h := recordHeader{
		keyLen:              uint32(len(en.Key)),
		sizeValue:           en.SizeValue,
		sizeValueCompressed: en.SizeValueCompressed,
		crc:                 en.CRC32,
	}
	if en.Deleted {
		h.flags |= flagTombstone
	}

	buf := make([]byte, recordHeaderSize+len(en.Key)+len(en.Value))
	putRecordHeader(buf, h)
	copy(buf[recordHeaderSize:], en.Key)
	copy(buf[recordHeaderSize+len(en.Key):], en.Value)

	offset := e.currentSize
	if _, err := e.currentFile.WriteAt(buf, offset); err != nil {
		return 0, status.IOError("writing record: %v", err)
	}
	e.currentSize += int64(len(buf))

	if e.opts.SyncWrites {
		if err := e.currentFile.Sync(); err != nil {
			return 0, status.IOError("syncing record: %v", err)
		}
	}
	return offset, nil
}

// fileHandle retorna o handle de leitura de um arquivo. Views delegam ao
// engine root, dono dos handles.
func (e *Engine) fileHandle(fileid uint32) (*os.File, error) {
	if e.readonly {
		return e.parent.fileHandle(fileid)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.handles[fileid]
	if !ok {
		return nil, status.IOError("file %d is not open", fileid)
	}
	return f, nil
}

// readValueBytes lê os bytes on-disk do valor de uma entry e verifica o
// CRC32 sobre key || bytes finais.
func (e *Engine) readValueBytes(key []byte, loc location) ([]byte, error) {
	valueLen := loc.sizeValue
	if loc.sizeValueCompressed > 0 {
		valueLen = loc.sizeValueCompressed
	}

	f, err := e.fileHandle(loc.fileid)
	if err != nil {
		return nil, err
	}

	raw := make([]byte, valueLen)
	valueOff := loc.offset + recordHeaderSize + int64(len(key))
	if _, err := f.ReadAt(raw, valueOff); err != nil {
		return nil, status.IOError("reading entry for key %q: %v", key, err)
	}

	check := crc.New()
	check.Stream(key)
	check.Stream(raw)
	if check.Get() != loc.crc {
		return nil, status.IOError("corrupted entry for key %q: crc mismatch (stored %08x, computed %08x)",
			key, loc.crc, check.Get())
	}
	return raw, nil
}

// replayFile reconstrói o índice a partir de um arquivo existente, na ordem
// de escrita. Um tail truncado (crash durante append) interrompe o replay
// do arquivo sem falhar a abertura.
func (e *Engine) replayFile(fileid uint32) error {
	path := filepath.Join(e.dbname, fileName(fileid))
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("opening file %d for replay: %w", fileid, err)
	}

	var offset int64
	header := make([]byte, recordHeaderSize)
	for {
		if _, err := f.ReadAt(header, offset); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			f.Close()
			return fmt.Errorf("replaying file %d at offset %d: %w", fileid, offset, err)
		}
		h := parseRecordHeader(header)

		key := make([]byte, h.keyLen)
		if _, err := f.ReadAt(key, offset+recordHeaderSize); err != nil {
			e.logger.Warn("truncated record during replay, discarding tail",
				"fileid", fileid, "offset", offset)
			break
		}
		recordLen := int64(recordHeaderSize) + int64(h.keyLen) + int64(h.valueLen())
		if end, err := f.Seek(0, io.SeekEnd); err == nil && offset+recordLen > end {
			e.logger.Warn("truncated record during replay, discarding tail",
				"fileid", fileid, "offset", offset)
			break
		}

		keyStr := string(key)
		if h.flags&flagTombstone != 0 {
			delete(e.index, keyStr)
		} else {
			e.index[keyStr] = location{
				fileid:              fileid,
				offset:              offset,
				sizeValue:           h.sizeValue,
				sizeValueCompressed: h.sizeValueCompressed,
				crc:                 h.crc,
			}
		}
		e.fileKeys[fileid] = append(e.fileKeys[fileid], KeyAt{Key: keyStr, Offset: offset})
		offset += recordLen
	}

	e.handles[fileid] = f
	return nil
}
