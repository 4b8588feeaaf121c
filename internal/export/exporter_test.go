// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-KV License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package export

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/pgzip"

	"github.com/nishisan-dev/n-kv/internal/kv"
)

func newExpTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newExportDB(t *testing.T) *kv.DB {
	t.Helper()
	db, err := kv.Open(kv.Options{
		DBName:      filepath.Join(t.TempDir(), "db"),
		Compression: kv.CompressionNone,
	}, newExpTestLogger())
	if err != nil {
		t.Fatalf("Open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// readArchive decodifica um archive .nkvx e retorna os pares chave/valor.
func readArchive(t *testing.T, path string) map[string]string {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening archive: %v", err)
	}
	defer f.Close()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		t.Fatalf("opening gzip stream: %v", err)
	}
	defer gz.Close()

	var magic [4]byte
	if _, err := io.ReadFull(gz, magic[:]); err != nil {
		t.Fatalf("reading magic: %v", err)
	}
	if !bytes.Equal(magic[:], archiveMagic[:]) {
		t.Fatalf("unexpected magic %q", magic)
	}
	var version [1]byte
	if _, err := io.ReadFull(gz, version[:]); err != nil {
		t.Fatalf("reading version: %v", err)
	}
	if version[0] != archiveVersion {
		t.Fatalf("unexpected version 0x%02x", version[0])
	}

	out := map[string]string{}
	for {
		var keyLen uint32
		if err := binary.Read(gz, binary.BigEndian, &keyLen); err != nil {
			if err == io.EOF {
				break
			}
			t.Fatalf("reading key length: %v", err)
		}
		var valueLen uint64
		if err := binary.Read(gz, binary.BigEndian, &valueLen); err != nil {
			t.Fatalf("reading value length: %v", err)
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(gz, key); err != nil {
			t.Fatalf("reading key: %v", err)
		}
		value := make([]byte, valueLen)
		if _, err := io.ReadFull(gz, value); err != nil {
			t.Fatalf("reading value: %v", err)
		}
		out[string(key)] = string(value)
	}
	return out
}

func TestExporter_ArchiveContainsSnapshot(t *testing.T) {
	db := newExportDB(t)

	want := map[string]string{
		"alpha": "1",
		"beta":  strings.Repeat("payload ", 100),
		"gamma": "3",
	}
	for k, v := range want {
		if err := db.Put(kv.WriteOptions{}, []byte(k), []byte(v)); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}
	db.Delete(kv.WriteOptions{}, []byte("gamma"))
	delete(want, "gamma")

	dir := t.TempDir()
	ex := New(db, Options{Dir: dir}, newExpTestLogger())

	result, err := ex.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Keys != int64(len(want)) {
		t.Errorf("result.Keys = %d, want %d", result.Keys, len(want))
	}
	if result.Path == "" || !strings.HasSuffix(result.Path, ".nkvx") {
		t.Errorf("unexpected archive path %q", result.Path)
	}
	if result.Uploaded {
		t.Error("no S3 configured, archive should not be marked uploaded")
	}

	got := readArchive(t, result.Path)
	if len(got) != len(want) {
		t.Fatalf("archive has %d keys, want %d: %v", len(got), len(want), got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("archive[%s] mismatch", k)
		}
	}
}

func TestExporter_NoTempFileLeftBehind(t *testing.T) {
	db := newExportDB(t)
	db.Put(kv.WriteOptions{}, []byte("k"), []byte("v"))

	dir := t.TempDir()
	ex := New(db, Options{Dir: dir}, newExpTestLogger())
	if _, err := ex.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestExporter_EmptyDatabase(t *testing.T) {
	db := newExportDB(t)

	ex := New(db, Options{Dir: t.TempDir()}, newExpTestLogger())
	result, err := ex.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Keys != 0 {
		t.Fatalf("empty db exported %d keys", result.Keys)
	}
	if got := readArchive(t, result.Path); len(got) != 0 {
		t.Fatalf("empty db archive has entries: %v", got)
	}
}
