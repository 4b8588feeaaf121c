// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-KV License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package kv

import (
	"sync/atomic"

	"github.com/nishisan-dev/n-kv/internal/engine"
	"github.com/nishisan-dev/n-kv/internal/status"
)

// Snapshot é uma view read-only point-in-time do database, limitada pela
// fronteira de fileid selada na criação e excluindo arquivos mais novos
// produzidos por compactações concorrentes.
type Snapshot struct {
	db       *DB
	id       uint64
	view     *engine.Engine
	fileids  []uint32
	released atomic.Bool
}

// NewSnapshot quiesce o write path e constrói um snapshot: drena o write
// buffer, sela o arquivo de append corrente, registra o snapshot no engine
// e abre a view read-only na fronteira. Falha em qualquer passo aborta e
// retorna snapshot nil.
func (db *DB) NewSnapshot() (*Snapshot, error) {
	if db.isClosed.Load() {
		return nil, status.IOError("database is not open")
	}

	if err := db.buf.Flush(); err != nil {
		return nil, err
	}

	fileidEnd, err := db.eng.FlushCurrentFileForSnapshot()
	if err != nil {
		return nil, err
	}

	id, ignore := db.eng.GetNewSnapshotData(fileidEnd)

	view, err := engine.New(engine.Options{}, db.eng, db.opts.DBName, true, ignore, fileidEnd, db.logger)
	if err != nil {
		db.eng.ReleaseSnapshot(id)
		return nil, err
	}

	db.logger.Debug("snapshot created", "snapshot_id", id, "fileid_end", fileidEnd)

	return &Snapshot{
		db:      db,
		id:      id,
		view:    view,
		fileids: view.GetFileidsIterator(),
	}, nil
}

// Get retorna o valor de key como era no momento do snapshot.
func (s *Snapshot) Get(ro ReadOptions, key []byte) ([]byte, error) {
	return s.view.Get(key)
}

// NewIterator retorna um iterator ordenado sobre o snapshot. O iterator
// guarda a referência ao snapshot: o snapshot sobrevive ao iterator.
func (s *Snapshot) NewIterator(ro ReadOptions) *Iterator {
	return &Iterator{snap: s, fileids: s.fileids}
}

// Release devolve o ignore set ao engine e despina os arquivos do
// snapshot. Idempotente.
func (s *Snapshot) Release() {
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	s.view.Close()
	s.db.eng.ReleaseSnapshot(s.id)
	s.db.logger.Debug("snapshot released", "snapshot_id", s.id)
}

// NewIterator cria um snapshot e retorna seu iterator; o snapshot é
// liberado no Close do iterator.
func (db *DB) NewIterator(ro ReadOptions) (*Iterator, error) {
	snap, err := db.NewSnapshot()
	if err != nil {
		return nil, err
	}
	it := snap.NewIterator(ro)
	it.ownsSnapshot = true
	return it, nil
}
