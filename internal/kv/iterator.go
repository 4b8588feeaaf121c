// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-KV License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package kv

import "github.com/nishisan-dev/n-kv/internal/engine"

// Iterator percorre as entries vivas de um snapshot em ordem de fileid
// ascendente e, dentro de cada arquivo, em ordem de escrita. Versões
// sobrescritas ou deletadas são puladas: uma chave só é emitida na posição
// para a qual o índice do snapshot ainda aponta.
type Iterator struct {
	snap         *Snapshot
	ownsSnapshot bool

	fileids []uint32
	fi      int
	curFid  uint32
	keys    []engine.KeyAt
	ki      int

	key   []byte
	value []byte
	err   error
}

// Next avança para a próxima entry viva. Retorna false no fim do snapshot
// ou no primeiro erro de leitura (ver Err).
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}

	for {
		if it.ki >= len(it.keys) {
			if it.fi >= len(it.fileids) {
				return false
			}
			it.curFid = it.fileids[it.fi]
			it.keys = it.snap.view.FileEntries(it.curFid)
			it.ki = 0
			it.fi++
			continue
		}

		ka := it.keys[it.ki]
		it.ki++

		fid, offset, ok := it.snap.view.LocationOf(ka.Key)
		if !ok || fid != it.curFid || offset != ka.Offset {
			// Versão morta: a chave vive em outro record.
			continue
		}

		value, err := it.snap.view.Get([]byte(ka.Key))
		if err != nil {
			it.err = err
			return false
		}
		it.key = []byte(ka.Key)
		it.value = value
		return true
	}
}

// Key retorna a chave corrente. Válido após Next() == true.
func (it *Iterator) Key() []byte {
	return it.key
}

// Value retorna o valor corrente. Válido após Next() == true.
func (it *Iterator) Value() []byte {
	return it.value
}

// Err retorna o erro que interrompeu a iteração, se houver.
func (it *Iterator) Err() error {
	return it.err
}

// Close libera o snapshot quando o iterator foi criado via DB.NewIterator.
func (it *Iterator) Close() {
	if it.ownsSnapshot {
		it.snap.Release()
	}
}
