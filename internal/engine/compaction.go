// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-KV License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package engine

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"

	"github.com/nishisan-dev/n-kv/internal/status"
)

// compactRecord identifica um record vivo a migrar para o arquivo de saída.
type compactRecord struct {
	key string
	loc location
}

// Compact reescreve os records vivos dos arquivos selados não-pinados em um
// arquivo novo e remove as fontes. Arquivos pinados por snapshots vivos são
// deixados intactos; arquivos selados sem nenhum record vivo são removidos
// diretamente. Escritas concorrentes seguem livres: o grosso do I/O roda
// fora do mutex e o índice é revalidado record a record no commit.
func (e *Engine) Compact() error {
	// Fase 1 (sob lock): seleção de fontes e coleta dos records vivos.
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return status.IOError("engine is closed")
	}
	if e.readonly {
		e.mu.Unlock()
		return status.IOError("engine view is read-only")
	}

	pinned := make(map[uint32]struct{})
	for _, st := range e.snapshots {
		for fid := range st.pinned {
			pinned[fid] = struct{}{}
		}
	}

	var sources []uint32
	var fullyDead []uint32
	var live []compactRecord
	for _, fid := range e.fileids {
		if fid == e.currentID {
			continue
		}
		if _, isPinned := pinned[fid]; isPinned {
			continue
		}
		var fileLive []compactRecord
		for _, ka := range e.fileKeys[fid] {
			loc, ok := e.index[ka.Key]
			if ok && loc.fileid == fid && loc.offset == ka.Offset {
				fileLive = append(fileLive, compactRecord{key: ka.Key, loc: loc})
			}
		}
		if len(fileLive) == 0 {
			fullyDead = append(fullyDead, fid)
			continue
		}
		sources = append(sources, fid)
		live = append(live, fileLive...)
	}

	for _, fid := range fullyDead {
		e.removeFileLocked(fid)
	}

	// Um único source sem records mortos não ganha nada com a reescrita.
	if len(sources) == 0 || (len(sources) == 1 && len(live) == len(e.fileKeys[sources[0]])) {
		e.mu.Unlock()
		return nil
	}

	outID := e.nextID
	e.nextID++
	e.mu.Unlock()

	e.logger.Info("compaction started",
		"sources", len(sources),
		"live_records", len(live),
		"output_fileid", outID,
	)

	// Fase 2 (sem lock): reescrita dos records em arquivo temporário com
	// commit atômico via rename. As fontes são seladas e imutáveis.
	newOffsets, outPath, err := e.rewriteRecords(live, outID)
	if err != nil {
		return err
	}

	// Fase 3 (sob lock): revalida o índice record a record, instala o
	// arquivo de saída e remove as fontes que continuam não-pinadas.
	e.mu.Lock()
	defer e.mu.Unlock()

	f, err := os.OpenFile(outPath, os.O_RDWR, 0644)
	if err != nil {
		return status.IOError("opening compacted file: %v", err)
	}
	e.handles[outID] = f
	e.fileids = append(e.fileids, outID)
	sort.Slice(e.fileids, func(i, j int) bool { return e.fileids[i] < e.fileids[j] })

	migrated := 0
	for i, rec := range live {
		cur, ok := e.index[rec.key]
		if !ok || cur != rec.loc {
			// Sobrescrito ou deletado durante a compactação: a cópia no
			// arquivo de saída fica morta e o iterator a ignora.
			continue
		}
		newLoc := rec.loc
		newLoc.fileid = outID
		newLoc.offset = newOffsets[i]
		e.index[rec.key] = newLoc
		migrated++
	}
	outKeys := make([]KeyAt, len(live))
	for i, rec := range live {
		outKeys[i] = KeyAt{Key: rec.key, Offset: newOffsets[i]}
	}
	e.fileKeys[outID] = outKeys

	// Compactações concorrentes a um snapshot entram no ignore set dele.
	for _, st := range e.snapshots {
		st.ignore[outID] = struct{}{}
	}

	for _, fid := range sources {
		stillPinned := false
		for _, st := range e.snapshots {
			if _, ok := st.pinned[fid]; ok {
				stillPinned = true
				break
			}
		}
		if stillPinned {
			// Um snapshot criado durante a compactação pinou a fonte;
			// o arquivo (agora morto) é varrido numa compactação futura.
			continue
		}
		e.removeFileLocked(fid)
	}

	e.compactions.Add(1)
	e.logger.Info("compaction completed",
		"output_fileid", outID,
		"migrated_records", migrated,
		"stale_records", len(live)-migrated,
	)
	return nil
}

// rewriteRecords copia os bytes on-disk de cada record vivo para um arquivo
// temporário e retorna os novos offsets e o path final já commitado.
func (e *Engine) rewriteRecords(live []compactRecord, outID uint32) ([]int64, string, error) {
	tmp, err := os.CreateTemp(e.dbname, "compact-*.tmp")
	if err != nil {
		return nil, "", status.IOError("creating compaction temp file: %v", err)
	}
	tmpPath := tmp.Name()
	w := bufio.NewWriterSize(tmp, 1024*1024)

	abort := func(err error) ([]int64, string, error) {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, "", err
	}

	newOffsets := make([]int64, len(live))
	var offset int64
	for i, rec := range live {
		src, err := e.fileHandle(rec.loc.fileid)
		if err != nil {
			return abort(err)
		}
		valueLen := rec.loc.sizeValue
		if rec.loc.sizeValueCompressed > 0 {
			valueLen = rec.loc.sizeValueCompressed
		}
		recordLen := int64(recordHeaderSize) + int64(len(rec.key)) + int64(valueLen)

		buf := make([]byte, recordLen)
		if _, err := src.ReadAt(buf, rec.loc.offset); err != nil {
			return abort(status.IOError("reading record for compaction (key %q): %v", rec.key, err))
		}
		if _, err := w.Write(buf); err != nil {
			return abort(status.IOError("writing compacted record: %v", err))
		}
		newOffsets[i] = offset
		offset += recordLen
	}

	if err := w.Flush(); err != nil {
		return abort(status.IOError("flushing compacted file: %v", err))
	}
	if err := tmp.Sync(); err != nil {
		return abort(status.IOError("syncing compacted file: %v", err))
	}
	if err := tmp.Close(); err != nil {
		return abort(status.IOError("closing compacted file: %v", err))
	}

	finalPath := filepath.Join(e.dbname, fileName(outID))
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, "", status.IOError("committing compacted file: %v", err)
	}
	return newOffsets, finalPath, nil
}

// removeFileLocked fecha o handle e apaga um arquivo morto.
// Deve ser chamado com e.mu held.
func (e *Engine) removeFileLocked(fileid uint32) {
	if f, ok := e.handles[fileid]; ok {
		f.Close()
		delete(e.handles, fileid)
	}
	delete(e.fileKeys, fileid)
	for i, fid := range e.fileids {
		if fid == fileid {
			e.fileids = append(e.fileids[:i], e.fileids[i+1:]...)
			break
		}
	}
	if err := os.Remove(filepath.Join(e.dbname, fileName(fileid))); err != nil {
		e.logger.Warn("removing dead file", "fileid", fileid, "error", err)
	} else {
		e.logger.Debug("dead file removed", "fileid", fileid)
	}
}
