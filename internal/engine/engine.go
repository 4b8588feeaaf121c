// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-KV License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package engine implementa o storage engine log-structured do N-KV:
// arquivos de append imutáveis após selados, índice em memória, views
// read-only para snapshots e compactação de arquivos selados.
package engine

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/nishisan-dev/n-kv/internal/codec"
	"github.com/nishisan-dev/n-kv/internal/status"
)

// alignment é a granularidade de padding por entry. O padding fica
// disponível para o compressor como folga de overflow.
const alignment = 64

// Padding retorna os bytes de alinhamento reservados após uma entry de
// sizeValue bytes. Nunca retorna menos que um header de frame: o fallback
// no primeiro chunk precisa caber no orçamento.
func Padding(sizeValue uint64) uint64 {
	pad := alignment - sizeValue%alignment
	if pad < codec.FrameHeaderSize {
		pad += alignment
	}
	return pad
}

// Options configura o engine.
type Options struct {
	// FileSizeMax rotaciona o arquivo de append corrente quando excedido.
	FileSizeMax int64
	// SyncWrites força fsync a cada entry persistida.
	SyncWrites bool
	// DiskUsedPercentMax é o limiar de uso de disco de FileSystemStatus.
	// 0 desabilita o check.
	DiskUsedPercentMax float64
}

// Entry é a unidade persistida pelo engine: os bytes on-disk finais de uma
// entry completa entregue pelo write buffer, ou um tombstone.
type Entry struct {
	Key                 []byte
	Value               []byte // stream de frames ou bytes crus; nil em tombstone
	SizeValue           uint64
	SizeValueCompressed uint64
	CRC32               uint32
	Deleted             bool
}

// KeyAt registra uma chave na ordem de escrita de um arquivo, com o offset
// do record. O par (fileid, offset) identifica a versão: o iterator só
// emite a chave quando o índice ainda aponta para este record.
type KeyAt struct {
	Key    string
	Offset int64
}

// Info expõe os metadados persistidos de uma entry viva.
type Info struct {
	FileID              uint32
	SizeValue           uint64
	SizeValueCompressed uint64
	CRC32               uint32
}

// EngineStats contém métricas instantâneas do engine.
type EngineStats struct {
	Files          int
	LiveKeys       int
	CurrentFileID  uint32
	EntriesWritten int64
	Compactions    int64
	LiveSnapshots  int
}

type location struct {
	fileid              uint32
	offset              int64
	sizeValue           uint64
	sizeValueCompressed uint64
	crc                 uint32
}

// snapshotState registra o que um snapshot vivo enxerga e pina.
type snapshotState struct {
	ignore map[uint32]struct{}
	pinned map[uint32]struct{}
}

// Engine é o storage engine. A instância root é read-write; views read-only
// criadas para snapshots compartilham os arquivos selados (imutáveis) da
// root e carregam um índice clonado filtrado pela fronteira do snapshot.
type Engine struct {
	opts     Options
	dbname   string
	readonly bool
	parent   *Engine
	logger   *slog.Logger

	mu          sync.Mutex
	index       map[string]location
	fileKeys    map[uint32][]KeyAt
	fileids     []uint32 // ordenado ascendente, inclui o arquivo corrente
	handles     map[uint32]*os.File
	currentID   uint32
	currentFile *os.File
	currentSize int64
	nextID      uint32

	nextSnapshotID uint64
	snapshots      map[uint64]*snapshotState

	// Filtros de view read-only (imutáveis após construção).
	fileidEnd uint32
	ignore    map[uint32]struct{}

	dec *codec.Decompressor

	entriesWritten atomic.Int64
	compactions    atomic.Int64

	closed bool
}

func fileName(fileid uint32) string {
	return fmt.Sprintf("kv_%08d.nkv", fileid)
}

// New cria um engine. Com readonly=false abre (ou recupera) o database em
// dbname e ignora parent. Com readonly=true constrói uma view sobre parent
// limitada a fileidEnd e excluindo o ignore set — arquivos mais novos que o
// snapshot já presentes em disco por compactações concorrentes.
func New(opts Options, parent *Engine, dbname string, readonly bool,
	ignore map[uint32]struct{}, fileidEnd uint32, logger *slog.Logger) (*Engine, error) {

	if readonly {
		if parent == nil {
			return nil, fmt.Errorf("read-only engine view requires a parent")
		}
		return newView(parent, dbname, ignore, fileidEnd, logger), nil
	}

	if err := os.MkdirAll(dbname, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dec, err := codec.NewDecompressor()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:           opts,
		dbname:         dbname,
		logger:         logger,
		index:          make(map[string]location),
		fileKeys:       make(map[uint32][]KeyAt),
		handles:        make(map[uint32]*os.File),
		snapshots:      make(map[uint64]*snapshotState),
		nextSnapshotID: 1,
		dec:            dec,
	}

	if err := e.recover(); err != nil {
		return nil, err
	}
	if err := e.openCurrentLocked(); err != nil {
		return nil, err
	}

	logger.Info("engine opened",
		"dbname", dbname,
		"files", len(e.fileids),
		"live_keys", len(e.index),
		"current_fileid", e.currentID,
	)
	return e, nil
}

// newView clona o estado visível pelo snapshot. Os arquivos selados são
// imutáveis; a view delega a leitura aos handles do parent.
func newView(parent *Engine, dbname string, ignore map[uint32]struct{},
	fileidEnd uint32, logger *slog.Logger) *Engine {

	parent.mu.Lock()
	defer parent.mu.Unlock()

	visible := func(fid uint32) bool {
		if fid > fileidEnd {
			return false
		}
		_, skip := ignore[fid]
		return !skip
	}

	v := &Engine{
		opts:      parent.opts,
		dbname:    dbname,
		readonly:  true,
		parent:    parent,
		logger:    logger,
		index:     make(map[string]location),
		fileKeys:  make(map[uint32][]KeyAt),
		fileidEnd: fileidEnd,
		ignore:    ignore,
		dec:       parent.dec,
	}

	for key, loc := range parent.index {
		if visible(loc.fileid) {
			v.index[key] = loc
		}
	}
	for _, fid := range parent.fileids {
		if visible(fid) {
			v.fileids = append(v.fileids, fid)
			v.fileKeys[fid] = parent.fileKeys[fid]
		}
	}
	sort.Slice(v.fileids, func(i, j int) bool { return v.fileids[i] < v.fileids[j] })
	return v
}

// recover reconstrói índice e ordem de chaves a partir dos arquivos
// existentes, em ordem ascendente de fileid.
func (e *Engine) recover() error {
	entries, err := os.ReadDir(e.dbname)
	if err != nil {
		return fmt.Errorf("reading database directory: %w", err)
	}

	var fids []uint32
	for _, en := range entries {
		name := en.Name()
		if !strings.HasPrefix(name, "kv_") || !strings.HasSuffix(name, ".nkv") {
			continue
		}
		num := strings.TrimSuffix(strings.TrimPrefix(name, "kv_"), ".nkv")
		fid, err := strconv.ParseUint(num, 10, 32)
		if err != nil {
			continue
		}
		fids = append(fids, uint32(fid))
	}
	sort.Slice(fids, func(i, j int) bool { return fids[i] < fids[j] })

	for _, fid := range fids {
		if err := e.replayFile(fid); err != nil {
			return err
		}
		e.fileids = append(e.fileids, fid)
		if fid >= e.nextID {
			e.nextID = fid + 1
		}
	}
	return nil
}

// openCurrentLocked abre um novo arquivo de append com o próximo fileid.
func (e *Engine) openCurrentLocked() error {
	fid := e.nextID
	e.nextID++

	f, err := os.OpenFile(filepath.Join(e.dbname, fileName(fid)), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("opening append file: %w", err)
	}

	e.currentID = fid
	e.currentFile = f
	e.currentSize = 0
	e.handles[fid] = f
	e.fileids = append(e.fileids, fid)
	return nil
}

// sealCurrentLocked sela o arquivo de append corrente. O handle permanece
// aberto para leituras; o arquivo vira imutável.
func (e *Engine) sealCurrentLocked() (uint32, error) {
	if err := e.currentFile.Sync(); err != nil {
		return 0, status.IOError("syncing append file: %v", err)
	}
	sealed := e.currentID
	e.currentFile = nil
	return sealed, nil
}

// WriteEntry persiste uma entry completa (ou tombstone) no arquivo de
// append corrente, rotacionando quando o limite de tamanho é excedido.
// Chamado pelo drainer do write buffer, em ordem de chegada.
func (e *Engine) WriteEntry(en Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return status.IOError("engine is closed")
	}
	if e.readonly {
		return status.IOError("engine view is read-only")
	}

	offset, err := e.appendRecordLocked(en)
	if err != nil {
		return err
	}

	key := string(en.Key)
	if en.Deleted {
		delete(e.index, key)
	} else {
		e.index[key] = location{
			fileid:              e.currentID,
			offset:              offset,
			sizeValue:           en.SizeValue,
			sizeValueCompressed: en.SizeValueCompressed,
			crc:                 en.CRC32,
		}
	}
	e.fileKeys[e.currentID] = append(e.fileKeys[e.currentID], KeyAt{Key: key, Offset: offset})
	e.entriesWritten.Add(1)

	if e.opts.FileSizeMax > 0 && e.currentSize >= e.opts.FileSizeMax {
		if _, err := e.sealCurrentLocked(); err != nil {
			return err
		}
		if err := e.openCurrentLocked(); err != nil {
			return status.IOError("rotating append file: %v", err)
		}
	}
	return nil
}

// Get retorna o valor decodificado e verificado de key.
func (e *Engine) Get(key []byte) ([]byte, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, status.IOError("engine is closed")
	}
	loc, ok := e.index[string(key)]
	e.mu.Unlock()

	if !ok {
		return nil, status.NotFound()
	}
	return e.readEntry(key, loc)
}

// readEntry lê, verifica CRC e decodifica os bytes on-disk de uma entry.
// Arquivos selados são imutáveis: a leitura acontece fora do mutex.
func (e *Engine) readEntry(key []byte, loc location) ([]byte, error) {
	raw, err := e.readValueBytes(key, loc)
	if err != nil {
		return nil, err
	}

	if loc.sizeValueCompressed == 0 {
		return raw, nil
	}
	value, err := e.dec.DecodeEntry(raw, loc.sizeValue)
	if err != nil {
		return nil, status.IOError("decoding entry for key %q: %v", key, err)
	}
	return value, nil
}

// FileSystemStatus verifica a saúde do filesystem do database.
// Uso de disco acima do limiar configurado rejeita novas escritas.
func (e *Engine) FileSystemStatus() error {
	if e.opts.DiskUsedPercentMax <= 0 {
		return nil
	}
	usage, err := disk.Usage(e.dbname)
	if err != nil {
		// Falha no stat não bloqueia escrita; o write path reporta o
		// erro real se o disco estiver de fato indisponível.
		e.logger.Debug("disk usage check failed", "error", err)
		return nil
	}
	if usage.UsedPercent >= e.opts.DiskUsedPercentMax {
		return status.IOError("filesystem is full: %.1f%% used (limit %.1f%%)",
			usage.UsedPercent, e.opts.DiskUsedPercentMax)
	}
	return nil
}

// FlushCurrentFileForSnapshot sela o arquivo de append corrente e abre o
// sucessor. Retorna a fronteira do snapshot: o maior fileid alocado antes
// do sucessor — o arquivo selado ou, se maior, a saída de uma compactação
// anterior (compactações recebem ids acima do arquivo corrente).
func (e *Engine) FlushCurrentFileForSnapshot() (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, status.IOError("engine is closed")
	}
	if _, err := e.sealCurrentLocked(); err != nil {
		return 0, err
	}
	boundary := e.nextID - 1
	if err := e.openCurrentLocked(); err != nil {
		return 0, status.IOError("rotating append file: %v", err)
	}
	return boundary, nil
}

// GetNewSnapshotData registra um snapshot vivo, pina os arquivos até a
// fronteira e retorna seu id e o ignore set. O set começa vazio; a saída de
// cada compactação instalada enquanto o snapshot viver é adicionada a ele.
// O chamador passa o set à view read-only e o devolve via ReleaseSnapshot.
func (e *Engine) GetNewSnapshotData(fileidEnd uint32) (uint64, map[uint32]struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextSnapshotID
	e.nextSnapshotID++

	st := &snapshotState{
		ignore: make(map[uint32]struct{}),
		pinned: make(map[uint32]struct{}),
	}
	for _, fid := range e.fileids {
		if fid <= fileidEnd {
			st.pinned[fid] = struct{}{}
		}
	}
	e.snapshots[id] = st
	return id, st.ignore
}

// ReleaseSnapshot devolve o ignore set e despina os arquivos do snapshot.
func (e *Engine) ReleaseSnapshot(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.snapshots, id)
}

// GetFileidsIterator retorna os fileids que um iterator percorre, em ordem
// ascendente.
func (e *Engine) GetFileidsIterator() []uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]uint32, len(e.fileids))
	copy(out, e.fileids)
	return out
}

// FileEntries retorna as chaves de um arquivo na ordem de escrita.
func (e *Engine) FileEntries(fileid uint32) []KeyAt {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fileKeys[fileid]
}

// LocationOf retorna (fileid, offset) da versão viva de key.
func (e *Engine) LocationOf(key string) (uint32, int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	loc, ok := e.index[key]
	return loc.fileid, loc.offset, ok
}

// EntryInfo retorna os metadados persistidos da versão viva de key.
func (e *Engine) EntryInfo(key string) (Info, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	loc, ok := e.index[key]
	if !ok {
		return Info{}, false
	}
	return Info{
		FileID:              loc.fileid,
		SizeValue:           loc.sizeValue,
		SizeValueCompressed: loc.sizeValueCompressed,
		CRC32:               loc.crc,
	}, true
}

// Stats retorna um snapshot das métricas do engine.
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EngineStats{
		Files:          len(e.fileids),
		LiveKeys:       len(e.index),
		CurrentFileID:  e.currentID,
		EntriesWritten: e.entriesWritten.Load(),
		Compactions:    e.compactions.Load(),
		LiveSnapshots:  len(e.snapshots),
	}
}

// Close sela o arquivo corrente e fecha todos os handles.
// Views read-only não possuem handles próprios.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || e.readonly {
		e.closed = true
		return nil
	}

	if e.currentFile != nil {
		if _, err := e.sealCurrentLocked(); err != nil {
			return err
		}
	}
	for _, f := range e.handles {
		f.Close()
	}
	e.handles = make(map[uint32]*os.File)
	e.closed = true
	e.logger.Info("engine closed", "dbname", e.dbname)
	return nil
}
