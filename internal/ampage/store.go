package ampage

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/ariaskv/ariaskv/internal/lsn"
)

// Store is the page cache and file-backing layer C7's handlers and the
// recovery driver (C8) read and mutate through. It owns CRC validation,
// an LRU buffer pool with pin/dirty tracking, page allocation via the
// free list, and the superblock — but not the write-ahead log or
// transaction bookkeeping, which belong to internal/logmgr and
// internal/txnmgr respectively. A REDO/UNDO handler fetches a page,
// compares its stamped LSN against the log record's, mutates it in
// place, and marks it dirty; nothing here decides when to log.

// frame is an in-memory cached page.
type frame struct {
	id     PageID
	buf    []byte
	dirty  bool
	pinned int
	prev   *frame
	next   *frame
}

// bufferPool is an LRU page cache with dirty-page tracking.
type bufferPool struct {
	mu       sync.Mutex
	maxPages int
	pages    map[PageID]*frame
	head     *frame
	tail     *frame
}

func newBufferPool(maxPages int) *bufferPool {
	if maxPages <= 0 {
		maxPages = 1024
	}
	return &bufferPool{maxPages: maxPages, pages: make(map[PageID]*frame, maxPages)}
}

func (bp *bufferPool) get(id PageID) (*frame, bool) {
	f, ok := bp.pages[id]
	if ok {
		bp.moveToFront(f)
	}
	return f, ok
}

func (bp *bufferPool) put(f *frame) {
	if _, exists := bp.pages[f.id]; exists {
		bp.moveToFront(f)
		return
	}
	for len(bp.pages) >= bp.maxPages {
		if !bp.evictOne() {
			break
		}
	}
	bp.pages[f.id] = f
	bp.pushFront(f)
}

func (bp *bufferPool) remove(id PageID) {
	f, ok := bp.pages[id]
	if !ok {
		return
	}
	bp.unlink(f)
	delete(bp.pages, id)
}

func (bp *bufferPool) evictOne() bool {
	for f := bp.tail; f != nil; f = f.prev {
		if f.pinned == 0 {
			bp.unlink(f)
			delete(bp.pages, f.id)
			return true
		}
	}
	return false
}

func (bp *bufferPool) dirtyPages() []*frame {
	var out []*frame
	for _, f := range bp.pages {
		if f.dirty {
			out = append(out, f)
		}
	}
	return out
}

func (bp *bufferPool) pushFront(f *frame) {
	f.prev = nil
	f.next = bp.head
	if bp.head != nil {
		bp.head.prev = f
	}
	bp.head = f
	if bp.tail == nil {
		bp.tail = f
	}
}

func (bp *bufferPool) unlink(f *frame) {
	if f.prev != nil {
		f.prev.next = f.next
	} else {
		bp.head = f.next
	}
	if f.next != nil {
		f.next.prev = f.prev
	} else {
		bp.tail = f.prev
	}
	f.prev = nil
	f.next = nil
}

func (bp *bufferPool) moveToFront(f *frame) {
	bp.unlink(f)
	bp.pushFront(f)
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Path          string
	PageSize      int
	MaxCachePages int // 0 = default 1024
	FileID        FileID
}

// Store manages page-level I/O, the buffer pool, and the free list for
// one database file.
type Store struct {
	mu       sync.RWMutex
	file     *os.File
	pool     *bufferPool
	sb       *Superblock
	freeMgr  *FreeManager
	pageSize int
	path     string
	closed   bool
}

// OpenStore opens or creates a page-based database file.
func OpenStore(cfg StoreConfig) (*Store, error) {
	ps := cfg.PageSize
	if ps == 0 {
		ps = DefaultPageSize
	}
	if ps < MinPageSize || ps > MaxPageSize || ps&(ps-1) != 0 {
		return nil, fmt.Errorf("ampage: invalid page size %d", ps)
	}

	isNew := false
	if _, err := os.Stat(cfg.Path); os.IsNotExist(err) {
		isNew = true
	}

	f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("ampage: open db file: %w", err)
	}

	s := &Store{
		file:     f,
		pageSize: ps,
		path:     cfg.Path,
		pool:     newBufferPool(cfg.MaxCachePages),
		freeMgr:  NewFreeManager(),
	}

	if isNew {
		sb := NewSuperblock(uint32(ps), cfg.FileID)
		buf := MarshalSuperblock(sb, ps)
		if _, err := f.WriteAt(buf, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("ampage: write superblock: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
		s.sb = sb
		return s, nil
	}

	sb, err := s.readSuperblock()
	if err != nil {
		f.Close()
		return nil, err
	}
	s.sb = sb
	s.pageSize = int(sb.PageSize)

	if sb.FreeListRoot != InvalidPageID {
		if err := s.freeMgr.LoadFromDisk(sb.FreeListRoot, s.readPageRaw); err != nil {
			f.Close()
			return nil, fmt.Errorf("ampage: load freelist: %w", err)
		}
	}
	return s, nil
}

func (s *Store) readSuperblock() (*Superblock, error) {
	buf := make([]byte, s.pageSize)
	if _, err := s.file.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("ampage: read superblock: %w", err)
	}
	return UnmarshalSuperblock(buf)
}

func (s *Store) readPageRaw(id PageID) ([]byte, error) {
	buf := make([]byte, s.pageSize)
	off := int64(id) * int64(s.pageSize)
	if _, err := s.file.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("ampage: read page %d: %w", id, err)
	}
	if err := VerifyPageCRC(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *Store) writePageRaw(id PageID, buf []byte) error {
	SetPageCRC(buf)
	off := int64(id) * int64(s.pageSize)
	if _, err := s.file.WriteAt(buf, off); err != nil {
		return fmt.Errorf("ampage: write page %d: %w", id, err)
	}
	return nil
}

// FetchPage returns a page by ID through the buffer pool, pinning it.
// Call UnpinPage when done. This is what every REDO/UNDO handler calls
// before comparing the page's stamped LSN against the record's.
func (s *Store) FetchPage(id PageID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.pool.mu.Lock()
	if f, ok := s.pool.get(id); ok {
		f.pinned++
		s.pool.mu.Unlock()
		return f.buf, nil
	}
	s.pool.mu.Unlock()

	buf, err := s.readPageRaw(id)
	if err != nil {
		return nil, err
	}
	f := &frame{id: id, buf: buf, pinned: 1}
	s.pool.mu.Lock()
	s.pool.put(f)
	s.pool.mu.Unlock()
	return buf, nil
}

// UnpinPage decrements the pin count for a page fetched with FetchPage.
func (s *Store) UnpinPage(id PageID) {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	if f, ok := s.pool.get(id); ok && f.pinned > 0 {
		f.pinned--
	}
}

// PutPage marks a page's in-memory buffer as modified and dirty. The
// caller (a bam_*/ham_*/qam_* handler) has already mutated buf and
// stamped its new PageLSN; PutPage just makes that stick in the cache.
func (s *Store) PutPage(id PageID, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	f, ok := s.pool.get(id)
	if !ok {
		f = &frame{id: id, buf: make([]byte, s.pageSize)}
		s.pool.put(f)
	}
	if &f.buf[0] != &buf[0] {
		copy(f.buf, buf)
	}
	f.dirty = true
	return nil
}

// AllocPage allocates a new page (from the free list, or by extending
// the file) and returns its id and a zeroed, pinned buffer. This is what
// bam_pg_alloc's REDO reproduces and bam_pg_alloc's UNDO reverses via
// FreePage.
func (s *Store) AllocPage(pt PageType) (PageID, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pid := s.freeMgr.Alloc()
	if pid == InvalidPageID {
		pid = s.sb.NextPageID
		s.sb.NextPageID++
		s.sb.PageCount++
	}
	buf := NewPage(s.pageSize, pt, pid)
	f := &frame{id: pid, buf: buf, pinned: 1, dirty: true}
	s.pool.mu.Lock()
	s.pool.put(f)
	s.pool.mu.Unlock()
	return pid, buf
}

// FreePage returns a page to the free list for reuse. bam_pg_free's REDO
// calls this; its UNDO calls ReclaimPage to take it back.
func (s *Store) FreePage(pid PageID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freeMgr.Free(pid)
	s.pool.mu.Lock()
	s.pool.remove(pid)
	s.pool.mu.Unlock()
}

// ReclaimPage removes a page from the free list without allocating it a
// new identity — the UNDO complement of FreePage, used when bam_pg_free
// must be rolled back because the transaction that freed the page aborted.
func (s *Store) ReclaimPage(pid PageID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freeMgr.Take(pid)
}

// IsFree reports whether pid is currently on the free list.
func (s *Store) IsFree(pid PageID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.freeMgr.Contains(pid)
}

func (s *Store) freeOldFreeListChain(head PageID) {
	pid := head
	for pid != InvalidPageID {
		buf, err := s.readPageRaw(pid)
		if err != nil {
			break
		}
		fl := WrapFreeListPage(buf)
		next := fl.NextFreeList()
		s.freeMgr.Free(pid)
		pid = next
	}
}

// Checkpoint flushes all dirty pages and the free list to the database
// file, stamps the superblock with ckpLSN, and fsyncs. It does not touch
// the log — the caller (internal/txnmgr's checkpoint routine) is
// responsible for writing the checkpoint log record and truncating
// reclaimable log files once this returns.
func (s *Store) Checkpoint(ckpLSN lsn.LSN) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pool.mu.Lock()
	dirty := s.pool.dirtyPages()
	for _, f := range dirty {
		SetPageCRC(f.buf)
		if err := s.writePageRaw(f.id, f.buf); err != nil {
			s.pool.mu.Unlock()
			return fmt.Errorf("ampage: checkpoint flush page %d: %w", f.id, err)
		}
		f.dirty = false
	}
	s.pool.mu.Unlock()

	oldFLHead := s.sb.FreeListRoot
	if oldFLHead != InvalidPageID {
		s.freeOldFreeListChain(oldFLHead)
	}

	flHead, flPages := s.freeMgr.FlushToDisk(s.pageSize, func() (PageID, []byte) {
		pid := s.sb.NextPageID
		s.sb.NextPageID++
		s.sb.PageCount++
		return pid, make([]byte, s.pageSize)
	})
	for _, fb := range flPages {
		pid := PageID(binary.LittleEndian.Uint32(fb[4:8]))
		if err := s.writePageRaw(pid, fb); err != nil {
			return fmt.Errorf("ampage: checkpoint freelist page: %w", err)
		}
	}

	s.sb.FreeListRoot = flHead
	s.sb.CheckpointLSN = ckpLSN
	sbBuf := MarshalSuperblock(s.sb, s.pageSize)
	if err := s.writePageRaw(0, sbBuf); err != nil {
		return fmt.Errorf("ampage: checkpoint superblock: %w", err)
	}
	return s.file.Sync()
}

// Superblock returns a copy of the current superblock.
func (s *Store) Superblock() Superblock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.sb
}

// UpdateSuperblock mutates the in-memory superblock. It does not write
// to disk — Checkpoint does that.
func (s *Store) UpdateSuperblock(fn func(sb *Superblock)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.sb)
}

// PageSize returns the configured page size.
func (s *Store) PageSize() int { return s.pageSize }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close performs a final checkpoint at the current superblock checkpoint
// LSN and closes the underlying file.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ckp := s.sb.CheckpointLSN
	s.mu.Unlock()

	if err := s.Checkpoint(ckp); err != nil {
		_ = s.file.Close()
		return err
	}
	return s.file.Close()
}
