// Package logmgr implements the log manager (C3): the log as an ordered
// sequence of numbered files, each holding a packed stream of envelope+
// payload records (see internal/walcore). It owns file rotation, header
// validation, and the streaming cursor that the recovery driver and
// Archive walk.
package logmgr

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ariaskv/ariaskv/internal/ariaserr"
	"github.com/ariaskv/ariaskv/internal/logrec"
	"github.com/ariaskv/ariaskv/internal/lsn"
	"github.com/ariaskv/ariaskv/internal/walcore"
)

// Log file naming: log.NNNNNNNNNN (fixed prefix, file number padded to 10 digits).
const (
	filePrefix  = "log."
	fileNumDigits = 10

	// LogMagic identifies an ariaskv log file.
	LogMagic = "ARIASLOG"
	// LogVersion is the current on-disk log file format version.
	LogVersion uint32 = 1
	// LogOldVer is the oldest version this build can still read.
	LogOldVer uint32 = 1

	fileHeaderSize = 32

	// DefaultLgMax is the default maximum size of one log file (10 MiB).
	DefaultLgMax uint32 = 10 << 20
	// DefaultLgBSize is the default write-behind buffer size (32 KiB).
	DefaultLgBSize = 32 << 10
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// HeaderStatus classifies a log file's header on open.
type HeaderStatus int

const (
	StatusNonexistent HeaderStatus = iota
	StatusNormal
	StatusOldReadable
	StatusOldUnreadable
	StatusIncomplete
)

func (s HeaderStatus) String() string {
	switch s {
	case StatusNonexistent:
		return "NONEXISTENT"
	case StatusNormal:
		return "NORMAL"
	case StatusOldReadable:
		return "OLD_READABLE"
	case StatusOldUnreadable:
		return "OLD_UNREADABLE"
	case StatusIncomplete:
		return "INCOMPLETE"
	default:
		return "UNKNOWN"
	}
}

// Direction selects how Get positions the streaming cursor.
type Direction int

const (
	First Direction = iota
	Last
	Next
	Prev
	Set
	Checkpoint
)

// fileHeader is the persistent first record of every log file.
type fileHeader struct {
	Magic   [8]byte
	Version uint32
	LgMax   uint32
	Mode    uint32
}

func marshalFileHeader(h fileHeader) []byte {
	buf := make([]byte, fileHeaderSize)
	copy(buf[0:8], h.Magic[:])
	binary.LittleEndian.PutUint32(buf[8:12], h.Version)
	binary.LittleEndian.PutUint32(buf[12:16], h.LgMax)
	binary.LittleEndian.PutUint32(buf[16:20], h.Mode)
	c := crc32.Checksum(buf[:20], crcTable)
	binary.LittleEndian.PutUint32(buf[20:24], c)
	return buf
}

// classifyHeader reads and validates a file's header, returning its
// parsed form (zero value if not NORMAL/OLD_READABLE) and status.
func classifyHeader(buf []byte) (fileHeader, HeaderStatus) {
	if len(buf) < fileHeaderSize {
		return fileHeader{}, StatusIncomplete
	}
	var h fileHeader
	copy(h.Magic[:], buf[0:8])
	if string(h.Magic[:]) != LogMagic {
		return fileHeader{}, StatusIncomplete
	}
	h.Version = binary.LittleEndian.Uint32(buf[8:12])
	h.LgMax = binary.LittleEndian.Uint32(buf[12:16])
	h.Mode = binary.LittleEndian.Uint32(buf[16:20])
	stored := binary.LittleEndian.Uint32(buf[20:24])
	if crc32.Checksum(buf[:20], crcTable) != stored {
		return fileHeader{}, StatusIncomplete
	}
	switch {
	case h.Version == LogVersion:
		return h, StatusNormal
	case h.Version >= LogOldVer && h.Version < LogVersion:
		return h, StatusOldReadable
	case h.Version < LogOldVer:
		return h, StatusOldUnreadable
	default:
		// Unknown newer version: fatal per spec, surfaced as OLD_UNREADABLE
		// to the caller rather than panicking the process.
		return h, StatusOldUnreadable
	}
}

// Config configures a Manager.
type Config struct {
	Dir     string
	LgMax   uint32 // 0 = DefaultLgMax
	LgBSize int    // 0 = DefaultLgBSize
}

// Manager is the log manager: C3.
type Manager struct {
	mu      sync.Mutex
	dir     string
	lgMax   uint32
	lgBSize int

	curNum    uint32
	curFile   *os.File
	curWriter *bufio.Writer
	curOffset uint32 // next write offset within the current file, header excluded from LSN space but included in file

	cursor    lsn.LSN // shared Get cursor position
	lastCkp   lsn.LSN // most recent checkpoint LSN noted via NoteCheckpoint
}

// Open opens (or initializes) the log manager over the directory in cfg,
// running the validation algorithm described for logRecover: locate the
// highest-numbered file, classify it, and either resume appending there
// or roll to a fresh file.
func Open(cfg Config) (*Manager, error) {
	lgMax := cfg.LgMax
	if lgMax == 0 {
		lgMax = DefaultLgMax
	}
	lgBSize := cfg.LgBSize
	if lgBSize == 0 {
		lgBSize = DefaultLgBSize
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("logmgr: mkdir %s: %w", cfg.Dir, err)
	}

	m := &Manager{dir: cfg.Dir, lgMax: lgMax, lgBSize: lgBSize}

	num, status, err := m.find(false)
	if err != nil {
		return nil, err
	}

	switch status {
	case StatusNonexistent:
		if err := m.startNewFile(1); err != nil {
			return nil, err
		}
	case StatusOldReadable, StatusOldUnreadable:
		// Do not seek into an old-format file; start fresh at cnt+1.
		if err := m.startNewFile(num + 1); err != nil {
			return nil, err
		}
	case StatusIncomplete:
		// Truncated header: open succeeds with an empty logical log;
		// the first write starts a fresh file at cnt+1.
		if err := m.startNewFile(num + 1); err != nil {
			return nil, err
		}
	case StatusNormal:
		if err := m.resumeFile(num); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func fileName(dir string, num uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%s%0*d", filePrefix, fileNumDigits, num))
}

// find scans the directory for log files and classifies the lowest
// (findFirst=true) or highest (findFirst=false) numbered one.
func (m *Manager) find(findFirst bool) (uint32, HeaderStatus, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, StatusNonexistent, fmt.Errorf("logmgr: read dir %s: %w", m.dir, err)
	}
	var nums []uint32
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) != len(filePrefix)+fileNumDigits || name[:len(filePrefix)] != filePrefix {
			continue
		}
		var n uint32
		if _, err := fmt.Sscanf(name[len(filePrefix):], "%d", &n); err != nil {
			continue
		}
		nums = append(nums, n)
	}
	if len(nums) == 0 {
		return 0, StatusNonexistent, nil
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	target := nums[len(nums)-1]
	if findFirst {
		target = nums[0]
	}

	f, err := os.Open(fileName(m.dir, target))
	if err != nil {
		return target, StatusNonexistent, fmt.Errorf("logmgr: open %s: %w", fileName(m.dir, target), err)
	}
	defer f.Close()
	buf := make([]byte, fileHeaderSize)
	n, _ := io.ReadFull(f, buf)
	buf = buf[:n]
	_, status := classifyHeader(buf)
	return target, status, nil
}

// Find exposes the directory scan (C3's Find operation).
func (m *Manager) Find(findFirst bool) (uint32, HeaderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(findFirst)
}

func (m *Manager) startNewFile(num uint32) error {
	if m.curFile != nil {
		m.curWriter.Flush()
		m.curFile.Close()
	}
	f, err := os.OpenFile(fileName(m.dir, num), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("logmgr: create %s: %w", fileName(m.dir, num), err)
	}
	hdr := marshalFileHeader(fileHeader{Magic: [8]byte{}, Version: LogVersion, LgMax: m.lgMax})
	copy(hdr[0:8], LogMagic)
	if _, err := f.WriteAt(hdr, 0); err != nil {
		f.Close()
		return fmt.Errorf("logmgr: write header: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	m.curNum = num
	m.curFile = f
	m.curWriter = bufio.NewWriterSize(&fileWriterAt{f: f, off: int64(fileHeaderSize)}, m.lgBSize)
	m.curOffset = fileHeaderSize
	return nil
}

func (m *Manager) resumeFile(num uint32) error {
	f, err := os.OpenFile(fileName(m.dir, num), os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("logmgr: open %s: %w", fileName(m.dir, num), err)
	}
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return err
	}
	m.curNum = num
	m.curFile = f
	m.curOffset = uint32(end)
	m.curWriter = bufio.NewWriterSize(&fileWriterAt{f: f, off: end}, m.lgBSize)
	return nil
}

// fileWriterAt adapts an *os.File positioned append-only writer so bufio
// can buffer writes without repeated Seek calls.
type fileWriterAt struct {
	f   *os.File
	off int64
}

func (w *fileWriterAt) Write(p []byte) (int, error) {
	n, err := w.f.WriteAt(p, w.off)
	w.off += int64(n)
	return n, err
}

// PutFlags controls durability of a Put call.
type PutFlags int

const (
	NoSync PutFlags = iota
	Sync
)

// Put appends a pre-marshaled record (envelope+payload+CRC, produced by
// internal/walcore.Marshal) and returns the LSN of its first byte.
// Rotates to a new file if the current one would exceed LgMax.
func (m *Manager) Put(record []byte, flags PutFlags) (lsn.LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if uint32(len(record))+m.curOffset > m.lgMax && m.curOffset > fileHeaderSize {
		if err := m.startNewFile(m.curNum + 1); err != nil {
			return lsn.Zero, err
		}
	}

	result := lsn.LSN{File: m.curNum, Offset: m.curOffset}
	if _, err := m.curWriter.Write(record); err != nil {
		return lsn.Zero, fmt.Errorf("logmgr: put: %w", err)
	}
	m.curOffset += uint32(len(record))

	if flags == Sync {
		if err := m.curWriter.Flush(); err != nil {
			return lsn.Zero, err
		}
		if err := m.curFile.Sync(); err != nil {
			return lsn.Zero, err
		}
	}
	return result, nil
}

// Flush forces the write-behind buffer to the OS without fsyncing.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.curWriter.Flush()
}

// Sync flushes and fsyncs the current log file.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.curWriter.Flush(); err != nil {
		return err
	}
	return m.curFile.Sync()
}

// NoteCheckpoint records the LSN of a just-written checkpoint record so
// Get(..., Checkpoint) can jump to it directly. Called by internal/txnmgr
// immediately after logging a txn_ckp record.
func (m *Manager) NoteCheckpoint(l lsn.LSN) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCkp = l
}

// CurrentLSN returns the LSN the next Put would be assigned.
func (m *Manager) CurrentLSN() lsn.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lsn.LSN{File: m.curNum, Offset: m.curOffset}
}

// openForRead opens the numbered file for reading, independent of the
// current append file handle.
func (m *Manager) openForRead(num uint32) (*os.File, error) {
	return os.Open(fileName(m.dir, num))
}

// readRecordAt reads one envelope+payload+CRC record starting at byte
// offset off within file num. Returns the record's total on-disk length.
func (m *Manager) readRecordAt(num, off uint32) ([]byte, uint32, error) {
	f, err := m.openForRead(num)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ariaserr.ErrNotFound, err)
	}
	defer f.Close()

	// Envelope fixed prefix + u32 payload length tells us how much more
	// to read; the offsets below follow walcore.Marshal's layout
	// (RecType, TxnNum, PrevLSN, payload length, payload, CRC).
	const fixedPrefix = 4 + 4 + lsn.Size // RecType + TxnNum + PrevLSN
	head := make([]byte, fixedPrefix+4)
	if _, err := f.ReadAt(head, int64(off)); err != nil {
		return nil, 0, fmt.Errorf("%w: short record header", ariaserr.ErrNotFound)
	}
	payloadLen := binary.LittleEndian.Uint32(head[fixedPrefix:])
	total := fixedPrefix + 4 + payloadLen + 4 // + payload + CRC trailer
	buf := make([]byte, total)
	if _, err := f.ReadAt(buf, int64(off)); err != nil {
		return nil, 0, fmt.Errorf("%w: short record body", ariaserr.ErrNotFound)
	}
	return buf, total, nil
}

// Get positions the shared streaming cursor and returns the raw record
// bytes at the new position (undecoded — callers run it through
// walcore.Unmarshal and internal/logrec's Read functions).
func (m *Manager) Get(at lsn.LSN, dir Direction) (lsn.LSN, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch dir {
	case Set:
		buf, _, err := m.readRecordAt(at.File, at.Offset)
		if err != nil {
			return lsn.Zero, nil, err
		}
		m.cursor = at
		return at, buf, nil

	case Checkpoint:
		if m.lastCkp.IsZero() {
			return lsn.Zero, nil, ariaserr.ErrNotFound
		}
		buf, _, err := m.readRecordAt(m.lastCkp.File, m.lastCkp.Offset)
		if err != nil {
			return lsn.Zero, nil, err
		}
		m.cursor = m.lastCkp
		return m.lastCkp, buf, nil

	case First:
		firstNum, status, err := m.find(true)
		if err != nil {
			return lsn.Zero, nil, err
		}
		if status == StatusNonexistent {
			return lsn.Zero, nil, ariaserr.ErrNotFound
		}
		target := lsn.LSN{File: firstNum, Offset: fileHeaderSize}
		buf, _, err := m.readRecordAt(target.File, target.Offset)
		if err != nil {
			return lsn.Zero, nil, err
		}
		m.cursor = target
		return target, buf, nil

	case Last:
		target := lsn.LSN{File: m.curNum, Offset: m.curOffset}
		if target.Offset <= fileHeaderSize && target.File == 1 {
			return lsn.Zero, nil, ariaserr.ErrNotFound
		}
		// walk backward from append position to the last full record
		return m.prevFrom(target)

	case Next:
		cur := m.cursor
		_, total, err := m.readRecordAt(cur.File, cur.Offset)
		if err != nil {
			return lsn.Zero, nil, err
		}
		next := lsn.LSN{File: cur.File, Offset: cur.Offset + total}
		if next.File == m.curNum && next.Offset >= m.curOffset {
			if nf := m.curNum + 1; fileExists(m.dir, nf) {
				next = lsn.LSN{File: nf, Offset: fileHeaderSize}
			} else {
				return lsn.Zero, nil, ariaserr.ErrNotFound
			}
		}
		nbuf, _, err := m.readRecordAt(next.File, next.Offset)
		if err != nil {
			return lsn.Zero, nil, err
		}
		m.cursor = next
		return next, nbuf, nil

	case Prev:
		return m.prevFrom(m.cursor)

	default:
		return lsn.Zero, nil, fmt.Errorf("logmgr: unknown direction %d", dir)
	}
}

func fileExists(dir string, num uint32) bool {
	_, err := os.Stat(fileName(dir, num))
	return err == nil
}

// prevFrom scans file `at.File` from its start up to (but not including)
// offset at.Offset, returning the LSN/bytes of the last whole record
// found — the log has no backward links, so Prev requires a forward
// rescan of the current file.
func (m *Manager) prevFrom(at lsn.LSN) (lsn.LSN, []byte, error) {
	num := at.File
	off := uint32(fileHeaderSize)
	var lastOff uint32
	var lastBuf []byte
	found := false
	for off < at.Offset {
		buf, total, err := m.readRecordAt(num, off)
		if err != nil {
			break
		}
		if off+total > at.Offset {
			break
		}
		lastOff = off
		lastBuf = buf
		found = true
		off += total
	}
	if found {
		m.cursor = lsn.LSN{File: num, Offset: lastOff}
		return m.cursor, lastBuf, nil
	}
	if num <= 1 {
		return lsn.Zero, nil, ariaserr.ErrNotFound
	}
	// Previous file entirely: recurse to its end.
	prevFile := num - 1
	fi, err := os.Stat(fileName(m.dir, prevFile))
	if err != nil {
		return lsn.Zero, nil, ariaserr.ErrNotFound
	}
	return m.prevFrom(lsn.LSN{File: prevFile, Offset: uint32(fi.Size())})
}

// ArchiveFlags controls what Archive returns. Log and Data pick the kind
// of file list (log segments vs. live data files); Abs asks for absolute
// paths instead of bare names and combines with either.
type ArchiveFlags int

const (
	ArchiveLog ArchiveFlags = 1 << iota
	ArchiveData
	ArchiveAbs
)

// Archive enumerates either the log files strictly older than the file
// holding upTo — files that contain no LSN needed by any future recovery
// because every record in them precedes the given checkpoint — or, with
// ArchiveData, the data files referenced by surviving dbreg_register
// records (upTo is ignored in that case: a data file is live or it
// isn't, regardless of checkpoint position).
func (m *Manager) Archive(upTo lsn.LSN, flags ArchiveFlags) ([]string, error) {
	if flags&ArchiveData != 0 {
		return m.archiveDataFiles(flags&ArchiveAbs != 0)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("logmgr: read dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if len(name) != len(filePrefix)+fileNumDigits || name[:len(filePrefix)] != filePrefix {
			continue
		}
		var n uint32
		if _, err := fmt.Sscanf(name[len(filePrefix):], "%d", &n); err != nil {
			continue
		}
		if n >= upTo.File {
			continue
		}
		if flags&ArchiveAbs != 0 {
			out = append(out, filepath.Join(m.dir, name))
		} else {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// archiveDataFiles replays the whole log, tracking which data files are
// still registered (opened and not since deleted, following renames) per
// dbreg_register/crdel_rename/crdel_delete, and returns their current
// names. It decodes those three record types directly against
// internal/walcore rather than going through internal/amrec's registry,
// since internal/amrec imports internal/logmgr and a reverse import
// would cycle. It first flushes the write-behind buffer so that records
// put without Sync are included.
//
// abs is accepted for symmetry with the Log listing but has no effect
// here: logmgr only knows the log directory, not internal/env's separate
// store directory that dbreg_register names are relative to, so the
// names returned are always relative to that (unknown to this package)
// store directory.
func (m *Manager) archiveDataFiles(abs bool) ([]string, error) {
	if err := m.Flush(); err != nil {
		return nil, err
	}
	live := make(map[[walcore.FileIDSize]byte]string)

	at, buf, err := m.Get(lsn.Zero, First)
	for {
		if err != nil {
			if errors.Is(err, ariaserr.ErrNotFound) {
				break
			}
			return nil, err
		}
		env, payload, err2 := walcore.Unmarshal(buf)
		if err2 != nil {
			return nil, err2
		}
		switch env.RecType {
		case logrec.RecDbregRegister:
			c := walcore.NewCursor(payload)
			opcode, e1 := c.ReadU32()
			fileid, e2 := c.ReadFileID()
			name, e3 := c.ReadDBT()
			if err3 := firstErr(e1, e2, e3); err3 != nil {
				return nil, err3
			}
			if opcode == 1 { // dbregOpen
				live[fileid] = string(name)
			}
		case logrec.RecCrdelRename:
			c := walcore.NewCursor(payload)
			fileid, e1 := c.ReadFileID()
			_, e2 := c.ReadDBT()
			newname, e3 := c.ReadDBT()
			if err3 := firstErr(e1, e2, e3); err3 != nil {
				return nil, err3
			}
			if _, ok := live[fileid]; ok {
				live[fileid] = string(newname)
			}
		case logrec.RecCrdelDelete:
			c := walcore.NewCursor(payload)
			fileid, e1 := c.ReadFileID()
			if e1 != nil {
				return nil, e1
			}
			delete(live, fileid)
		}
		at, buf, err = m.Get(at, Next)
	}

	out := make([]string, 0, len(live))
	for _, name := range live {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// firstErr returns the first non-nil error among errs, or nil.
func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes the named log files (as returned by Archive). Intended
// for use after a successful checkpoint has made them unnecessary.
func (m *Manager) Remove(names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range names {
		p := name
		if filepath.Dir(name) == "." {
			p = filepath.Join(m.dir, name)
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("logmgr: remove %s: %w", p, err)
		}
	}
	return nil
}

// Close flushes and closes the current log file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.curFile == nil {
		return nil
	}
	if err := m.curWriter.Flush(); err != nil {
		return err
	}
	if err := m.curFile.Sync(); err != nil {
		return err
	}
	return m.curFile.Close()
}
