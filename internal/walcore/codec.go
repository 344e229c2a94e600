// Package walcore implements the serialization primitives (C1) shared by
// every log record type, and the log record envelope every record begins
// with. Fixed-width integers use little-endian encoding consistently
// across write and read, matching the rest of the on-disk formats in this
// repository (page headers, superblock, WAL file headers).
package walcore

import (
	"encoding/binary"
	"fmt"

	"github.com/ariaskv/ariaskv/internal/ariaserr"
	"github.com/ariaskv/ariaskv/internal/lsn"
)

// Cursor walks a byte buffer during Read, tracking how many bytes have
// been consumed so callers can assert "bp arithmetic": the number of
// bytes consumed must equal the declared record size.
type Cursor struct {
	buf []byte
	pos int
}

// NewCursor wraps buf for sequential reads.
func NewCursor(buf []byte) *Cursor { return &Cursor{buf: buf} }

// Pos returns the number of bytes consumed so far.
func (c *Cursor) Pos() int { return c.pos }

// Remaining returns the unconsumed tail of the buffer.
func (c *Cursor) Remaining() []byte { return c.buf[c.pos:] }

func (c *Cursor) take(n int) ([]byte, error) {
	if c.pos+n > len(c.buf) {
		return nil, fmt.Errorf("walcore: read past end of record buffer (want %d, have %d): %w",
			n, len(c.buf)-c.pos, ariaserr.ErrSizeMismatch)
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

// ReadU32 reads a little-endian uint32.
func (c *Cursor) ReadU32() (uint32, error) {
	b, err := c.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadI32 reads a little-endian int32.
func (c *Cursor) ReadI32() (int32, error) {
	v, err := c.ReadU32()
	return int32(v), err
}

// ReadLSN reads an LSN (8 bytes). A zero LSN is valid and means "null".
func (c *Cursor) ReadLSN() (lsn.LSN, error) {
	b, err := c.take(lsn.Size)
	if err != nil {
		return lsn.Zero, err
	}
	return lsn.Get(b), nil
}

// ReadDBT reads a length-prefixed byte blob: a u32 size followed by that
// many bytes. The returned slice aliases the cursor's backing buffer
// (zero-copy) and must not be retained past the buffer's lifetime.
func (c *Cursor) ReadDBT() ([]byte, error) {
	size, err := c.ReadU32()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}
	return c.take(int(size))
}

// FileIDSize is the width of a file id field on the wire, matching the
// superblock's stamped FileID.
const FileIDSize = 20

// ReadFileID reads a 20-byte file id.
func (c *Cursor) ReadFileID() ([FileIDSize]byte, error) {
	var id [FileIDSize]byte
	b, err := c.take(FileIDSize)
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}

// ReadPgno reads a db_pgno (u32 page number).
func (c *Cursor) ReadPgno() (uint32, error) { return c.ReadU32() }

// ReadRecno reads a db_recno (u32 record number).
func (c *Cursor) ReadRecno() (uint32, error) { return c.ReadU32() }

// ───────────────────────────────────────────────────────────────────────────
// Builder — the write side of the same vocabulary.
// ───────────────────────────────────────────────────────────────────────────

// Builder accumulates a record payload. Callers append fields in the exact
// order the corresponding Read call expects them.
type Builder struct {
	buf []byte
}

// NewBuilder returns a builder with a capacity hint.
func NewBuilder(sizeHint int) *Builder {
	return &Builder{buf: make([]byte, 0, sizeHint)}
}

// Bytes returns the accumulated buffer.
func (b *Builder) Bytes() []byte { return b.buf }

// Len returns the number of bytes written so far.
func (b *Builder) Len() int { return len(b.buf) }

// PutU32 appends a little-endian uint32.
func (b *Builder) PutU32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

// PutI32 appends a little-endian int32.
func (b *Builder) PutI32(v int32) { b.PutU32(uint32(v)) }

// PutLSN appends an LSN. A zero LSN serializes as 8 zero bytes, which is
// exactly what lsn.Put produces for lsn.Zero, so "null" and "explicit
// zero" are indistinguishable on the wire by design.
func (b *Builder) PutLSN(l lsn.LSN) {
	var tmp [lsn.Size]byte
	lsn.Put(tmp[:], l)
	b.buf = append(b.buf, tmp[:]...)
}

// PutDBT appends a length-prefixed blob. A nil/empty data serializes as
// size 0 with no payload bytes.
func (b *Builder) PutDBT(data []byte) {
	b.PutU32(uint32(len(data)))
	if len(data) > 0 {
		b.buf = append(b.buf, data...)
	}
}

// PutFileID appends a 20-byte file id verbatim.
func (b *Builder) PutFileID(id [FileIDSize]byte) {
	b.buf = append(b.buf, id[:]...)
}

// PutPgno appends a db_pgno.
func (b *Builder) PutPgno(v uint32) { b.PutU32(v) }

// PutRecno appends a db_recno.
func (b *Builder) PutRecno(v uint32) { b.PutU32(v) }

// AssertSize panics if the number of bytes written does not equal want.
// This is the "bp arithmetic" assertion from the data model: a mismatch
// between declared field widths and actual bytes consumed is a
// code-generation bug in the record registry, not a recoverable error.
func (b *Builder) AssertSize(want int) {
	if len(b.buf) != want {
		panic(fmt.Sprintf("walcore: size mismatch: wrote %d bytes, declared %d", len(b.buf), want))
	}
}
