// Package ampage holds the physical page-format types that the
// per-access-method recovery handlers (C7) read and mutate, and Store, a
// small page cache that backs them. The B-tree/hash/queue *algorithms*
// that decide which page to search or how to split are out of scope for
// this repository (they are named collaborators only); what lives here is
// the on-disk byte layout those algorithms would produce, which is what
// REDO/UNDO has to reproduce or reverse byte-for-byte.
package ampage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/ariaskv/ariaskv/internal/lsn"
)

const (
	// DefaultPageSize is the default page size in bytes (8 KiB).
	DefaultPageSize = 8192
	// MinPageSize is the minimum allowed page size (4 KiB).
	MinPageSize = 4096
	// MaxPageSize is the maximum allowed page size (64 KiB).
	MaxPageSize = 65536

	// PageHeaderSize is the size of the common page header in bytes.
	//   [0]     PageType   (1 byte)
	//   [1]     Flags      (1 byte)
	//   [2:4]   Reserved   (2 bytes)
	//   [4:8]   PageID     (4 bytes, uint32 LE)
	//   [8:16]  LSN        (8 bytes — (file,offset) per internal/lsn)
	//   [16:20] CRC32      (4 bytes, uint32 LE)
	//   [20:32] Reserved   (12 bytes)
	PageHeaderSize = 32

	// InvalidPageID represents a null/invalid page pointer.
	InvalidPageID PageID = 0

	// OverflowThreshold is the default inline-value size above which a
	// leaf record spills into an overflow page chain.
	OverflowThreshold = 1024
)

// PageType identifies the kind of data stored in a page. Meta-page
// variants are named per the data model (P_BTREEMETA-equivalent etc.).
type PageType uint8

const (
	PageTypeSuperblock    PageType = 0x01
	PageTypeBTreeInternal PageType = 0x02
	PageTypeBTreeLeaf     PageType = 0x03
	PageTypeOverflow      PageType = 0x04
	PageTypeFreeList      PageType = 0x05
	PageTypeHashMeta      PageType = 0x06
	PageTypeHashBucket    PageType = 0x07
	PageTypeQueueMeta      PageType = 0x08
	PageTypeQueueExtent    PageType = 0x09
)

func (pt PageType) String() string {
	switch pt {
	case PageTypeSuperblock:
		return "Superblock"
	case PageTypeBTreeInternal:
		return "BTree-Internal"
	case PageTypeBTreeLeaf:
		return "BTree-Leaf"
	case PageTypeOverflow:
		return "Overflow"
	case PageTypeFreeList:
		return "FreeList"
	case PageTypeHashMeta:
		return "Hash-Meta"
	case PageTypeHashBucket:
		return "Hash-Bucket"
	case PageTypeQueueMeta:
		return "Queue-Meta"
	case PageTypeQueueExtent:
		return "Queue-Extent"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(pt))
	}
}

// PageID is a 32-bit page number within a file. Page 0 is always the superblock.
type PageID uint32

// PageHeader is the 32-byte header present at the start of every page.
type PageHeader struct {
	Type     PageType
	Flags    uint8
	Reserved uint16
	ID       PageID
	LSN      lsn.LSN
	CRC      uint32
	Pad      [12]byte
}

// MarshalHeader writes h into the first PageHeaderSize bytes of buf.
func MarshalHeader(h *PageHeader, buf []byte) {
	if len(buf) < PageHeaderSize {
		panic("ampage: buffer too small for PageHeader")
	}
	buf[0] = byte(h.Type)
	buf[1] = h.Flags
	binary.LittleEndian.PutUint16(buf[2:4], h.Reserved)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.ID))
	lsn.Put(buf[8:16], h.LSN)
	binary.LittleEndian.PutUint32(buf[16:20], h.CRC)
	copy(buf[20:32], h.Pad[:])
}

// UnmarshalHeader reads a PageHeader from the first PageHeaderSize bytes of buf.
func UnmarshalHeader(buf []byte) PageHeader {
	var h PageHeader
	h.Type = PageType(buf[0])
	h.Flags = buf[1]
	h.Reserved = binary.LittleEndian.Uint16(buf[2:4])
	h.ID = PageID(binary.LittleEndian.Uint32(buf[4:8]))
	h.LSN = lsn.Get(buf[8:16])
	h.CRC = binary.LittleEndian.Uint32(buf[16:20])
	copy(h.Pad[:], buf[20:32])
	return h
}

// PageLSN reads just the LSN field out of a page buffer, without decoding
// the rest of the header. This is the hot path amrec handlers use to
// decide REDO/UNDO applicability.
func PageLSN(buf []byte) lsn.LSN { return lsn.Get(buf[8:16]) }

// SetPageLSN overwrites just the LSN field of a page buffer.
func SetPageLSN(buf []byte, l lsn.LSN) { lsn.Put(buf[8:16], l) }

// crcTable is the CRC32 (Castagnoli) table used throughout, matching the
// one used for log records so a single checksum strategy runs through the
// whole repository.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ComputePageCRC computes the CRC32-C of a full page, treating the CRC
// field (bytes 16..20) as zero during computation.
func ComputePageCRC(page []byte) uint32 {
	h := crc32.New(crcTable)
	h.Write(page[:16])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(page[20:])
	return h.Sum32()
}

// SetPageCRC computes and writes the CRC into the page header.
func SetPageCRC(page []byte) {
	binary.LittleEndian.PutUint32(page[16:20], ComputePageCRC(page))
}

// VerifyPageCRC checks the CRC32 checksum of a page.
func VerifyPageCRC(page []byte) error {
	stored := binary.LittleEndian.Uint32(page[16:20])
	computed := ComputePageCRC(page)
	if stored != computed {
		pid := PageID(binary.LittleEndian.Uint32(page[4:8]))
		return fmt.Errorf("ampage: CRC mismatch on page %d: stored=%08x computed=%08x", pid, stored, computed)
	}
	return nil
}

// NewPage allocates a zeroed page buffer at the given size and writes its header.
func NewPage(pageSize int, pt PageType, id PageID) []byte {
	buf := make([]byte, pageSize)
	h := &PageHeader{Type: pt, ID: id}
	MarshalHeader(h, buf)
	return buf
}
