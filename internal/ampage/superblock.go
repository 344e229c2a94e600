package ampage

import (
	"encoding/binary"
	"fmt"

	"github.com/ariaskv/ariaskv/internal/lsn"
)

// Superblock is page 0 of every database file: the meta page. Besides the
// common PageHeader it carries the 20-byte file id (C6 stamps this at
// creation and matches it against dbreg_register records during
// recovery), the free-list head, and the checkpoint anchor this file's
// owning environment last flushed up to.
//
//  Offset  Size  Field
//  ──────  ────  ───────────────────
//  0       32    Common PageHeader (Type=Superblock, ID=0)
//  32      8     Magic            [8]byte "ARIASDB\x00"
//  40      4     FormatVersion    uint32 LE
//  44      4     PageSize         uint32 LE
//  48      8     PageCount        uint64 LE
//  56      20    FileID           [20]byte — unique file id (C6)
//  76      4     FreeListRoot     uint32 LE
//  80      8     CheckpointLSN    [8]byte — (file,offset)
//  88      4     NextTxID         uint32 LE
//  92      4     NextPageID       uint32 LE
//  96      4     RootPgno         uint32 LE — access method root page id
//  100     160   Reserved

const (
	SuperblockMagic      = "ARIASDB\x00"
	CurrentFormatVersion uint32 = 1

	sbMagicOff         = PageHeaderSize
	sbFormatVersionOff = sbMagicOff + 8
	sbPageSizeOff      = sbFormatVersionOff + 4
	sbPageCountOff     = sbPageSizeOff + 4
	sbFileIDOff        = sbPageCountOff + 8
	sbFreeListRootOff  = sbFileIDOff + 20
	sbCheckpointLSNOff = sbFreeListRootOff + 4
	sbNextTxIDOff      = sbCheckpointLSNOff + 8
	sbNextPageIDOff    = sbNextTxIDOff + 4
	sbRootPgnoOff      = sbNextPageIDOff + 4
)

// FileID is the 20-byte unique identifier stamped into a file's meta page
// at creation time (see internal/filereg).
type FileID [20]byte

// Superblock holds the parsed contents of page 0.
type Superblock struct {
	FormatVersion uint32
	PageSize      uint32
	PageCount     uint64
	FileID        FileID
	FreeListRoot  PageID
	CheckpointLSN lsn.LSN
	NextTxID      uint32
	NextPageID    PageID
	// RootPgno is the access method's root page id (the btree root, the
	// hash metadata group base, or the queue head metapage), changed by
	// bam_root during a split that grows the tree by one level.
	RootPgno PageID
}

// MarshalSuperblock serializes sb into a full page buffer.
func MarshalSuperblock(sb *Superblock, pageSize int) []byte {
	buf := NewPage(pageSize, PageTypeSuperblock, 0)
	copy(buf[sbMagicOff:sbMagicOff+8], SuperblockMagic)
	binary.LittleEndian.PutUint32(buf[sbFormatVersionOff:], sb.FormatVersion)
	binary.LittleEndian.PutUint32(buf[sbPageSizeOff:], sb.PageSize)
	binary.LittleEndian.PutUint64(buf[sbPageCountOff:], sb.PageCount)
	copy(buf[sbFileIDOff:sbFileIDOff+20], sb.FileID[:])
	binary.LittleEndian.PutUint32(buf[sbFreeListRootOff:], uint32(sb.FreeListRoot))
	lsn.Put(buf[sbCheckpointLSNOff:sbCheckpointLSNOff+lsn.Size], sb.CheckpointLSN)
	binary.LittleEndian.PutUint32(buf[sbNextTxIDOff:], sb.NextTxID)
	binary.LittleEndian.PutUint32(buf[sbNextPageIDOff:], uint32(sb.NextPageID))
	binary.LittleEndian.PutUint32(buf[sbRootPgnoOff:], uint32(sb.RootPgno))
	SetPageCRC(buf)
	return buf
}

// UnmarshalSuperblock decodes page 0 from buf, validating CRC, magic,
// format version and page size.
func UnmarshalSuperblock(buf []byte) (*Superblock, error) {
	if len(buf) < MinPageSize {
		return nil, fmt.Errorf("ampage: superblock too small: %d bytes", len(buf))
	}
	if err := VerifyPageCRC(buf); err != nil {
		return nil, fmt.Errorf("ampage: superblock CRC: %w", err)
	}
	magic := string(buf[sbMagicOff : sbMagicOff+8])
	if magic != SuperblockMagic {
		return nil, fmt.Errorf("ampage: bad magic %q, expected %q", magic, SuperblockMagic)
	}
	sb := &Superblock{
		FormatVersion: binary.LittleEndian.Uint32(buf[sbFormatVersionOff:]),
		PageSize:      binary.LittleEndian.Uint32(buf[sbPageSizeOff:]),
		PageCount:     binary.LittleEndian.Uint64(buf[sbPageCountOff:]),
		FreeListRoot:  PageID(binary.LittleEndian.Uint32(buf[sbFreeListRootOff:])),
		CheckpointLSN: lsn.Get(buf[sbCheckpointLSNOff : sbCheckpointLSNOff+lsn.Size]),
		NextTxID:      binary.LittleEndian.Uint32(buf[sbNextTxIDOff:]),
		NextPageID:    PageID(binary.LittleEndian.Uint32(buf[sbNextPageIDOff:])),
		RootPgno:      PageID(binary.LittleEndian.Uint32(buf[sbRootPgnoOff:])),
	}
	copy(sb.FileID[:], buf[sbFileIDOff:sbFileIDOff+20])

	if sb.FormatVersion != CurrentFormatVersion {
		return nil, fmt.Errorf("ampage: unsupported format version %d (this build supports %d)",
			sb.FormatVersion, CurrentFormatVersion)
	}
	if sb.PageSize < MinPageSize || sb.PageSize > MaxPageSize {
		return nil, fmt.Errorf("ampage: page size %d out of range [%d..%d]",
			sb.PageSize, MinPageSize, MaxPageSize)
	}
	if sb.PageSize&(sb.PageSize-1) != 0 {
		return nil, fmt.Errorf("ampage: page size %d is not a power of two", sb.PageSize)
	}
	return sb, nil
}

// NewSuperblock creates a default Superblock for a new database file.
func NewSuperblock(pageSize uint32, fileID FileID) *Superblock {
	return &Superblock{
		FormatVersion: CurrentFormatVersion,
		PageSize:      pageSize,
		PageCount:     1,
		FileID:        fileID,
		FreeListRoot:  InvalidPageID,
		NextTxID:      1,
		NextPageID:    1,
	}
}
