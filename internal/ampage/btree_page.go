package ampage

import (
	"encoding/binary"
	"fmt"
)

// BTreePage is the on-disk node format bam_* structural records mutate.
// Finding which index to touch is the B-tree search algorithm's job (out
// of scope here — the search/split algorithms are named collaborators
// only); what lives here is the pure positional record layout: given an
// index, insert/replace/remove the entry there. Internal pages store
// sorted separator keys with left-child pointers; leaf pages store
// key/value pairs with an optional overflow pointer.
//
//   [32]     IsLeaf       (1 byte)
//   [33:35]  KeyCount     (uint16 LE)
//   [35:39]  RightChild   (uint32 LE) — internal pages only
//   [35:39]  NextLeaf     (uint32 LE) — leaf pages only (sibling pointer)
//   [39:43]  PrevLeaf     (uint32 LE) — leaf pages only (sibling pointer)
//   [43:47]  Slotted-page SlotCount/FreeSpaceEnd (overrides the generic offset)
//   [47:...] Slot directory, then record data growing downward.
//
// Internal record: ChildID(4) KeyLen(2) Key(KeyLen).
// Leaf record:      KeyLen(2) Key(KeyLen) Flags(2) [ValLen(2) Value(ValLen)
//                    | OverflowPageID(4) TotalSize(4)].

const (
	btreeMetaOff       = PageHeaderSize
	btreeIsLeafOff     = btreeMetaOff
	btreeKeyCountOff   = btreeMetaOff + 1
	btreeRightChildOff = btreeMetaOff + 3 // internal
	btreeNextLeafOff   = btreeMetaOff + 3 // leaf
	btreePrevLeafOff   = btreeMetaOff + 7 // leaf
	btreeSlotHdrOff    = btreeMetaOff + 11
	btreeSlotDirOff    = btreeSlotHdrOff + 4
)

const leafFlagOverflow uint16 = 1 << 0

// BTreePage wraps a page buffer as a B-tree node.
type BTreePage struct {
	buf      []byte
	pageSize int
}

// WrapBTreePage wraps an existing buffer.
func WrapBTreePage(buf []byte) *BTreePage { return &BTreePage{buf: buf, pageSize: len(buf)} }

// InitBTreePage initializes a page as a B-tree node.
func InitBTreePage(buf []byte, id PageID, leaf bool) *BTreePage {
	pt := PageTypeBTreeInternal
	if leaf {
		pt = PageTypeBTreeLeaf
	}
	h := &PageHeader{Type: pt, ID: id}
	MarshalHeader(h, buf)
	if leaf {
		buf[btreeIsLeafOff] = 1
	} else {
		buf[btreeIsLeafOff] = 0
	}
	binary.LittleEndian.PutUint16(buf[btreeKeyCountOff:], 0)
	binary.LittleEndian.PutUint32(buf[btreeRightChildOff:], uint32(InvalidPageID))
	binary.LittleEndian.PutUint32(buf[btreePrevLeafOff:], uint32(InvalidPageID))
	binary.LittleEndian.PutUint16(buf[btreeSlotHdrOff:], 0)
	binary.LittleEndian.PutUint16(buf[btreeSlotHdrOff+2:], uint16(len(buf)))
	return &BTreePage{buf: buf, pageSize: len(buf)}
}

func (bp *BTreePage) IsLeaf() bool { return bp.buf[btreeIsLeafOff] == 1 }

func (bp *BTreePage) KeyCount() int {
	return int(binary.LittleEndian.Uint16(bp.buf[btreeKeyCountOff:]))
}
func (bp *BTreePage) setKeyCount(n int) {
	binary.LittleEndian.PutUint16(bp.buf[btreeKeyCountOff:], uint16(n))
}

func (bp *BTreePage) PageID() PageID {
	return PageID(binary.LittleEndian.Uint32(bp.buf[4:8]))
}

func (bp *BTreePage) RightChild() PageID {
	return PageID(binary.LittleEndian.Uint32(bp.buf[btreeRightChildOff:]))
}
func (bp *BTreePage) SetRightChild(pid PageID) {
	binary.LittleEndian.PutUint32(bp.buf[btreeRightChildOff:], uint32(pid))
}

func (bp *BTreePage) NextLeaf() PageID {
	return PageID(binary.LittleEndian.Uint32(bp.buf[btreeNextLeafOff:]))
}
func (bp *BTreePage) SetNextLeaf(pid PageID) {
	binary.LittleEndian.PutUint32(bp.buf[btreeNextLeafOff:], uint32(pid))
}

func (bp *BTreePage) PrevLeaf() PageID {
	return PageID(binary.LittleEndian.Uint32(bp.buf[btreePrevLeafOff:]))
}
func (bp *BTreePage) SetPrevLeaf(pid PageID) {
	binary.LittleEndian.PutUint32(bp.buf[btreePrevLeafOff:], uint32(pid))
}

func (bp *BTreePage) Bytes() []byte { return bp.buf }

// ── custom-offset slotted-page mechanics (same shape as SlottedPage, but
// the slot directory starts after the B-tree-specific metadata above) ──

func (bp *BTreePage) slotCount() int {
	return int(binary.LittleEndian.Uint16(bp.buf[btreeSlotHdrOff:]))
}
func (bp *BTreePage) setSlotCount(n int) {
	binary.LittleEndian.PutUint16(bp.buf[btreeSlotHdrOff:], uint16(n))
}
func (bp *BTreePage) freeSpaceEnd() int {
	return int(binary.LittleEndian.Uint16(bp.buf[btreeSlotHdrOff+2:]))
}
func (bp *BTreePage) setFreeSpaceEnd(off int) {
	binary.LittleEndian.PutUint16(bp.buf[btreeSlotHdrOff+2:], uint16(off))
}
func (bp *BTreePage) slotDirEnd() int { return btreeSlotDirOff + bp.slotCount()*slotEntrySize }
func (bp *BTreePage) freeSpace() int  { return bp.freeSpaceEnd() - bp.slotDirEnd() - slotEntrySize }

func (bp *BTreePage) getSlotEntry(i int) SlotEntry {
	off := btreeSlotDirOff + i*slotEntrySize
	return SlotEntry{
		Offset: binary.LittleEndian.Uint16(bp.buf[off:]),
		Length: binary.LittleEndian.Uint16(bp.buf[off+2:]),
	}
}
func (bp *BTreePage) setSlotEntry(i int, e SlotEntry) {
	off := btreeSlotDirOff + i*slotEntrySize
	binary.LittleEndian.PutUint16(bp.buf[off:], e.Offset)
	binary.LittleEndian.PutUint16(bp.buf[off+2:], e.Length)
}
func (bp *BTreePage) getRecord(i int) []byte {
	e := bp.getSlotEntry(i)
	if e.tombstone() {
		return nil
	}
	return bp.buf[e.Offset : e.Offset+e.Length]
}

// insertRecordAt inserts a record at directory position pos, shifting
// later slots. This is the physical primitive bam_split and bam_adj both
// reduce to: "place this byte string at this index."
func (bp *BTreePage) insertRecordAt(pos int, data []byte) error {
	needed := len(data)
	if bp.freeSpace() < needed {
		return fmt.Errorf("ampage: btree page full: need %d, have %d free", needed, bp.freeSpace())
	}
	newEnd := bp.freeSpaceEnd() - needed
	copy(bp.buf[newEnd:], data)
	bp.setFreeSpaceEnd(newEnd)

	sc := bp.slotCount()
	bp.setSlotCount(sc + 1)
	for i := sc; i > pos; i-- {
		bp.setSlotEntry(i, bp.getSlotEntry(i-1))
	}
	bp.setSlotEntry(pos, SlotEntry{Offset: uint16(newEnd), Length: uint16(needed)})
	return nil
}

// removeRecordAt physically removes the slot at pos, shifting later slots
// left. Used by both leaf delete and bam_adj's reverse-shift UNDO.
func (bp *BTreePage) removeRecordAt(pos int) error {
	sc := bp.slotCount()
	if pos < 0 || pos >= sc {
		return fmt.Errorf("ampage: remove: slot %d out of range", pos)
	}
	for i := pos; i < sc-1; i++ {
		bp.setSlotEntry(i, bp.getSlotEntry(i+1))
	}
	bp.setSlotEntry(sc-1, SlotEntry{})
	bp.setSlotCount(sc - 1)
	return nil
}

// ── Internal node entries ──────────────────────────────────────────────

// InternalEntry is a separator key plus its left-child pointer.
type InternalEntry struct {
	ChildID PageID
	Key     []byte
}

func marshalInternalRecord(entry InternalEntry) []byte {
	rec := make([]byte, 4+2+len(entry.Key))
	binary.LittleEndian.PutUint32(rec[0:4], uint32(entry.ChildID))
	binary.LittleEndian.PutUint16(rec[4:6], uint16(len(entry.Key)))
	copy(rec[6:], entry.Key)
	return rec
}

func unmarshalInternalRecord(rec []byte) InternalEntry {
	child := PageID(binary.LittleEndian.Uint32(rec[0:4]))
	kl := int(binary.LittleEndian.Uint16(rec[4:6]))
	key := make([]byte, kl)
	copy(key, rec[6:6+kl])
	return InternalEntry{ChildID: child, Key: key}
}

// GetInternalEntry returns the entry at directory position i.
func (bp *BTreePage) GetInternalEntry(i int) InternalEntry {
	return unmarshalInternalRecord(bp.getRecord(i))
}

// PutInternalEntryAt inserts a separator entry at the given position
// (the caller — a REDO/UNDO handler — supplies the index from the log
// record; this type does not search for it).
func (bp *BTreePage) PutInternalEntryAt(pos int, entry InternalEntry) error {
	if err := bp.insertRecordAt(pos, marshalInternalRecord(entry)); err != nil {
		return err
	}
	bp.setKeyCount(bp.KeyCount() + 1)
	return nil
}

// RemoveInternalEntryAt removes the entry at pos.
func (bp *BTreePage) RemoveInternalEntryAt(pos int) error {
	if err := bp.removeRecordAt(pos); err != nil {
		return err
	}
	bp.setKeyCount(bp.KeyCount() - 1)
	return nil
}

// GetAllInternalEntries returns all separator entries in directory order.
func (bp *BTreePage) GetAllInternalEntries() []InternalEntry {
	sc := bp.slotCount()
	entries := make([]InternalEntry, sc)
	for i := 0; i < sc; i++ {
		entries[i] = bp.GetInternalEntry(i)
	}
	return entries
}

// ── Leaf entries ────────────────────────────────────────────────────────

// LeafEntry is a key/value pair, or a key plus an overflow-chain pointer
// when the value exceeds OverflowThreshold.
type LeafEntry struct {
	Key            []byte
	Value          []byte
	Overflow       bool
	OverflowPageID PageID
	TotalSize      uint32
}

func marshalLeafRecord(entry LeafEntry) []byte {
	kl := len(entry.Key)
	if entry.Overflow {
		rec := make([]byte, 2+kl+2+4+4)
		binary.LittleEndian.PutUint16(rec[0:2], uint16(kl))
		copy(rec[2:2+kl], entry.Key)
		off := 2 + kl
		binary.LittleEndian.PutUint16(rec[off:off+2], leafFlagOverflow)
		binary.LittleEndian.PutUint32(rec[off+2:off+6], uint32(entry.OverflowPageID))
		binary.LittleEndian.PutUint32(rec[off+6:off+10], entry.TotalSize)
		return rec
	}
	vl := len(entry.Value)
	rec := make([]byte, 2+kl+2+2+vl)
	binary.LittleEndian.PutUint16(rec[0:2], uint16(kl))
	copy(rec[2:2+kl], entry.Key)
	off := 2 + kl
	binary.LittleEndian.PutUint16(rec[off:off+2], 0)
	binary.LittleEndian.PutUint16(rec[off+2:off+4], uint16(vl))
	copy(rec[off+4:], entry.Value)
	return rec
}

func unmarshalLeafRecord(rec []byte) LeafEntry {
	kl := int(binary.LittleEndian.Uint16(rec[0:2]))
	key := make([]byte, kl)
	copy(key, rec[2:2+kl])
	off := 2 + kl
	flags := binary.LittleEndian.Uint16(rec[off : off+2])
	if flags&leafFlagOverflow != 0 {
		opid := PageID(binary.LittleEndian.Uint32(rec[off+2 : off+6]))
		ts := binary.LittleEndian.Uint32(rec[off+6 : off+10])
		return LeafEntry{Key: key, Overflow: true, OverflowPageID: opid, TotalSize: ts}
	}
	vl := int(binary.LittleEndian.Uint16(rec[off+2 : off+4]))
	val := make([]byte, vl)
	copy(val, rec[off+4:off+4+vl])
	return LeafEntry{Key: key, Value: val}
}

// GetLeafEntry returns the entry at directory position i.
func (bp *BTreePage) GetLeafEntry(i int) LeafEntry { return unmarshalLeafRecord(bp.getRecord(i)) }

// PutLeafEntryAt inserts a key/value pair at directory position pos.
func (bp *BTreePage) PutLeafEntryAt(pos int, entry LeafEntry) error {
	if err := bp.insertRecordAt(pos, marshalLeafRecord(entry)); err != nil {
		return err
	}
	bp.setKeyCount(bp.KeyCount() + 1)
	return nil
}

// ReplaceLeafEntryAt overwrites the entry at pos in place or by
// relocation (bam_repl's REDO/UNDO both reduce to this, applied with the
// replacement and original images respectively).
func (bp *BTreePage) ReplaceLeafEntryAt(pos int, entry LeafEntry) error {
	rec := marshalLeafRecord(entry)
	old := bp.getSlotEntry(pos)
	if int(old.Length) >= len(rec) {
		copy(bp.buf[old.Offset:], rec)
		for j := int(old.Offset) + len(rec); j < int(old.Offset+old.Length); j++ {
			bp.buf[j] = 0
		}
		bp.setSlotEntry(pos, SlotEntry{Offset: old.Offset, Length: uint16(len(rec))})
		return nil
	}
	if bp.freeSpace()+slotEntrySize < len(rec) {
		return fmt.Errorf("ampage: leaf page full on replace: need %d", len(rec))
	}
	newEnd := bp.freeSpaceEnd() - len(rec)
	copy(bp.buf[newEnd:], rec)
	bp.setFreeSpaceEnd(newEnd)
	bp.setSlotEntry(pos, SlotEntry{Offset: uint16(newEnd), Length: uint16(len(rec))})
	return nil
}

// RemoveLeafEntryAt removes the entry at pos.
func (bp *BTreePage) RemoveLeafEntryAt(pos int) error {
	if err := bp.removeRecordAt(pos); err != nil {
		return err
	}
	bp.setKeyCount(bp.KeyCount() - 1)
	return nil
}

// GetAllLeafEntries returns all entries in directory order.
func (bp *BTreePage) GetAllLeafEntries() []LeafEntry {
	sc := bp.slotCount()
	entries := make([]LeafEntry, sc)
	for i := 0; i < sc; i++ {
		entries[i] = bp.GetLeafEntry(i)
	}
	return entries
}
