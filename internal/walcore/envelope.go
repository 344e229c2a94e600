package walcore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/ariaskv/ariaskv/internal/ariaserr"
	"github.com/ariaskv/ariaskv/internal/lsn"
)

// CRCTable is the CRC32-C (Castagnoli) table used for every checksum in
// this repository — log records, log file headers, and pages alike.
var CRCTable = crc32.MakeTable(crc32.Castagnoli)

// EnvelopeSize is the fixed width of the envelope every log record begins
// with: RecType(4) + TxnNum(4) + PrevLSN(8) + PayloadLen(4) + CRC(4).
const EnvelopeSize = 4 + 4 + lsn.Size + 4 + 4

// Envelope is the header common to every log record, per the data model:
// type, owning transaction, and the transaction's previous LSN (the
// backward chain recovery/abort walks).
type Envelope struct {
	RecType uint32
	TxnNum  uint32
	PrevLSN lsn.LSN
}

// Record is a fully decoded envelope plus its still-encoded,
// type-specific payload and the LSN it was stored at.
type Record struct {
	Envelope
	LSN     lsn.LSN
	Payload []byte // type-specific fields, decode with the type's Read func
}

// Marshal produces the wire bytes for env+payload: envelope fields, the
// payload length, the payload itself, and a trailing CRC over everything
// preceding it. This is the unit Put (C3) appends to a log file.
func Marshal(env Envelope, payload []byte) []byte {
	buf := make([]byte, EnvelopeSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], env.RecType)
	binary.LittleEndian.PutUint32(buf[4:8], env.TxnNum)
	lsn.Put(buf[8:8+lsn.Size], env.PrevLSN)
	plOff := 8 + lsn.Size
	binary.LittleEndian.PutUint32(buf[plOff:plOff+4], uint32(len(payload)))
	copy(buf[plOff+4:], payload)

	h := crc32.New(CRCTable)
	h.Write(buf[:len(buf)-4])
	binary.LittleEndian.PutUint32(buf[len(buf)-4:], h.Sum32())
	return buf
}

// Unmarshal parses env+payload+CRC from buf, which must hold exactly one
// record's bytes (EnvelopeSize + payload length + 4 CRC bytes). It
// enforces invariant 5: the declared payload length must exactly account
// for the remaining bytes before the CRC trailer.
func Unmarshal(buf []byte) (Envelope, []byte, error) {
	if len(buf) < EnvelopeSize {
		return Envelope{}, nil, fmt.Errorf("walcore: record shorter than envelope (%d bytes): %w",
			len(buf), ariaserr.ErrSizeMismatch)
	}
	var env Envelope
	env.RecType = binary.LittleEndian.Uint32(buf[0:4])
	env.TxnNum = binary.LittleEndian.Uint32(buf[4:8])
	env.PrevLSN = lsn.Get(buf[8 : 8+lsn.Size])
	plOff := 8 + lsn.Size
	plLen := int(binary.LittleEndian.Uint32(buf[plOff : plOff+4]))

	want := plOff + 4 + plLen + 4
	if len(buf) != want {
		return Envelope{}, nil, fmt.Errorf("walcore: record length %d != envelope+payload+crc %d: %w",
			len(buf), want, ariaserr.ErrSizeMismatch)
	}

	storedCRC := binary.LittleEndian.Uint32(buf[len(buf)-4:])
	h := crc32.New(CRCTable)
	h.Write(buf[:len(buf)-4])
	if h.Sum32() != storedCRC {
		return Envelope{}, nil, fmt.Errorf("walcore: record CRC mismatch: %w", ariaserr.ErrBadMagic)
	}

	payload := buf[plOff+4 : plOff+4+plLen]
	return env, payload, nil
}
