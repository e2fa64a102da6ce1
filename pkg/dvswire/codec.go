// Package dvswire defines the DVS event wire format and a stateless packet codec.
//
// A datagram is an 8-byte little-endian uint64 packet timestamp followed by a
// contiguous run of fixed-size event records. The record stride depends on the
// producer build (13 bytes canonical, 16 and 32 with trailing padding), so it
// is injected via RecordLayout rather than assumed.
package dvswire

import (
	"encoding/binary"
	"time"
)

// HeaderSize is the packet timestamp header length in bytes.
const HeaderSize = 8

// minRecordSize covers the fields every record layout carries:
// timestamp(8) + x(2) + y(2) + polarity(1).
const minRecordSize = 13

// Known record strides across producer versions.
const (
	RecordSize13 = 13
	RecordSize16 = 16
	RecordSize32 = 32
)

// Event is a single decoded DVS event. Timestamp is the sender clock in
// microseconds; ReceivedAt is the local receive time, stamped by the caller
// after Decode.
type Event struct {
	Timestamp  uint64
	X, Y       uint16
	Polarity   int8
	ReceivedAt time.Time
}

// RecordLayout describes how to slice records out of a packet and which
// coordinate range is valid. Records larger than the minimum carry padding
// after the polarity byte, which the decoder ignores.
type RecordLayout struct {
	RecordSize    int
	Width, Height uint16
}

// Valid reports whether the layout can be decoded at all.
func (l RecordLayout) Valid() bool {
	return l.RecordSize >= minRecordSize && l.Width > 0 && l.Height > 0
}

// Decode parses one datagram into its packet timestamp and decoded events.
// It never fails: short packets yield no events, a trailing partial record is
// discarded, and records with out-of-bounds coordinates are skipped. The
// returned events have no ReceivedAt; the receiver stamps it.
func Decode(buf []byte, layout RecordLayout) (packetTS uint64, events []Event) {
	if len(buf) < HeaderSize || !layout.Valid() {
		return 0, nil
	}
	packetTS = binary.LittleEndian.Uint64(buf[:HeaderSize])

	n := (len(buf) - HeaderSize) / layout.RecordSize
	if n == 0 {
		return packetTS, nil
	}
	events = make([]Event, 0, n)
	for i := 0; i < n; i++ {
		rec := buf[HeaderSize+i*layout.RecordSize:]
		x := binary.LittleEndian.Uint16(rec[8:10])
		y := binary.LittleEndian.Uint16(rec[10:12])
		if x >= layout.Width || y >= layout.Height {
			continue
		}
		// Only the sign of the polarity byte matters. The canonical layout
		// carries an i8, so 0xff reads as negative, not 255.
		pol := int8(-1)
		if int8(rec[12]) > 0 {
			pol = 1
		}
		events = append(events, Event{
			Timestamp: binary.LittleEndian.Uint64(rec[0:8]),
			X:         x,
			Y:         y,
			Polarity:  pol,
		})
	}
	return packetTS, events
}

// AppendRecord appends one event record with the layout's stride to dst.
// Padding bytes beyond the polarity byte are zero.
func AppendRecord(dst []byte, ev Event, layout RecordLayout) []byte {
	var rec [RecordSize32]byte
	binary.LittleEndian.PutUint64(rec[0:8], ev.Timestamp)
	binary.LittleEndian.PutUint16(rec[8:10], ev.X)
	binary.LittleEndian.PutUint16(rec[10:12], ev.Y)
	if ev.Polarity > 0 {
		rec[12] = 1
	}
	return append(dst, rec[:layout.RecordSize]...)
}

// Encode builds a complete datagram from a packet timestamp and events.
// The producer side of Decode; used by the streamer and by tests.
func Encode(packetTS uint64, events []Event, layout RecordLayout) []byte {
	buf := make([]byte, HeaderSize, HeaderSize+len(events)*layout.RecordSize)
	binary.LittleEndian.PutUint64(buf, packetTS)
	for _, ev := range events {
		buf = AppendRecord(buf, ev, layout)
	}
	return buf
}
