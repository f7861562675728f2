package tally

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

const (
	snapshotMagic   = "TSNP"
	snapshotVersion = 1

	// magic + version + responses + bins + entities + histories
	snapshotHeaderLen = 4 + 2 + 4 + 4 + 4 + 8
	checksumLen       = 8
)

// MarshalBinary encodes the snapshot as little-endian fields followed by an
// xxhash of everything before it.
func (s *Snapshot) MarshalBinary() ([]byte, error) {
	entities := len(s.Entities)
	size := snapshotHeaderLen + entities*16 +
		8*Orders*(entities*(s.Bins+s.Responses)+s.Responses) + checksumLen
	buf := make([]byte, 0, size)

	buf = append(buf, snapshotMagic...)
	buf = binary.LittleEndian.AppendUint16(buf, snapshotVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(s.Responses))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(s.Bins))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(entities))
	buf = binary.LittleEndian.AppendUint64(buf, s.Histories)
	for _, e := range s.Entities {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e.ID))
		buf = appendFloat(buf, e.Norm)
	}
	for i := range s.Entities {
		buf = appendFloats(buf, s.EntityBins[i])
		buf = appendFloats(buf, s.EntityTotals[i])
	}
	buf = appendFloats(buf, s.Totals)
	return binary.LittleEndian.AppendUint64(buf, xxhash.Sum64(buf)), nil
}

// UnmarshalBinary replaces s with the decoded snapshot.
func (s *Snapshot) UnmarshalBinary(b []byte) error {
	if len(b) < snapshotHeaderLen+checksumLen {
		return fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformedSnapshot, len(b))
	}
	if string(b[:4]) != snapshotMagic {
		return fmt.Errorf("%w: bad magic %q", ErrMalformedSnapshot, b[:4])
	}
	body := b[:len(b)-checksumLen]
	if got, want := binary.LittleEndian.Uint64(b[len(body):]), xxhash.Sum64(body); got != want {
		return fmt.Errorf("%w: checksum %016x, computed %016x", ErrMalformedSnapshot, got, want)
	}

	r := reader{b: body[4:]}
	if v := r.u16(); v != snapshotVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrMalformedSnapshot, v)
	}
	responses := int(r.u32())
	bins := int(r.u32())
	entities := int(r.u32())
	histories := r.u64()

	if responses < 1 || bins < responses || entities > len(b)/16 || bins+responses > len(b)/8 {
		return fmt.Errorf("%w: implausible layout %d responses, %d bins, %d entities", ErrMalformedSnapshot, responses, bins, entities)
	}
	want := entities*16 + 8*Orders*(entities*(bins+responses)+responses)
	if len(r.b) != want {
		return fmt.Errorf("%w: body is %d bytes, layout needs %d", ErrMalformedSnapshot, len(r.b), want)
	}

	list := make([]Entity, entities)
	for i := range list {
		list[i] = Entity{ID: EntityID(r.u64()), Norm: r.f64()}
	}
	out := NewSnapshot(responses, bins, list)
	out.Histories = histories
	for i := range list {
		r.floats(out.EntityBins[i])
		r.floats(out.EntityTotals[i])
	}
	r.floats(out.Totals)
	*s = *out
	return nil
}

func appendFloat(buf []byte, f float64) []byte {
	return binary.LittleEndian.AppendUint64(buf, math.Float64bits(f))
}

func appendFloats(buf []byte, fs []float64) []byte {
	for _, f := range fs {
		buf = appendFloat(buf, f)
	}
	return buf
}

// reader consumes little-endian fields. Callers check lengths up front.
type reader struct {
	b []byte
}

func (r *reader) take(n int) []byte {
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) u16() uint16  { return binary.LittleEndian.Uint16(r.take(2)) }
func (r *reader) u32() uint32  { return binary.LittleEndian.Uint32(r.take(4)) }
func (r *reader) u64() uint64  { return binary.LittleEndian.Uint64(r.take(8)) }
func (r *reader) f64() float64 { return math.Float64frombits(r.u64()) }

func (r *reader) floats(dst []float64) {
	for i := range dst {
		dst[i] = r.f64()
	}
}
