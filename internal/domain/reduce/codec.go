package reduce

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/okian/tally/internal/domain/tally"
)

const (
	payloadMagic = "TALY"
	ackMagic     = "TACK"
	confirmMagic = "TCNF"
	wireVersion  = 1

	// magic + version + sender + round + id
	payloadHeaderLen = 4 + 2 + 4 + 8 + 16
	checksumLen      = 8
	ackLen           = 4 + 2 + 8 + 1 + checksumLen
)

// ackStatus is the verdict root sends back to every peer.
type ackStatus uint8

const (
	ackOK ackStatus = iota + 1
	ackFailed
)

// payload is one rank's snapshot on the wire.
type payload struct {
	Sender   int
	Round    uint64
	ID       uuid.UUID
	Snapshot *tally.Snapshot
}

type ack struct {
	Round  uint64
	Status ackStatus
}

// encodePayload prefixes the binary snapshot with the reduction header and
// appends an xxhash of the whole message.
func encodePayload(p payload) ([]byte, error) {
	blob, err := p.Snapshot.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, payloadHeaderLen+len(blob)+checksumLen)
	buf = append(buf, payloadMagic...)
	buf = binary.LittleEndian.AppendUint16(buf, wireVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(p.Sender))
	buf = binary.LittleEndian.AppendUint64(buf, p.Round)
	buf = append(buf, p.ID[:]...)
	buf = append(buf, blob...)
	return binary.LittleEndian.AppendUint64(buf, xxhash.Sum64(buf)), nil
}

func decodePayload(b []byte) (payload, error) {
	var p payload
	if len(b) < payloadHeaderLen+checksumLen {
		return p, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformedPayload, len(b))
	}
	if string(b[:4]) != payloadMagic {
		return p, fmt.Errorf("%w: bad magic %q", ErrMalformedPayload, b[:4])
	}
	if err := verifyChecksum(b); err != nil {
		return p, err
	}
	if v := binary.LittleEndian.Uint16(b[4:]); v != wireVersion {
		return p, fmt.Errorf("%w: unsupported version %d", ErrMalformedPayload, v)
	}
	p.Sender = int(binary.LittleEndian.Uint32(b[6:]))
	p.Round = binary.LittleEndian.Uint64(b[10:])
	copy(p.ID[:], b[18:payloadHeaderLen])

	p.Snapshot = new(tally.Snapshot)
	if err := p.Snapshot.UnmarshalBinary(b[payloadHeaderLen : len(b)-checksumLen]); err != nil {
		return p, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return p, nil
}

func encodeAck(a ack) []byte { return encodeControl(ackMagic, a) }

func decodeAck(b []byte) (ack, error) { return decodeControl(ackMagic, b) }

// encodeConfirm is a peer's receipt for an OK acknowledgement. It shares
// the acknowledgement layout under its own magic.
func encodeConfirm(round uint64) []byte {
	return encodeControl(confirmMagic, ack{Round: round, Status: ackOK})
}

func decodeConfirm(b []byte) (uint64, error) {
	a, err := decodeControl(confirmMagic, b)
	return a.Round, err
}

func isConfirm(b []byte) bool {
	return len(b) == ackLen && string(b[:4]) == confirmMagic
}

func encodeControl(magic string, a ack) []byte {
	buf := make([]byte, 0, ackLen)
	buf = append(buf, magic...)
	buf = binary.LittleEndian.AppendUint16(buf, wireVersion)
	buf = binary.LittleEndian.AppendUint64(buf, a.Round)
	buf = append(buf, byte(a.Status))
	return binary.LittleEndian.AppendUint64(buf, xxhash.Sum64(buf))
}

func decodeControl(magic string, b []byte) (ack, error) {
	var a ack
	if len(b) != ackLen || string(b[:4]) != magic {
		return a, fmt.Errorf("%w: not a %s message", ErrMalformedPayload, magic)
	}
	if err := verifyChecksum(b); err != nil {
		return a, err
	}
	if v := binary.LittleEndian.Uint16(b[4:]); v != wireVersion {
		return a, fmt.Errorf("%w: unsupported version %d", ErrMalformedPayload, v)
	}
	a.Round = binary.LittleEndian.Uint64(b[6:])
	a.Status = ackStatus(b[14])
	if a.Status != ackOK && a.Status != ackFailed {
		return a, fmt.Errorf("%w: unknown ack status %d", ErrMalformedPayload, a.Status)
	}
	return a, nil
}

func verifyChecksum(b []byte) error {
	body := b[:len(b)-checksumLen]
	got := binary.LittleEndian.Uint64(b[len(body):])
	if want := xxhash.Sum64(body); got != want {
		return fmt.Errorf("%w: checksum %016x, computed %016x", ErrMalformedPayload, got, want)
	}
	return nil
}
