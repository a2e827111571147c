package ecpri

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

var (
	ErrShortMessage     = errors.New("short eCPRI message")
	ErrBadMagic         = errors.New("bad eCPRI magic byte")
	ErrTruncatedPayload = errors.New("truncated eCPRI payload")
)

// IsDecodeError reports whether err belongs to the decode error family. Those
// errors only ever invalidate the datagram they were raised for.
func IsDecodeError(err error) bool {
	return errors.IsAny(err, ErrShortMessage, ErrBadMagic, ErrTruncatedPayload)
}

// EncodeEnvelope prepends the eCPRI header to payload.
func EncodeEnvelope(payload []byte, t MessageType) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = MagicByte
	buf[1] = uint8(t)
	binary.LittleEndian.PutUint16(buf[2:], uint16(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

// DecodeEnvelope validates the header and returns the declared type together
// with the declared payload. The payload aliases b.
func DecodeEnvelope(b []byte) (MessageType, []byte, error) {
	if len(b) < HeaderSize {
		return 0, nil, errors.Wrapf(ErrShortMessage, "got %d bytes, header needs %d", len(b), HeaderSize)
	}
	if b[0] != MagicByte {
		return 0, nil, errors.Wrapf(ErrBadMagic, "got 0x%02x", b[0])
	}

	t := MessageType(b[1])
	length := int(binary.LittleEndian.Uint16(b[2:]))
	if len(b)-HeaderSize < length {
		return t, nil, errors.Wrapf(ErrTruncatedPayload, "header declares %d bytes, got %d", length, len(b)-HeaderSize)
	}
	return t, b[HeaderSize : HeaderSize+length], nil
}

func putUint48(b []byte, v uint64) {
	for i := 0; i < 6; i++ {
		b[i] = uint8(v >> (8 * i))
	}
}

func uint48(b []byte) uint64 {
	var v uint64
	for i := 0; i < 6; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func (m *RMAMessage) MarshalBinary() ([]byte, error) {
	if m.Address > MaxAddress {
		return nil, errors.Newf("address 0x%x does not fit in 48 bits", m.Address)
	}

	buf := make([]byte, RMAHeaderSize+len(m.Data))
	offset := 0

	buf[offset] = m.ID
	offset++

	buf[offset] = m.Flags
	offset++

	binary.LittleEndian.PutUint16(buf[offset:], m.ElementID)
	offset += 2

	putUint48(buf[offset:], m.Address)
	offset += 6

	binary.LittleEndian.PutUint16(buf[offset:], m.Length)
	offset += 2

	copy(buf[offset:], m.Data)
	return buf, nil
}

// UnmarshalBinary decodes an RMA header and keeps up to Length bytes of the
// trailing data. Callers that need the data check len(m.Data) themselves.
func (m *RMAMessage) UnmarshalBinary(b []byte) error {
	if len(b) < RMAHeaderSize {
		return errors.Wrapf(ErrShortMessage, "RMA message needs %d bytes, got %d", RMAHeaderSize, len(b))
	}
	offset := 0

	m.ID = b[offset]
	offset++

	m.Flags = b[offset]
	offset++

	m.ElementID = binary.LittleEndian.Uint16(b[offset:])
	offset += 2

	m.Address = uint48(b[offset:])
	offset += 6

	m.Length = binary.LittleEndian.Uint16(b[offset:])
	offset += 2

	m.Data = nil
	if rest := b[offset:]; len(rest) > 0 {
		if len(rest) > int(m.Length) {
			rest = rest[:m.Length]
		}
		m.Data = append([]byte(nil), rest...)
	}
	return nil
}

func (m *OWDMMessage) MarshalBinary() ([]byte, error) {
	buf := make([]byte, OWDMMessageSize)
	buf[0] = m.ID
	buf[1] = uint8(m.Action)
	putUint48(buf[2:], m.Timestamp.Sec)
	binary.LittleEndian.PutUint32(buf[8:], m.Timestamp.Nsec)
	copy(buf[12:], m.Compensation[:])
	return buf, nil
}

func (m *OWDMMessage) UnmarshalBinary(b []byte) error {
	if len(b) < OWDMMessageSize {
		return errors.Wrapf(ErrShortMessage, "OWDM message needs %d bytes, got %d", OWDMMessageSize, len(b))
	}
	m.ID = b[0]
	m.Action = OWDMAction(b[1])
	m.Timestamp.Sec = uint48(b[2:])
	m.Timestamp.Nsec = binary.LittleEndian.Uint32(b[8:])
	copy(m.Compensation[:], b[12:OWDMMessageSize])
	return nil
}

// MarshalBinary includes the trailing pad byte deployed peers send.
func (m *ResetMessage) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ResetMessageSize)
	binary.LittleEndian.PutUint16(buf, m.ID)
	buf[2] = uint8(m.CodeOp)
	return buf, nil
}

func (m *ResetMessage) UnmarshalBinary(b []byte) error {
	if len(b) < 3 {
		return errors.Wrapf(ErrShortMessage, "remote reset message needs 3 bytes, got %d", len(b))
	}
	m.ID = binary.LittleEndian.Uint16(b)
	m.CodeOp = ResetCodeOp(b[2])
	return nil
}

func (m *GenericMessage) MarshalBinary() ([]byte, error) {
	buf := make([]byte, GenericHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], uint32(m.PCID))
	binary.LittleEndian.PutUint32(buf[4:], uint32(m.RequestID))
	binary.LittleEndian.PutUint32(buf[8:], uint32(m.Sequence))
	return buf, nil
}

func (m *GenericMessage) UnmarshalBinary(b []byte) error {
	if len(b) < GenericHeaderSize {
		return errors.Wrapf(ErrShortMessage, "generic data message needs %d bytes, got %d", GenericHeaderSize, len(b))
	}
	m.PCID = int32(binary.LittleEndian.Uint32(b[0:]))
	m.RequestID = int32(binary.LittleEndian.Uint32(b[4:]))
	m.Sequence = int32(binary.LittleEndian.Uint32(b[8:]))
	return nil
}
