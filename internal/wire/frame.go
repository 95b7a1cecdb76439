// Package wire implements the length-prefixed message framing described in
// spec §6 (certificate encoding lives in internal/crypto). It is shared by the transport
// layer (C2, stream framing) and MVCC storage (C6, journal record framing).
package wire

import (
	"encoding/binary"
	"errors"
	"io"
)

// MessageKind identifies the kind of a transport message header.
type MessageKind uint8

const (
	KindHandshake MessageKind = 0x01
	KindData      MessageKind = 0x02
	KindControl   MessageKind = 0x03
	KindResponse  MessageKind = 0x04
)

// ErrFrameTooLarge is returned when a frame exceeds the configured
// max_frame_size; the caller closes the stream with this reason.
var ErrFrameTooLarge = errors.New("wire: frame too large")

// Header is the fixed-size prefix of every transport message (spec §6):
//
//	u8 kind ‖ u64 sequence ‖ 32-byte source_node_id ‖
//	u8 has_destination ‖ (32-byte dest_node_id)? ‖ u32 payload_len
type Header struct {
	Kind        MessageKind
	Sequence    uint64
	Source      [32]byte
	HasDest     bool
	Dest        [32]byte
	PayloadLen  uint32
}

// Message is a decoded frame: header plus opaque payload.
type Message struct {
	Header  Header
	Payload []byte
}

// Encode serializes msg into the wire frame format:
// u32 length ‖ message.
func Encode(msg Message) []byte {
	hdrSize := 1 + 8 + 32 + 1 + 4
	if msg.Header.HasDest {
		hdrSize += 32
	}
	total := hdrSize + len(msg.Payload)
	buf := make([]byte, 4+total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))

	off := 4
	buf[off] = byte(msg.Header.Kind)
	off++
	binary.BigEndian.PutUint64(buf[off:off+8], msg.Header.Sequence)
	off += 8
	copy(buf[off:off+32], msg.Header.Source[:])
	off += 32
	if msg.Header.HasDest {
		buf[off] = 1
		off++
		copy(buf[off:off+32], msg.Header.Dest[:])
		off += 32
	} else {
		buf[off] = 0
		off++
	}
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(msg.Payload)))
	off += 4
	copy(buf[off:], msg.Payload)
	return buf
}

// ReadFrame reads one length-prefixed frame from r, enforcing maxFrameSize.
// A frame exceeding maxFrameSize returns ErrFrameTooLarge without consuming
// the (unbounded) payload, so the caller must close the stream rather than
// attempt to resynchronize.
func ReadFrame(r io.Reader, maxFrameSize uint32) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	total := binary.BigEndian.Uint32(lenBuf[:])
	if total > maxFrameSize {
		return Message{}, ErrFrameTooLarge
	}
	body := make([]byte, total)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, err
	}
	return decodeBody(body)
}

func decodeBody(body []byte) (Message, error) {
	if len(body) < 1+8+32+1+4 {
		return Message{}, errors.New("wire: short frame")
	}
	var m Message
	off := 0
	m.Header.Kind = MessageKind(body[off])
	off++
	m.Header.Sequence = binary.BigEndian.Uint64(body[off : off+8])
	off += 8
	copy(m.Header.Source[:], body[off:off+32])
	off += 32
	hasDest := body[off] == 1
	off++
	m.Header.HasDest = hasDest
	if hasDest {
		if len(body) < off+32+4 {
			return Message{}, errors.New("wire: short frame (dest)")
		}
		copy(m.Header.Dest[:], body[off:off+32])
		off += 32
	}
	if len(body) < off+4 {
		return Message{}, errors.New("wire: short frame (payload_len)")
	}
	payloadLen := binary.BigEndian.Uint32(body[off : off+4])
	off += 4
	m.Header.PayloadLen = payloadLen
	if uint32(len(body)-off) != payloadLen {
		return Message{}, errors.New("wire: payload length mismatch")
	}
	m.Payload = body[off:]
	return m, nil
}

// IsReply reports whether sequence designates a reply to a prior request,
// per the invariant "sequence == 0 means not a reply".
func IsReply(sequence uint64) bool { return sequence != 0 }
