// Package wire implements the control-message codec of the transport core:
// a 16-bit length-prefixed frame carrying a type byte followed by
// type-specific fields, plus the unprefixed datagram header packed into a
// transport datagram. All integers are big-endian; variable-length fields
// use unsigned LEB128 (stdlib binary.Uvarint) so a single malformed overflow
// check covers every decoder.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	moqerrors "github.com/alxayo/go-moqrelay/internal/errors"
)

// Message type bytes (§4.1).
const (
	TypeRequest      byte = 0x01
	TypePost         byte = 0x02
	TypeAccept       byte = 0x03
	TypeStartPoint   byte = 0x04
	TypeFinDatagram  byte = 0x05
	TypeFragment     byte = 0x06
	TypeCachePolicy  byte = 0x07
	TypeSubscribe    byte = 0x08
	TypeNotify       byte = 0x09
	TypeWarpHeader   byte = 0x0A
	TypeObjectHeader byte = 0x0B
)

// TransportMode selects how object bytes are conveyed for a subscription.
type TransportMode uint8

const (
	ModeStream TransportMode = iota
	ModeDatagram
	ModeWarp
	ModeRush
)

// GroupObject is a (group_id, object_id) pair, used both as a start point
// and as the final-object boundary.
type GroupObject struct {
	Group  uint64
	Object uint64
}

// Less gives the lexicographic ordering spec.md §8 invariant 1 and 5 rely on.
func (a GroupObject) Less(b GroupObject) bool {
	if a.Group != b.Group {
		return a.Group < b.Group
	}
	return a.Object < b.Object
}

// SubscribeIntent is the nested structure carried by REQUEST.
type SubscribeIntent struct {
	CurrentGroup uint64
	NextGroup    uint64
	StartPoint   GroupObject
}

// Message is implemented by every decoded control message.
type Message interface {
	Type() byte
	encodeBody(buf *bytes.Buffer) error
}

type Request struct {
	URL             string
	TransportMode   TransportMode
	SubscribeIntent SubscribeIntent
}

type Post struct {
	URL           string
	TransportMode TransportMode
	CachePolicy   bool
	Start         GroupObject
}

type Accept struct {
	TransportMode TransportMode
	MediaID       uint64
}

type StartPoint struct {
	GroupID  uint64
	ObjectID uint64
}

type FinDatagram struct {
	GroupID  uint64
	ObjectID uint64
}

type Fragment struct {
	GroupID                uint64
	ObjectID               uint64
	NbObjectsPreviousGroup uint64
	Offset                 uint64
	ObjectLength           uint64
	Flags                  byte
	Data                   []byte
}

type CachePolicy struct {
	Flag bool
}

type Subscribe struct {
	URLPrefix string
}

type Notify struct {
	URL string
}

type WarpHeader struct {
	MediaID uint64
	GroupID uint64
}

type ObjectHeader struct {
	ObjectID               uint64
	NbObjectsPreviousGroup uint64
	Flags                  byte
	ObjectLength           uint64
}

func (*Request) Type() byte      { return TypeRequest }
func (*Post) Type() byte         { return TypePost }
func (*Accept) Type() byte       { return TypeAccept }
func (*StartPoint) Type() byte   { return TypeStartPoint }
func (*FinDatagram) Type() byte  { return TypeFinDatagram }
func (*Fragment) Type() byte     { return TypeFragment }
func (*CachePolicy) Type() byte  { return TypeCachePolicy }
func (*Subscribe) Type() byte    { return TypeSubscribe }
func (*Notify) Type() byte       { return TypeNotify }
func (*WarpHeader) Type() byte   { return TypeWarpHeader }
func (*ObjectHeader) Type() byte { return TypeObjectHeader }

// --- varint / primitive helpers ---

func putUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func putString(buf *bytes.Buffer, s string) {
	putUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func putBool(buf *bytes.Buffer, b bool) {
	if b {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

// byteReader adapts a []byte into the io.ByteReader binary.ReadUvarint wants.
type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) ReadByte() (byte, error) {
	if r.pos >= len(r.b) {
		return 0, io.ErrUnexpectedEOF
	}
	c := r.b[r.pos]
	r.pos++
	return c, nil
}

func readUvarint(r *byteReader, op string) (uint64, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, moqerrors.NewMalformedMessage(op, err)
	}
	return v, nil
}

func readString(r *byteReader, op string) (string, error) {
	n, err := readUvarint(r, op)
	if err != nil {
		return "", err
	}
	if n > uint64(len(r.b)-r.pos) {
		return "", moqerrors.NewMalformedMessage(op, fmt.Errorf("string length %d exceeds remaining buffer", n))
	}
	s := string(r.b[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func readByte(r *byteReader, op string) (byte, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, moqerrors.NewMalformedMessage(op, err)
	}
	return b, nil
}

func readBool(r *byteReader, op string) (bool, error) {
	b, err := readByte(r, op)
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func readBytes(r *byteReader, n int, op string) ([]byte, error) {
	if n < 0 || n > len(r.b)-r.pos {
		return nil, moqerrors.NewMalformedMessage(op, fmt.Errorf("requested %d bytes, %d remain", n, len(r.b)-r.pos))
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	copy(out, r.b[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

// --- encode bodies ---

func (m *Request) encodeBody(buf *bytes.Buffer) error {
	putString(buf, m.URL)
	buf.WriteByte(byte(m.TransportMode))
	putUvarint(buf, m.SubscribeIntent.CurrentGroup)
	putUvarint(buf, m.SubscribeIntent.NextGroup)
	putUvarint(buf, m.SubscribeIntent.StartPoint.Group)
	putUvarint(buf, m.SubscribeIntent.StartPoint.Object)
	return nil
}

func (m *Post) encodeBody(buf *bytes.Buffer) error {
	putString(buf, m.URL)
	buf.WriteByte(byte(m.TransportMode))
	putBool(buf, m.CachePolicy)
	putUvarint(buf, m.Start.Group)
	putUvarint(buf, m.Start.Object)
	return nil
}

func (m *Accept) encodeBody(buf *bytes.Buffer) error {
	buf.WriteByte(byte(m.TransportMode))
	putUvarint(buf, m.MediaID)
	return nil
}

func (m *StartPoint) encodeBody(buf *bytes.Buffer) error {
	putUvarint(buf, m.GroupID)
	putUvarint(buf, m.ObjectID)
	return nil
}

func (m *FinDatagram) encodeBody(buf *bytes.Buffer) error {
	putUvarint(buf, m.GroupID)
	putUvarint(buf, m.ObjectID)
	return nil
}

func (m *Fragment) encodeBody(buf *bytes.Buffer) error {
	putUvarint(buf, m.GroupID)
	putUvarint(buf, m.ObjectID)
	putUvarint(buf, m.NbObjectsPreviousGroup)
	putUvarint(buf, m.Offset)
	putUvarint(buf, m.ObjectLength)
	buf.WriteByte(m.Flags)
	putUvarint(buf, uint64(len(m.Data)))
	buf.Write(m.Data)
	return nil
}

func (m *CachePolicy) encodeBody(buf *bytes.Buffer) error {
	putBool(buf, m.Flag)
	return nil
}

func (m *Subscribe) encodeBody(buf *bytes.Buffer) error {
	putString(buf, m.URLPrefix)
	return nil
}

func (m *Notify) encodeBody(buf *bytes.Buffer) error {
	putString(buf, m.URL)
	return nil
}

func (m *WarpHeader) encodeBody(buf *bytes.Buffer) error {
	putUvarint(buf, m.MediaID)
	putUvarint(buf, m.GroupID)
	return nil
}

func (m *ObjectHeader) encodeBody(buf *bytes.Buffer) error {
	putUvarint(buf, m.ObjectID)
	putUvarint(buf, m.NbObjectsPreviousGroup)
	buf.WriteByte(m.Flags)
	putUvarint(buf, m.ObjectLength)
	return nil
}

// Encode writes the 16-bit big-endian length prefix, the type byte, and the
// message body.
//
// Contract:
//   - The length prefix covers type byte + body, not itself.
//   - Fails with *errors.MalformedMessage if the encoded frame would exceed
//     the 16-bit length field.
func Encode(m Message) ([]byte, error) {
	var body bytes.Buffer
	if err := m.encodeBody(&body); err != nil {
		return nil, err
	}
	if body.Len()+1 > math.MaxUint16 {
		return nil, moqerrors.NewMalformedMessage("wire.encode", fmt.Errorf("frame too large: %d bytes", body.Len()+1))
	}
	out := make([]byte, 2, 2+1+body.Len())
	binary.BigEndian.PutUint16(out, uint16(body.Len()+1))
	out = append(out, m.Type())
	out = append(out, body.Bytes()...)
	return out, nil
}

// Decode reads one length-prefixed frame from the front of data and returns
// the decoded Message plus the number of bytes consumed.
//
// Error cases:
//   - Fewer than 2 bytes available -> *errors.MalformedMessage (io.ErrUnexpectedEOF as cause)
//   - Declared frame length runs past the end of data -> *errors.MalformedMessage
//   - Unknown type byte -> *errors.MalformedMessage
//   - A variable-length integer or embedded string overflows the remaining
//     buffer -> *errors.MalformedMessage
func Decode(data []byte) (Message, int, error) {
	if len(data) < 2 {
		return nil, 0, moqerrors.NewMalformedMessage("wire.decode.length", io.ErrUnexpectedEOF)
	}
	frameLen := int(binary.BigEndian.Uint16(data))
	if frameLen < 1 || frameLen > len(data)-2 {
		return nil, 0, moqerrors.NewMalformedMessage("wire.decode.length", fmt.Errorf("declared length %d exceeds buffer", frameLen))
	}
	body := data[2 : 2+frameLen]
	typ := body[0]
	r := &byteReader{b: body[1:]}

	msg, err := decodeBody(typ, r)
	if err != nil {
		return nil, 0, err
	}
	return msg, 2 + frameLen, nil
}

func decodeBody(typ byte, r *byteReader) (Message, error) {
	const op = "wire.decode.body"
	switch typ {
	case TypeRequest:
		m := &Request{}
		var err error
		if m.URL, err = readString(r, op); err != nil {
			return nil, err
		}
		b, err := readByte(r, op)
		if err != nil {
			return nil, err
		}
		m.TransportMode = TransportMode(b)
		if m.SubscribeIntent.CurrentGroup, err = readUvarint(r, op); err != nil {
			return nil, err
		}
		if m.SubscribeIntent.NextGroup, err = readUvarint(r, op); err != nil {
			return nil, err
		}
		if m.SubscribeIntent.StartPoint.Group, err = readUvarint(r, op); err != nil {
			return nil, err
		}
		if m.SubscribeIntent.StartPoint.Object, err = readUvarint(r, op); err != nil {
			return nil, err
		}
		return m, nil
	case TypePost:
		m := &Post{}
		var err error
		if m.URL, err = readString(r, op); err != nil {
			return nil, err
		}
		b, err := readByte(r, op)
		if err != nil {
			return nil, err
		}
		m.TransportMode = TransportMode(b)
		if m.CachePolicy, err = readBool(r, op); err != nil {
			return nil, err
		}
		if m.Start.Group, err = readUvarint(r, op); err != nil {
			return nil, err
		}
		if m.Start.Object, err = readUvarint(r, op); err != nil {
			return nil, err
		}
		return m, nil
	case TypeAccept:
		m := &Accept{}
		b, err := readByte(r, op)
		if err != nil {
			return nil, err
		}
		m.TransportMode = TransportMode(b)
		if m.MediaID, err = readUvarint(r, op); err != nil {
			return nil, err
		}
		return m, nil
	case TypeStartPoint:
		m := &StartPoint{}
		var err error
		if m.GroupID, err = readUvarint(r, op); err != nil {
			return nil, err
		}
		if m.ObjectID, err = readUvarint(r, op); err != nil {
			return nil, err
		}
		return m, nil
	case TypeFinDatagram:
		m := &FinDatagram{}
		var err error
		if m.GroupID, err = readUvarint(r, op); err != nil {
			return nil, err
		}
		if m.ObjectID, err = readUvarint(r, op); err != nil {
			return nil, err
		}
		return m, nil
	case TypeFragment:
		m := &Fragment{}
		var err error
		if m.GroupID, err = readUvarint(r, op); err != nil {
			return nil, err
		}
		if m.ObjectID, err = readUvarint(r, op); err != nil {
			return nil, err
		}
		if m.NbObjectsPreviousGroup, err = readUvarint(r, op); err != nil {
			return nil, err
		}
		if m.Offset, err = readUvarint(r, op); err != nil {
			return nil, err
		}
		if m.ObjectLength, err = readUvarint(r, op); err != nil {
			return nil, err
		}
		if m.Flags, err = readByte(r, op); err != nil {
			return nil, err
		}
		dataLen, err := readUvarint(r, op)
		if err != nil {
			return nil, err
		}
		if m.Data, err = readBytes(r, int(dataLen), op); err != nil {
			return nil, err
		}
		if m.Offset+uint64(len(m.Data)) > m.ObjectLength && m.ObjectLength != 0 {
			return nil, moqerrors.NewMalformedMessage(op, fmt.Errorf("offset+length %d exceeds object_length %d", m.Offset+uint64(len(m.Data)), m.ObjectLength))
		}
		return m, nil
	case TypeCachePolicy:
		m := &CachePolicy{}
		var err error
		if m.Flag, err = readBool(r, op); err != nil {
			return nil, err
		}
		return m, nil
	case TypeSubscribe:
		m := &Subscribe{}
		var err error
		if m.URLPrefix, err = readString(r, op); err != nil {
			return nil, err
		}
		return m, nil
	case TypeNotify:
		m := &Notify{}
		var err error
		if m.URL, err = readString(r, op); err != nil {
			return nil, err
		}
		return m, nil
	case TypeWarpHeader:
		m := &WarpHeader{}
		var err error
		if m.MediaID, err = readUvarint(r, op); err != nil {
			return nil, err
		}
		if m.GroupID, err = readUvarint(r, op); err != nil {
			return nil, err
		}
		return m, nil
	case TypeObjectHeader:
		m := &ObjectHeader{}
		var err error
		if m.ObjectID, err = readUvarint(r, op); err != nil {
			return nil, err
		}
		if m.NbObjectsPreviousGroup, err = readUvarint(r, op); err != nil {
			return nil, err
		}
		if m.Flags, err = readByte(r, op); err != nil {
			return nil, err
		}
		if m.ObjectLength, err = readUvarint(r, op); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, moqerrors.NewMalformedMessage(op, fmt.Errorf("unknown message type 0x%02x", typ))
	}
}
