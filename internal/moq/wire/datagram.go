package wire

import (
	"bytes"
	"fmt"

	moqerrors "github.com/alxayo/go-moqrelay/internal/errors"
)

// DatagramHeader is packed directly into a transport datagram (no 16-bit
// length prefix — the transport itself frames datagrams). queue_delay is
// carried in milliseconds; repeat() rewrites it as (now-start_time)/1000.
type DatagramHeader struct {
	MediaID                uint64
	GroupID                uint64
	ObjectID               uint64
	ObjectOffset           uint64
	QueueDelay             uint64
	Flags                  byte
	NbObjectsPreviousGroup uint64
	ObjectLength           uint64
	Data                   []byte
}

// EncodeDatagram serializes the header fields followed by the payload with
// no length prefix; the caller is responsible for keeping the total under
// the transport's queueable datagram size (see ackhorizon.Engine.Repeat).
func EncodeDatagram(h *DatagramHeader) []byte {
	var buf bytes.Buffer
	putUvarint(&buf, h.MediaID)
	putUvarint(&buf, h.GroupID)
	putUvarint(&buf, h.ObjectID)
	putUvarint(&buf, h.ObjectOffset)
	putUvarint(&buf, h.QueueDelay)
	buf.WriteByte(h.Flags)
	putUvarint(&buf, h.NbObjectsPreviousGroup)
	putUvarint(&buf, h.ObjectLength)
	buf.Write(h.Data)
	return buf.Bytes()
}

// DecodeDatagram parses a raw datagram payload into its header and trailing
// data slice (a view into buf, not copied).
func DecodeDatagram(buf []byte) (*DatagramHeader, error) {
	const op = "wire.decode_datagram"
	r := &byteReader{b: buf}
	h := &DatagramHeader{}
	var err error
	if h.MediaID, err = readUvarint(r, op); err != nil {
		return nil, err
	}
	if h.GroupID, err = readUvarint(r, op); err != nil {
		return nil, err
	}
	if h.ObjectID, err = readUvarint(r, op); err != nil {
		return nil, err
	}
	if h.ObjectOffset, err = readUvarint(r, op); err != nil {
		return nil, err
	}
	if h.QueueDelay, err = readUvarint(r, op); err != nil {
		return nil, err
	}
	if h.Flags, err = readByte(r, op); err != nil {
		return nil, err
	}
	if h.NbObjectsPreviousGroup, err = readUvarint(r, op); err != nil {
		return nil, err
	}
	if h.ObjectLength, err = readUvarint(r, op); err != nil {
		return nil, err
	}
	h.Data = buf[r.pos:]
	if h.ObjectLength != 0 && h.ObjectOffset+uint64(len(h.Data)) > h.ObjectLength {
		return nil, moqerrors.NewMalformedMessage(op, fmt.Errorf("offset+length %d exceeds object_length %d", h.ObjectOffset+uint64(len(h.Data)), h.ObjectLength))
	}
	return h, nil
}
