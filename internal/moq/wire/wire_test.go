package wire

import (
	"testing"

	"github.com/go-test/deep"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
	}{
		{"request", &Request{
			URL:           "video/camA",
			TransportMode: ModeWarp,
			SubscribeIntent: SubscribeIntent{
				CurrentGroup: 4,
				NextGroup:    5,
				StartPoint:   GroupObject{Group: 1, Object: 0},
			},
		}},
		{"post", &Post{URL: "audio/mic", TransportMode: ModeDatagram, CachePolicy: true, Start: GroupObject{Group: 2, Object: 3}}},
		{"accept", &Accept{TransportMode: ModeRush, MediaID: 42}},
		{"start_point", &StartPoint{GroupID: 1, ObjectID: 0}},
		{"fin_datagram", &FinDatagram{GroupID: 7, ObjectID: 9}},
		{"fragment", &Fragment{GroupID: 0, ObjectID: 1, NbObjectsPreviousGroup: 3, Offset: 100, ObjectLength: 300, Flags: 0, Data: []byte("hello world")}},
		{"fragment_empty", &Fragment{GroupID: 0, ObjectID: 0, Offset: 0, ObjectLength: 0, Flags: 0xFF, Data: nil}},
		{"cache_policy", &CachePolicy{Flag: true}},
		{"subscribe", &Subscribe{URLPrefix: "video/"}},
		{"notify", &Notify{URL: "video/camA"}},
		{"warp_header", &WarpHeader{MediaID: 3, GroupID: 9}},
		{"object_header", &ObjectHeader{ObjectID: 5, NbObjectsPreviousGroup: 4, Flags: 0, ObjectLength: 1024}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			enc, err := Encode(tc.msg)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, n, err := Decode(enc)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if n != len(enc) {
				t.Fatalf("consumed %d bytes, want %d", n, len(enc))
			}
			if diff := deep.Equal(tc.msg, got); diff != nil {
				t.Fatalf("round trip mismatch: %v", diff)
			}
		})
	}
}

func TestDecodeTruncatedBuffer(t *testing.T) {
	enc, err := Encode(&Request{URL: "video/camA", TransportMode: ModeStream})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for n := 0; n < len(enc); n++ {
		if _, _, err := Decode(enc[:n]); err == nil {
			t.Fatalf("expected error decoding truncated buffer of length %d", n)
		}
	}
}

func TestDecodeUnknownType(t *testing.T) {
	buf := []byte{0x00, 0x01, 0xFE}
	if _, _, err := Decode(buf); err == nil {
		t.Fatalf("expected malformed message error for unknown type")
	}
}

func TestDecodeEmptyBuffer(t *testing.T) {
	if _, _, err := Decode(nil); err == nil {
		t.Fatalf("expected error decoding empty buffer")
	}
}

func TestFragmentOffsetOverflowRejected(t *testing.T) {
	enc, err := Encode(&Fragment{GroupID: 0, ObjectID: 0, Offset: 10, ObjectLength: 12, Data: []byte("abcdefgh")})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, _, err := Decode(enc); err == nil {
		t.Fatalf("expected malformed message for offset+length exceeding object_length")
	}
}

func TestDatagramRoundTrip(t *testing.T) {
	h := &DatagramHeader{
		MediaID:                7,
		GroupID:                2,
		ObjectID:               5,
		ObjectOffset:           0,
		QueueDelay:             12,
		Flags:                  0,
		NbObjectsPreviousGroup: 3,
		ObjectLength:           11,
		Data:                   []byte("hello world"),
	}
	enc := EncodeDatagram(h)
	got, err := DecodeDatagram(enc)
	if err != nil {
		t.Fatalf("decode datagram: %v", err)
	}
	if diff := deep.Equal(h, got); diff != nil {
		t.Fatalf("datagram round trip mismatch: %v", diff)
	}
}

func TestDatagramOffsetOverflowRejected(t *testing.T) {
	h := &DatagramHeader{ObjectOffset: 10, ObjectLength: 12, Data: []byte("abcdefgh")}
	enc := EncodeDatagram(h)
	if _, err := DecodeDatagram(enc); err == nil {
		t.Fatalf("expected malformed message for datagram offset overflow")
	}
}
