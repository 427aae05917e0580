package protocol_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/hid-io/hidiod/protocol"
)

func ExampleEncodeBuffer_sync() {
	raw, _ := protocol.EncodeBuffer(protocol.PacketBuffer{
		Ptype: protocol.TypeSync,
		Done:  true,
	})
	fmt.Printf("% X\n", raw)
	// Output: 60
}

func TestRoundTripHandleableTypes(t *testing.T) {
	ptypes := []protocol.PacketType{
		protocol.TypeData,
		protocol.TypeAck,
		protocol.TypeNak,
		protocol.TypeNaData,
	}
	payloads := [][]byte{
		nil,
		{0x48, 0x49},
		bytes.Repeat([]byte{0xA5}, 200), // forces continuations at max_len 64
	}
	ids := []uint32{0x02, 0x0050, 0x12345}
	for _, ptype := range ptypes {
		for _, id := range ids {
			for _, payload := range payloads {
				in := protocol.PacketBuffer{
					Ptype:  ptype,
					Id:     id,
					MaxLen: 64,
					Data:   payload,
					Done:   true,
				}
				raw, err := protocol.EncodeBuffer(in)
				if err != nil {
					t.Fatalf("%v id:%#x len:%d encode: %v", ptype, id, len(payload), err)
				}
				out, err := protocol.DecodeFull(raw, 1024)
				if err != nil {
					t.Fatalf("%v id:%#x len:%d decode: %v", ptype, id, len(payload), err)
				}
				if out.Ptype != in.Ptype || out.Id != in.Id || !out.Done {
					t.Errorf("%v id:%#x: got %v id:%#x done:%v", ptype, id, out.Ptype, out.Id, out.Done)
				}
				if !bytes.Equal(out.Data, in.Data) {
					t.Errorf("%v id:%#x: payload mismatch: % X != % X", ptype, id, out.Data, in.Data)
				}
			}
		}
	}
}

// Feeding the encoded form one byte at a time must produce exactly one
// completed packet and leave no residual bytes.
func TestDecodeArbitraryBoundaries(t *testing.T) {
	in := protocol.PacketBuffer{
		Ptype:  protocol.TypeData,
		Id:     0x17,
		MaxLen: 16,
		Data:   []byte("hello world and more"),
		Done:   true,
	}
	raw, err := protocol.EncodeBuffer(in)
	if err != nil {
		t.Fatal(err)
	}

	dec := protocol.NewDecoder(1024)
	buf := protocol.PacketBuffer{MaxLen: 16}
	completions := 0
	for i := 0; i < len(raw); i++ {
		n, err := dec.Decode(raw[i:i+1], &buf)
		if err != nil {
			t.Fatalf("byte %d: %v", i, err)
		}
		if n != 1 {
			t.Fatalf("byte %d: consumed %d", i, n)
		}
		if buf.Done {
			completions++
		}
	}
	if completions != 1 {
		t.Fatalf("expected exactly one completion, got %d", completions)
	}
	if string(buf.Data) != "hello world and more" {
		t.Errorf("reassembled %q", buf.Data)
	}
}

// A payload over the transmission budget splits into a head packet plus
// continuations that reassemble byte-identically.
func TestChunkedUnicodeText(t *testing.T) {
	text := "hello world and more"
	in := protocol.PacketBuffer{
		Ptype:  protocol.TypeData,
		Id:     0x17,
		MaxLen: 10,
		Data:   []byte(text),
		Done:   true,
	}
	raw, err := protocol.EncodeBuffer(in)
	if err != nil {
		t.Fatal(err)
	}
	// head packet is exactly max_len; every packet restates the id
	if raw[0]>>5 != byte(protocol.TypeData) {
		t.Fatalf("head ptype %d", raw[0]>>5)
	}
	if raw[0]&(1<<4) == 0 {
		t.Fatal("head packet should set the continuation bit")
	}
	if raw[10]>>5 != byte(protocol.TypeContinued) {
		t.Fatalf("second packet ptype %d, want Continued", raw[10]>>5)
	}

	out, err := protocol.DecodeFull(raw, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if string(out.Data) != text {
		t.Errorf("reassembled %q", out.Data)
	}
}

// NaData payloads continue as NaContinued, preserving the no-ack property.
func TestNaDataContinuation(t *testing.T) {
	in := protocol.PacketBuffer{
		Ptype:  protocol.TypeNaData,
		Id:     0x34,
		MaxLen: 10,
		Data:   bytes.Repeat([]byte{0x42}, 30),
		Done:   true,
	}
	raw, err := protocol.EncodeBuffer(in)
	if err != nil {
		t.Fatal(err)
	}
	if raw[10]>>5 != byte(protocol.TypeNaContinued) {
		t.Fatalf("second packet ptype %d, want NaContinued", raw[10]>>5)
	}
	out, err := protocol.DecodeFull(raw, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if out.Ptype != protocol.TypeNaData || !bytes.Equal(out.Data, in.Data) {
		t.Errorf("got %v len:%d", out.Ptype, len(out.Data))
	}
}

// A sync arriving between fragments wipes the partial buffer without error.
func TestSyncResetsAssembly(t *testing.T) {
	head := protocol.PacketBuffer{
		Ptype:  protocol.TypeData,
		Id:     0x02,
		MaxLen: 10,
		Data:   bytes.Repeat([]byte{0x11}, 30),
		Done:   true,
	}
	raw, err := protocol.EncodeBuffer(head)
	if err != nil {
		t.Fatal(err)
	}

	dec := protocol.NewDecoder(1024)
	buf := protocol.PacketBuffer{MaxLen: 10}
	// feed only the head packet (first 10 bytes): assembly now in progress
	if _, err := dec.Decode(raw[:10], &buf); err != nil {
		t.Fatal(err)
	}
	if buf.Done || len(buf.Data) == 0 {
		t.Fatalf("expected partial assembly, done:%v len:%d", buf.Done, len(buf.Data))
	}

	// stray sync: buffer clears, no error
	sync, _ := protocol.EncodeBuffer(protocol.PacketBuffer{Ptype: protocol.TypeSync, Done: true})
	if _, err := dec.Decode(sync, &buf); err != nil {
		t.Fatalf("sync mid-assembly errored: %v", err)
	}
	if buf.Ptype != protocol.TypeSync || !buf.Done || len(buf.Data) != 0 {
		t.Fatalf("expected clean sync packet, got %v done:%v len:%d", buf.Ptype, buf.Done, len(buf.Data))
	}

	// a fresh packet decodes normally afterwards
	fresh := protocol.PacketBuffer{
		Ptype:  protocol.TypeData,
		Id:     0x02,
		MaxLen: 10,
		Data:   []byte{0xAA},
		Done:   true,
	}
	rawFresh, _ := protocol.EncodeBuffer(fresh)
	buf = protocol.PacketBuffer{MaxLen: 10}
	if _, err := dec.Decode(rawFresh, &buf); err != nil {
		t.Fatal(err)
	}
	if !buf.Done || !bytes.Equal(buf.Data, []byte{0xAA}) {
		t.Fatalf("fresh packet not handled: done:%v data:% X", buf.Done, buf.Data)
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		name string
		raw  []byte
		want error
	}{
		{"invalid ptype", []byte{0xE0, 0x00}, protocol.ErrInvalidPacketType},
		{"invalid id width", []byte{0x0C, 0x01, 0x02}, protocol.ErrInvalidIdWidth},
		{"length below id width", []byte{0x04, 0x01, 0x02, 0x00, 0x00}, protocol.ErrShortHeader},
	}
	for _, tc := range cases {
		dec := protocol.NewDecoder(64)
		buf := protocol.PacketBuffer{MaxLen: 64}
		var err error
		rest := tc.raw
		for len(rest) > 0 && err == nil {
			var n int
			n, err = dec.Decode(rest, &buf)
			rest = rest[n:]
			if n == 0 && err == nil {
				break
			}
		}
		if err != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestDecodeContinuationMismatch(t *testing.T) {
	// a continuation for id 0x03 after a head packet for id 0x02
	head := protocol.PacketBuffer{Ptype: protocol.TypeData, Id: 0x02, MaxLen: 10, Data: bytes.Repeat([]byte{1}, 20), Done: true}
	raw, _ := protocol.EncodeBuffer(head)
	other := protocol.PacketBuffer{Ptype: protocol.TypeData, Id: 0x03, MaxLen: 10, Data: bytes.Repeat([]byte{2}, 20), Done: true}
	rawOther, _ := protocol.EncodeBuffer(other)

	dec := protocol.NewDecoder(1024)
	buf := protocol.PacketBuffer{MaxLen: 10}
	if _, err := dec.Decode(raw[:10], &buf); err != nil {
		t.Fatal(err)
	}
	if _, err := dec.Decode(rawOther[10:], &buf); err != protocol.ErrContinuationMismatch {
		t.Errorf("got %v, want ErrContinuationMismatch", err)
	}
}

func TestDecodePayloadTooLarge(t *testing.T) {
	in := protocol.PacketBuffer{Ptype: protocol.TypeData, Id: 0x02, MaxLen: 64, Data: bytes.Repeat([]byte{1}, 50), Done: true}
	raw, _ := protocol.EncodeBuffer(in)
	if _, err := protocol.DecodeFull(raw, 10); err != protocol.ErrPayloadTooLarge {
		t.Errorf("got %v, want ErrPayloadTooLarge", err)
	}
}

func TestSerializedLenMatchesEncoding(t *testing.T) {
	for _, n := range []int{0, 1, 7, 8, 61, 62, 100, 500} {
		in := protocol.PacketBuffer{
			Ptype:  protocol.TypeData,
			Id:     0x21,
			MaxLen: 64,
			Data:   bytes.Repeat([]byte{9}, n),
			Done:   true,
		}
		raw, err := protocol.EncodeBuffer(in)
		if err != nil {
			t.Fatal(err)
		}
		want, err := protocol.SerializedLen(in)
		if err != nil {
			t.Fatal(err)
		}
		if len(raw) != want {
			t.Errorf("len %d: encoded %d, SerializedLen %d", n, len(raw), want)
		}
	}
}

func TestEncodeMaxLenTooSmall(t *testing.T) {
	in := protocol.PacketBuffer{Ptype: protocol.TypeData, Id: 0x02, MaxLen: 3, Data: []byte{1}, Done: true}
	if _, err := protocol.EncodeBuffer(in); err != protocol.ErrMaxLenTooSmall {
		t.Errorf("got %v, want ErrMaxLenTooSmall", err)
	}
}
