package rpc

import (
	"bytes"
	"testing"

	"github.com/tinylib/msgp/msgp"
)

func TestConnStatsMarshalUnmarshal(t *testing.T) {
	want := ConnStats{
		Questions: 3,
		Exports:   1,
		Answers:   2,
		Imports:   4,
		Embargoes: 0,
	}

	b, err := want.MarshalMsg(nil)
	if err != nil {
		t.Fatalf("MarshalMsg: %v", err)
	}

	var got ConnStats
	r := msgp.NewReader(bytes.NewReader(b))
	if err := got.DecodeMsg(r); err != nil {
		t.Fatalf("DecodeMsg: %v", err)
	}
	if got != want {
		t.Errorf("DecodeMsg roundtrip = %+v; want %+v", got, want)
	}
}

func TestConnStatsEncodeMsg(t *testing.T) {
	want := ConnStats{Questions: 9, Exports: 8, Answers: 7, Imports: 6, Embargoes: 5}

	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)
	if err := want.EncodeMsg(w); err != nil {
		t.Fatalf("EncodeMsg: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	var got ConnStats
	r := msgp.NewReader(&buf)
	if err := got.DecodeMsg(r); err != nil {
		t.Fatalf("DecodeMsg: %v", err)
	}
	if got != want {
		t.Errorf("EncodeMsg/DecodeMsg roundtrip = %+v; want %+v", got, want)
	}
}

func TestConnStatsAppendsToExistingSlice(t *testing.T) {
	prefix := []byte{0xde, 0xad}
	s := ConnStats{Questions: 1}

	out, err := s.MarshalMsg(append([]byte{}, prefix...))
	if err != nil {
		t.Fatalf("MarshalMsg: %v", err)
	}
	if !bytes.HasPrefix(out, prefix) {
		t.Errorf("MarshalMsg(prefix) did not preserve prefix: %v", out)
	}

	var got ConnStats
	r := msgp.NewReader(bytes.NewReader(out[len(prefix):]))
	if err := got.DecodeMsg(r); err != nil {
		t.Fatalf("DecodeMsg: %v", err)
	}
	if got != s {
		t.Errorf("DecodeMsg after prefix = %+v; want %+v", got, s)
	}
}
