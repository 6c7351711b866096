package rpc

import (
	"io"

	"github.com/tinylib/msgp/msgp"
)

// ConnStats is a point-in-time snapshot of a connection's table sizes,
// for diagnostics and tests. It has no bearing on protocol behavior.
type ConnStats struct {
	Questions uint32
	Exports   uint32
	Answers   uint32
	Imports   uint32
	Embargoes uint32
}

// Stats returns a snapshot of c's table occupancy.
func (c *Conn) Stats() ConnStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s ConnStats
	for _, q := range c.questions {
		if q != nil {
			s.Questions++
		}
	}
	for _, e := range c.exports {
		if e != nil {
			s.Exports++
		}
	}
	s.Answers = uint32(len(c.answers))
	s.Imports = uint32(len(c.imports))
	s.Embargoes = uint32(len(c.embargoes))
	return s
}

// EncodeMsg writes s in MessagePack form, following the same
// hand-written shape tinylib/msgp generates for a five-field struct:
// a fixmap header followed by each field's key and value.
func (s ConnStats) EncodeMsg(w *msgp.Writer) error {
	if err := w.WriteMapHeader(5); err != nil {
		return err
	}
	fields := []struct {
		name string
		val  uint32
	}{
		{"Questions", s.Questions},
		{"Exports", s.Exports},
		{"Answers", s.Answers},
		{"Imports", s.Imports},
		{"Embargoes", s.Embargoes},
	}
	for _, f := range fields {
		if err := w.WriteString(f.name); err != nil {
			return err
		}
		if err := w.WriteUint32(f.val); err != nil {
			return err
		}
	}
	return nil
}

// MarshalMsg appends the MessagePack encoding of s to b.
func (s ConnStats) MarshalMsg(b []byte) ([]byte, error) {
	var buf []byte
	w := msgp.NewWriter(sliceWriter{&buf})
	if err := s.EncodeMsg(w); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return append(b, buf...), nil
}

// DecodeMsg reads a ConnStats previously written by EncodeMsg.
func (s *ConnStats) DecodeMsg(r *msgp.Reader) error {
	n, err := r.ReadMapHeader()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		key, err := r.ReadString()
		if err != nil {
			return err
		}
		val, err := r.ReadUint32()
		if err != nil {
			return err
		}
		switch key {
		case "Questions":
			s.Questions = val
		case "Exports":
			s.Exports = val
		case "Answers":
			s.Answers = val
		case "Imports":
			s.Imports = val
		case "Embargoes":
			s.Embargoes = val
		}
	}
	return nil
}

// sliceWriter adapts a *[]byte to io.Writer for msgp.NewWriter, since
// msgp's Writer only buffers onto an io.Writer rather than exposing a
// direct append-to-slice constructor.
type sliceWriter struct {
	buf *[]byte
}

func (w sliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}

var _ io.Writer = sliceWriter{}
