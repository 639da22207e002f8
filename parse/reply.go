// Package parse implements the wire codec shared by every link to a
// backend instance: encoding outbound requests and parsing inbound
// replies into a typed tree. It is the proxy's translation of RESP.
package parse

import "fmt"

// Type identifies the variant of a Reply.
type Type int

const (
	TypeString Type = iota
	TypeError
	TypeStatus
	TypeInteger
	TypeNil
	TypeArray
)

// Reply is a tagged RESP reply tree. Str holds the payload for String,
// Error and Status. Int holds the payload for Integer. Array holds the
// ordered children for Array; an Array element may itself be a Nil
// Reply.
type Reply struct {
	Type  Type
	Str   []byte
	Int   int64
	Array []*Reply
}

func NewString(b []byte) *Reply  { return &Reply{Type: TypeString, Str: b} }
func NewError(b []byte) *Reply   { return &Reply{Type: TypeError, Str: b} }
func NewStatus(b []byte) *Reply  { return &Reply{Type: TypeStatus, Str: b} }
func NewInteger(n int64) *Reply  { return &Reply{Type: TypeInteger, Int: n} }
func NewNil() *Reply             { return &Reply{Type: TypeNil} }
func NewArray(r []*Reply) *Reply { return &Reply{Type: TypeArray, Array: r} }

// ErrorString returns the reply's error text, or "" if it is not an
// error. Callers use this to inspect a reply for MOVED/ASK prefixes
// without knowing the reply's type ahead of time.
func (r *Reply) ErrorString() string {
	if r == nil || r.Type != TypeError {
		return ""
	}
	return string(r.Str)
}

func (r *Reply) IsError() bool { return r != nil && r.Type == TypeError }

func (r *Reply) String() string {
	if r == nil {
		return "<nil reply>"
	}
	switch r.Type {
	case TypeString:
		return fmt.Sprintf("string(%q)", r.Str)
	case TypeError:
		return fmt.Sprintf("error(%q)", r.Str)
	case TypeStatus:
		return fmt.Sprintf("status(%q)", r.Str)
	case TypeInteger:
		return fmt.Sprintf("integer(%d)", r.Int)
	case TypeNil:
		return "nil"
	case TypeArray:
		return fmt.Sprintf("array(%d)", len(r.Array))
	default:
		return "unknown"
	}
}

// Bytes renders the reply as wire bytes. It is used both to flush a
// backend's reply straight to a client and to build locally-synthesized
// replies (PING, errors, coalesced fan-out results).
func (r *Reply) Bytes() []byte {
	var buf []byte
	r.appendTo(&buf)
	return buf
}

func (r *Reply) appendTo(buf *[]byte) {
	if r == nil {
		*buf = append(*buf, "$-1\r\n"...)
		return
	}
	switch r.Type {
	case TypeString:
		var hdr [1 + 20 + 2]byte
		hdr[0] = '$'
		l := appendInt(hdr[1:], int64(len(r.Str)))
		hdr[1+l], hdr[1+l+1] = '\r', '\n'
		*buf = append(*buf, hdr[:1+l+2]...)
		*buf = append(*buf, r.Str...)
		*buf = append(*buf, '\r', '\n')
	case TypeError:
		*buf = append(*buf, '-')
		*buf = append(*buf, r.Str...)
		*buf = append(*buf, '\r', '\n')
	case TypeStatus:
		*buf = append(*buf, '+')
		*buf = append(*buf, r.Str...)
		*buf = append(*buf, '\r', '\n')
	case TypeInteger:
		var hdr [1 + 20 + 2]byte
		hdr[0] = ':'
		l := appendInt(hdr[1:], r.Int)
		hdr[1+l], hdr[1+l+1] = '\r', '\n'
		*buf = append(*buf, hdr[:1+l+2]...)
	case TypeNil:
		*buf = append(*buf, "$-1\r\n"...)
	case TypeArray:
		var hdr [1 + 20 + 2]byte
		hdr[0] = '*'
		l := appendInt(hdr[1:], int64(len(r.Array)))
		hdr[1+l], hdr[1+l+1] = '\r', '\n'
		*buf = append(*buf, hdr[:1+l+2]...)
		for _, child := range r.Array {
			child.appendTo(buf)
		}
	}
}
