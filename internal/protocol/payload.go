// Package protocol defines the wire shapes of the invoke bridge: the request
// envelope, the payload encoding shared by the page script and the Go client,
// and the tagged response result.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Content-type tokens recognized on the wire.
const (
	ContentTypeJSON   = "application/json"
	ContentTypeText   = "text/plain"
	ContentTypeBinary = "application/octet-stream"
)

// Value is a payload value. The variant set is closed: Map, Bytes, List,
// Channel and Lit cover every shape the bridge can carry.
type Value interface {
	isValue()
}

// Map is a keyed payload value. It flattens to a plain JSON object.
type Map map[string]Value

// Bytes is a byte buffer or a byte view. On its own it takes the binary wire
// shape; nested inside another value it becomes a JSON array of byte values.
type Bytes []byte

// List is a plain ordered sequence.
type List []Value

// Channel references a long-lived streaming handle by id. It is never
// serialized as an object; textual encoding replaces it with a token string.
type Channel struct {
	ID uint32
}

// Lit wraps any other JSON-able value and passes it through unchanged.
type Lit struct {
	V any
}

func (Map) isValue()     {}
func (Bytes) isValue()   {}
func (List) isValue()    {}
func (Channel) isValue() {}
func (Lit) isValue()     {}

// channelTokenPrefix tags a channel reference inside a JSON document.
const channelTokenPrefix = "__CHANNEL__:"

// ChannelMarkerField is the reserved field marking a raw channel-reference
// object before encoding.
const ChannelMarkerField = "__TAURI_CHANNEL_MARKER__"

// ChannelToken renders the textual form of a channel reference.
func ChannelToken(id uint32) string {
	return fmt.Sprintf("%s%d", channelTokenPrefix, id)
}

// ParseChannelToken reports whether s is a channel token and, if so, the id
// it carries.
func ParseChannelToken(s string) (uint32, bool) {
	rest, ok := strings.CutPrefix(s, channelTokenPrefix)
	if !ok {
		return 0, false
	}
	var id uint32
	if _, err := fmt.Sscanf(rest, "%d", &id); err != nil || fmt.Sprintf("%d", id) != rest {
		return 0, false
	}
	return id, true
}

// EncodePayload maps a payload value to exactly one of the two wire shapes.
// Bytes, and Lists made entirely of byte-valued integers, take the binary
// shape with the body passed through as raw bytes; everything else is a JSON
// document produced by the structural transform.
func EncodePayload(v Value) (contentType string, body []byte, err error) {
	switch t := v.(type) {
	case Bytes:
		return ContentTypeBinary, []byte(t), nil
	case List:
		if raw, ok := byteSequence(t); ok {
			return ContentTypeBinary, raw, nil
		}
	}
	doc, err := json.Marshal(transform(v))
	if err != nil {
		return "", nil, fmt.Errorf("encode payload: %w", err)
	}
	return ContentTypeJSON, doc, nil
}

// byteSequence flattens a list to raw bytes when every element is an integer
// literal in 0..255. Any other list is not binary-capable.
func byteSequence(l List) ([]byte, bool) {
	out := make([]byte, len(l))
	for i, e := range l {
		lit, ok := e.(Lit)
		if !ok {
			return nil, false
		}
		b, ok := byteValue(lit.V)
		if !ok {
			return nil, false
		}
		out[i] = b
	}
	return out, true
}

func byteValue(v any) (byte, bool) {
	var n int64
	switch t := v.(type) {
	case int:
		n = int64(t)
	case int8:
		n = int64(t)
	case int16:
		n = int64(t)
	case int32:
		n = int64(t)
	case int64:
		n = t
	case uint:
		n = int64(t)
	case uint8:
		n = int64(t)
	case uint16:
		n = int64(t)
	case uint32:
		n = int64(t)
	case uint64:
		n = int64(t)
	case float64:
		if t != float64(int64(t)) {
			return 0, false
		}
		n = int64(t)
	default:
		return 0, false
	}
	if n < 0 || n > 255 {
		return 0, false
	}
	return byte(n), true
}

// transform is the pure structural transform applied during textual encoding:
// maps flatten to objects, byte sequences become numeric arrays, channel
// references become token strings, everything else passes through.
func transform(v Value) any {
	switch t := v.(type) {
	case nil:
		return nil
	case Map:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = transform(e)
		}
		return m
	case Bytes:
		arr := make([]int, len(t))
		for i, b := range t {
			arr[i] = int(b)
		}
		return arr
	case List:
		arr := make([]any, len(t))
		for i, e := range t {
			arr[i] = transform(e)
		}
		return arr
	case Channel:
		return ChannelToken(t.ID)
	case Lit:
		return t.V
	default:
		return nil
	}
}

// Body is a decoded request payload: either a parsed JSON document or raw
// bytes, mirroring the two wire shapes.
type Body struct {
	// IsRaw selects between the two forms.
	IsRaw bool
	// Raw holds the exact request bytes. For JSON bodies it is the original
	// document text, kept so handlers can unmarshal into typed arguments.
	Raw []byte
	// JSON is the parsed document when IsRaw is false.
	JSON any
}

// DecodeBody reverses EncodePayload on the server side. Channel tokens inside
// JSON documents are left intact for the dispatch layer to resolve.
func DecodeBody(contentType string, body []byte) (Body, error) {
	if NormalizeContentType(contentType) != ContentTypeJSON {
		return Body{IsRaw: true, Raw: body}, nil
	}
	var doc any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &doc); err != nil {
			return Body{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	return Body{Raw: body, JSON: doc}, nil
}

// NormalizeContentType keeps only the portion before the first comma,
// tolerating platforms that duplicate the content-type header value.
func NormalizeContentType(ct string) string {
	if i := strings.IndexByte(ct, ','); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}
