package protocol

import (
	"encoding/json"
	"fmt"
)

// ResultKind tags the three response body shapes.
type ResultKind int

const (
	KindJSON ResultKind = iota
	KindText
	KindBinary
)

func (k ResultKind) String() string {
	switch k {
	case KindJSON:
		return "json"
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	default:
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
}

// Result is a decoded response body. Exactly one of Doc, Text or Bin is
// meaningful, selected by Kind.
type Result struct {
	Kind ResultKind
	Doc  json.RawMessage
	Text string
	Bin  []byte
}

// JSON builds a JSON result from any marshal-able value.
func JSON(v any) (Result, error) {
	doc, err := json.Marshal(v)
	if err != nil {
		return Result{}, fmt.Errorf("encode result: %w", err)
	}
	return Result{Kind: KindJSON, Doc: doc}, nil
}

// RawJSON wraps an already-encoded JSON document.
func RawJSON(doc []byte) Result {
	return Result{Kind: KindJSON, Doc: doc}
}

// Text builds a plain-text result.
func Text(s string) Result {
	return Result{Kind: KindText, Text: s}
}

// Binary builds a raw-bytes result.
func Binary(b []byte) Result {
	return Result{Kind: KindBinary, Bin: b}
}

// ContentType is the wire content-type token for the result's shape.
func (r Result) ContentType() string {
	switch r.Kind {
	case KindText:
		return ContentTypeText
	case KindBinary:
		return ContentTypeBinary
	default:
		return ContentTypeJSON
	}
}

// Body is the encoded response body. Symmetric with DecodeResult.
func (r Result) Body() []byte {
	switch r.Kind {
	case KindText:
		return []byte(r.Text)
	case KindBinary:
		return r.Bin
	default:
		return r.Doc
	}
}

// Unmarshal decodes a JSON result into v. It fails on the other kinds.
func (r Result) Unmarshal(v any) error {
	if r.Kind != KindJSON {
		return fmt.Errorf("result is %s, not json", r.Kind)
	}
	return json.Unmarshal(r.Doc, v)
}

// DecodeResult reverses the response encoding: json content types parse as
// documents, text/plain reads as a string, anything else is raw binary. The
// content type is normalized for duplicated header values before matching.
func DecodeResult(contentType string, body []byte) Result {
	switch NormalizeContentType(contentType) {
	case ContentTypeJSON:
		return RawJSON(body)
	case ContentTypeText:
		return Text(string(body))
	default:
		return Binary(body)
	}
}
