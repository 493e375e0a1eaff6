package protocol

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// Protocol header names.
const (
	HeaderCallback  = "Tauri-Callback"
	HeaderError     = "Tauri-Error"
	HeaderInvokeKey = "Tauri-Invoke-Key"
	HeaderResponse  = "Tauri-Response"
)

// ResponseOK is the Tauri-Response value selecting the success callback;
// any other value selects the error callback.
const ResponseOK = "ok"

var (
	ErrMissingCallback = errors.New("missing Tauri-Callback header")
	ErrMissingError    = errors.New("missing Tauri-Error header")
	ErrMissingCommand  = errors.New("missing command")
)

// Envelope is the validated request envelope. It is built once at the HTTP
// boundary; downstream layers never touch raw headers.
type Envelope struct {
	WindowLabel string
	Command     string
	Callback    uint32
	Error       uint32
	InvokeKey   string
	Origin      string
	ContentType string
}

// ParseEnvelope validates the protocol headers of an incoming invoke request.
// The window label and command come from the route, not the header set.
func ParseEnvelope(r *http.Request, windowLabel, command string) (*Envelope, error) {
	if command == "" {
		return nil, ErrMissingCommand
	}
	callback, err := callbackID(r, HeaderCallback, ErrMissingCallback)
	if err != nil {
		return nil, err
	}
	errCallback, err := callbackID(r, HeaderError, ErrMissingError)
	if err != nil {
		return nil, err
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = ContentTypeJSON
	}
	return &Envelope{
		WindowLabel: windowLabel,
		Command:     command,
		Callback:    callback,
		Error:       errCallback,
		InvokeKey:   r.Header.Get(HeaderInvokeKey),
		Origin:      r.Header.Get("Origin"),
		ContentType: NormalizeContentType(contentType),
	}, nil
}

func callbackID(r *http.Request, header string, missing error) (uint32, error) {
	raw := r.Header.Get(header)
	if raw == "" {
		return 0, missing
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s header %q: %w", header, raw, err)
	}
	return uint32(id), nil
}
