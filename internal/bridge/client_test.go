package bridge

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"invokehttp/internal/protocol"
)

// stubResponder records the last request and plays back a canned response.
type stubResponder struct {
	mu       sync.Mutex
	lastPath string
	lastReq  *http.Request
	lastBody []byte

	status      string
	contentType string
	body        []byte
}

func (s *stubResponder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.lastPath = r.URL.Path
	s.lastReq = r.Clone(context.Background())
	s.lastBody = body
	s.mu.Unlock()

	w.Header().Set(protocol.HeaderResponse, s.status)
	w.Header().Set("Content-Type", s.contentType)
	w.Write(s.body)
}

func newTestClient(t *testing.T, stub *stubResponder) (*Client, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(stub)
	t.Cleanup(ts.Close)

	_, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort() error = %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return NewClient(port, "main", "sekrit", zerolog.Nop()), ts
}

func TestInvokeSuccessCallback(t *testing.T) {
	stub := &stubResponder{status: "ok", contentType: protocol.ContentTypeText, body: []byte("done")}
	c, _ := newTestClient(t, stub)

	var got protocol.Result
	var successCount, errorCount int
	c.Register(1, func(r protocol.Result) { successCount++; got = r })
	c.Register(2, func(r protocol.Result) { errorCount++ })

	err := c.Invoke(context.Background(), Invocation{
		Cmd:      "Greet",
		Callback: 1,
		Error:    2,
		Payload:  protocol.Map{"name": protocol.Lit{V: "Ada"}},
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if successCount != 1 || errorCount != 0 {
		t.Fatalf("callbacks fired %d/%d times, want 1/0", successCount, errorCount)
	}
	if got.Kind != protocol.KindText || got.Text != "done" {
		t.Errorf("result = %+v", got)
	}
	if stub.lastPath != "/main/Greet" {
		t.Errorf("path = %q", stub.lastPath)
	}
	if string(stub.lastBody) != `{"name":"Ada"}` {
		t.Errorf("body = %s", stub.lastBody)
	}
	if got := stub.lastReq.Header.Get(protocol.HeaderInvokeKey); got != "sekrit" {
		t.Errorf("invoke key header = %q", got)
	}
}

func TestInvokeErrorCallback(t *testing.T) {
	stub := &stubResponder{status: "error", contentType: protocol.ContentTypeJSON, body: []byte(`{"code":1}`)}
	c, _ := newTestClient(t, stub)

	var got protocol.Result
	var successCount, errorCount int
	c.Register(1, func(r protocol.Result) { successCount++ })
	c.Register(2, func(r protocol.Result) { errorCount++; got = r })

	if err := c.Invoke(context.Background(), Invocation{Cmd: "Fail", Callback: 1, Error: 2}); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if successCount != 0 || errorCount != 1 {
		t.Fatalf("callbacks fired %d/%d times, want 0/1", successCount, errorCount)
	}
	var out struct {
		Code int `json:"code"`
	}
	if err := got.Unmarshal(&out); err != nil || out.Code != 1 {
		t.Errorf("error result = %+v (%v)", got, err)
	}
}

func TestInvokeBinaryPayloadPassthrough(t *testing.T) {
	stub := &stubResponder{status: "ok", contentType: protocol.ContentTypeJSON, body: []byte("null")}
	c, _ := newTestClient(t, stub)

	raw := []byte{1, 2, 3, 4}
	c.Register(1, func(protocol.Result) {})
	c.Register(2, func(protocol.Result) {})
	if err := c.Invoke(context.Background(), Invocation{Cmd: "Reverse", Callback: 1, Error: 2, Payload: protocol.Bytes(raw)}); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if ct := stub.lastReq.Header.Get("Content-Type"); ct != protocol.ContentTypeBinary {
		t.Errorf("content type = %q", ct)
	}
	if !bytes.Equal(stub.lastBody, raw) {
		t.Errorf("body = %v, want %v", stub.lastBody, raw)
	}
}

func TestInvokeHeaderMerge(t *testing.T) {
	stub := &stubResponder{status: "ok", contentType: protocol.ContentTypeText, body: nil}
	c, _ := newTestClient(t, stub)

	c.Register(1, func(protocol.Result) {})
	c.Register(2, func(protocol.Result) {})
	err := c.Invoke(context.Background(), Invocation{
		Cmd:      "Greet",
		Callback: 1,
		Error:    2,
		Headers: map[string]string{
			"X-Custom":         "yes",
			"Tauri-Invoke-Key": "spoofed",
		},
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if got := stub.lastReq.Header.Get("X-Custom"); got != "yes" {
		t.Errorf("extra header = %q", got)
	}
	// protocol-mandated headers win on key collision
	if got := stub.lastReq.Header.Get(protocol.HeaderInvokeKey); got != "sekrit" {
		t.Errorf("invoke key header = %q, want protocol value", got)
	}
}

func TestInvokeTransportErrorRoutesToErrorCallback(t *testing.T) {
	c := NewClient(1, "main", "sekrit", zerolog.Nop()) // nothing listens on port 1

	var successCount, errorCount int
	var got protocol.Result
	c.Register(1, func(protocol.Result) { successCount++ })
	c.Register(2, func(r protocol.Result) { errorCount++; got = r })

	if err := c.Invoke(context.Background(), Invocation{Cmd: "Greet", Callback: 1, Error: 2}); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if successCount != 0 || errorCount != 1 {
		t.Fatalf("callbacks fired %d/%d times, want 0/1", successCount, errorCount)
	}
	if got.Kind != protocol.KindText {
		t.Errorf("transport failure result = %+v, want text", got)
	}
}

func TestStaleCallbackDropsSilently(t *testing.T) {
	stub := &stubResponder{status: "ok", contentType: protocol.ContentTypeText, body: []byte("late")}
	c, _ := newTestClient(t, stub)

	// nothing registered under either id: the exchange completes and the
	// response is discarded
	if err := c.Invoke(context.Background(), Invocation{Cmd: "Greet", Callback: 99, Error: 100}); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
}

func TestCallbackFiresAtMostOnce(t *testing.T) {
	stub := &stubResponder{status: "ok", contentType: protocol.ContentTypeText, body: []byte("x")}
	c, _ := newTestClient(t, stub)

	count := 0
	c.Register(5, func(protocol.Result) { count++ })
	c.Register(6, func(protocol.Result) {})

	inv := Invocation{Cmd: "Greet", Callback: 5, Error: 6}
	if err := c.Invoke(context.Background(), inv); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	// second identical exchange: id 5 was retired, so this is the stale case
	if err := c.Invoke(context.Background(), inv); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if count != 1 {
		t.Errorf("callback fired %d times, want 1", count)
	}
}

func TestConcurrentInvocations(t *testing.T) {
	stub := &stubResponder{status: "ok", contentType: protocol.ContentTypeText, body: []byte("x")}
	c, _ := newTestClient(t, stub)

	const n = 16
	var mu sync.Mutex
	fired := make(map[uint32]int)

	var wg sync.WaitGroup
	for i := uint32(0); i < n; i++ {
		success := 1000 + i*2
		failure := success + 1
		id := success
		c.Register(success, func(protocol.Result) {
			mu.Lock()
			fired[id]++
			mu.Unlock()
		})
		c.Register(failure, func(protocol.Result) {
			t.Errorf("error callback %d fired", failure)
		})

		wg.Add(1)
		go func(success, failure uint32) {
			defer wg.Done()
			if err := c.Invoke(context.Background(), Invocation{Cmd: "Greet", Callback: success, Error: failure}); err != nil {
				t.Errorf("Invoke() error = %v", err)
			}
		}(success, failure)
	}
	wg.Wait()

	if len(fired) != n {
		t.Fatalf("%d callbacks fired, want %d", len(fired), n)
	}
	for id, count := range fired {
		if count != 1 {
			t.Errorf("callback %d fired %d times", id, count)
		}
	}
}

func TestCall(t *testing.T) {
	stub := &stubResponder{status: "ok", contentType: protocol.ContentTypeText, body: []byte("done")}
	c, _ := newTestClient(t, stub)

	result, err := c.Call(context.Background(), "Greet", nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if result.Text != "done" {
		t.Errorf("result = %+v", result)
	}

	stub.status = "error"
	stub.contentType = protocol.ContentTypeJSON
	stub.body = []byte(`{"code":1}`)
	if _, err := c.Call(context.Background(), "Fail", nil); err == nil {
		t.Error("Call() on failed command returned nil error")
	}
}
