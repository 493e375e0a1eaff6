package bridge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"invokehttp/internal/protocol"
)

// Invocation is one outbound command call: the record shape the page bridge
// object hands to the script, expressed with typed fields.
type Invocation struct {
	Cmd      string
	Callback uint32
	Error    uint32
	Payload  protocol.Value
	// Headers are caller-supplied extras; protocol headers win on collision.
	Headers map[string]string
}

// Client is the Go rendition of the bridge script: same payload encoding,
// same response routing, but with an explicit callback table instead of
// page-global lookup by naming convention.
type Client struct {
	baseURL     string
	windowLabel string
	invokeKey   string
	httpClient  *http.Client

	mu        sync.Mutex
	callbacks map[uint32]func(protocol.Result)
	nextID    atomic.Uint32

	log zerolog.Logger
}

func NewClient(port int, windowLabel, invokeKey string, log zerolog.Logger) *Client {
	return &Client{
		baseURL:     fmt.Sprintf("http://127.0.0.1:%d", port),
		windowLabel: windowLabel,
		invokeKey:   invokeKey,
		httpClient:  &http.Client{},
		callbacks:   make(map[uint32]func(protocol.Result)),
		log:         log.With().Str("component", "bridge").Str("window", windowLabel).Logger(),
	}
}

// Register installs fn under a caller-chosen callback id. Ids must be unique
// for the client's lifetime until invoked; each entry fires at most once and
// is removed when it does.
func (c *Client) Register(id uint32, fn func(protocol.Result)) {
	c.mu.Lock()
	c.callbacks[id] = fn
	c.mu.Unlock()
}

// RegisterNext installs fn under a fresh id and returns it.
func (c *Client) RegisterNext(fn func(protocol.Result)) uint32 {
	id := c.nextID.Add(1)
	c.Register(id, fn)
	return id
}

// Unregister retires an id that will never fire, e.g. after abandoning a
// call. Retiring ids is the caller's job; the client only removes entries it
// has invoked.
func (c *Client) Unregister(id uint32) {
	c.mu.Lock()
	delete(c.callbacks, id)
	c.mu.Unlock()
}

// Invoke performs one request/response exchange and routes the decoded
// result to exactly one of the invocation's callbacks. Transport failures
// are routed to the error callback as text results rather than surfacing as
// unhandled errors. The returned error covers only encoding problems, where
// no request was issued and no callback fires.
func (c *Client) Invoke(ctx context.Context, inv Invocation) error {
	contentType, body, err := protocol.EncodePayload(inv.Payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/%s/%s", c.baseURL, c.windowLabel, inv.Cmd)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build invoke request: %w", err)
	}
	for k, v := range inv.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(protocol.HeaderCallback, fmt.Sprintf("%d", inv.Callback))
	req.Header.Set(protocol.HeaderError, fmt.Sprintf("%d", inv.Error))
	req.Header.Set(protocol.HeaderInvokeKey, c.invokeKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.dispatch(inv.Error, protocol.Text(fmt.Sprintf("transport error: %v", err)))
		return nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.dispatch(inv.Error, protocol.Text(fmt.Sprintf("transport error: %v", err)))
		return nil
	}

	id := inv.Error
	if resp.Header.Get(protocol.HeaderResponse) == protocol.ResponseOK {
		id = inv.Callback
	}
	c.dispatch(id, protocol.DecodeResult(resp.Header.Get("Content-Type"), respBody))
	return nil
}

// dispatch fires and retires the callback registered under id. A missing id
// is the stale-callback case: logged and dropped, never fatal.
func (c *Client) dispatch(id uint32, result protocol.Result) {
	c.mu.Lock()
	fn, ok := c.callbacks[id]
	delete(c.callbacks, id)
	c.mu.Unlock()

	if !ok {
		c.log.Warn().Uint32("callback", id).Msg("couldn't find callback, dropping response")
		return
	}
	fn(result)
}

// CommandError wraps the result delivered to the error callback when using
// the synchronous Call helper.
type CommandError struct {
	Result protocol.Result
}

func (e *CommandError) Error() string {
	switch e.Result.Kind {
	case protocol.KindText:
		return fmt.Sprintf("command failed: %s", e.Result.Text)
	case protocol.KindJSON:
		return fmt.Sprintf("command failed: %s", e.Result.Doc)
	default:
		return fmt.Sprintf("command failed with %d binary bytes", len(e.Result.Bin))
	}
}

// Call is the synchronous convenience over Invoke: it registers a fresh
// callback pair, waits for whichever fires, and unwraps the outcome.
func (c *Client) Call(ctx context.Context, cmd string, payload protocol.Value) (protocol.Result, error) {
	type outcome struct {
		result protocol.Result
		failed bool
	}
	done := make(chan outcome, 1)

	success := c.RegisterNext(func(r protocol.Result) {
		done <- outcome{result: r}
	})
	failure := c.RegisterNext(func(r protocol.Result) {
		done <- outcome{result: r, failed: true}
	})

	err := c.Invoke(ctx, Invocation{Cmd: cmd, Callback: success, Error: failure, Payload: payload})
	if err != nil {
		c.Unregister(success)
		c.Unregister(failure)
		return protocol.Result{}, err
	}

	select {
	case out := <-done:
		if out.failed {
			c.Unregister(success)
			return protocol.Result{}, &CommandError{Result: out.result}
		}
		c.Unregister(failure)
		return out.result, nil
	case <-ctx.Done():
		c.Unregister(success)
		c.Unregister(failure)
		return protocol.Result{}, ctx.Err()
	}
}
