// Package dispatch routes decoded invoke requests to native command
// handlers. A Registry maps window labels to routers; a Router maps command
// names to handlers, either registered explicitly or bound by reflection
// over an application struct's exported methods.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"sync"
	"time"

	"invokehttp/internal/channel"
	"invokehttp/internal/protocol"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrTimeout        = errors.New("command dispatch timed out")
)

// DefaultTimeout bounds a single command execution unless the router is
// configured otherwise.
const DefaultTimeout = 30 * time.Second

// Caller identifies the originating exchange for handlers that care.
type Caller struct {
	WindowLabel string
	Callback    uint32
	Error       uint32
}

// HandlerFunc executes one command against a decoded payload.
type HandlerFunc func(ctx context.Context, call *Caller, body protocol.Body) (protocol.Result, error)

// Failure is a handler error carrying a structured value for the error
// callback; plain errors surface as their message string.
type Failure struct {
	Value any
}

func (f *Failure) Error() string {
	return fmt.Sprintf("command failed: %v", f.Value)
}

// Router dispatches commands within one window context.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	hub      channel.Broadcaster
	timeout  time.Duration
}

func NewRouter(hub channel.Broadcaster) *Router {
	return &Router{
		handlers: make(map[string]HandlerFunc),
		hub:      hub,
		timeout:  DefaultTimeout,
	}
}

// SetTimeout overrides the per-command execution bound.
func (r *Router) SetTimeout(d time.Duration) {
	if d > 0 {
		r.timeout = d
	}
}

// Handle registers an explicit handler under cmd.
func (r *Router) Handle(cmd string, h HandlerFunc) {
	r.mu.Lock()
	r.handlers[cmd] = h
	r.mu.Unlock()
}

// Has reports whether cmd is registered, letting the responder reject
// unknown commands at the routing layer before any dispatch.
func (r *Router) Has(cmd string) bool {
	r.mu.RLock()
	_, ok := r.handlers[cmd]
	r.mu.RUnlock()
	return ok
}

// Commands lists the registered command names.
func (r *Router) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Dispatch runs cmd with a bounded execution time. Handler panics and
// timeouts come back as errors; the caller shapes them into the error
// response, never a dropped connection.
func (r *Router) Dispatch(ctx context.Context, call *Caller, cmd string, body protocol.Body) (protocol.Result, error) {
	r.mu.RLock()
	h, ok := r.handlers[cmd]
	timeout := r.timeout
	r.mu.RUnlock()
	if !ok {
		return protocol.Result{}, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result protocol.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("command %s panicked: %v\n%s", cmd, rec, debug.Stack())}
			}
		}()
		result, err := h(ctx, call, body)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return protocol.Result{}, fmt.Errorf("%w: %s after %s", ErrTimeout, cmd, timeout)
	}
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	callerType  = reflect.TypeOf((*Caller)(nil))
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	resultType  = reflect.TypeOf(protocol.Result{})
	bytesType   = reflect.TypeOf([]byte(nil))
	senderType  = reflect.TypeOf((*channel.Sender)(nil))
)

// Bind registers every exported method of app as a command named after the
// method. Supported shapes: optional leading context.Context, optional
// *Caller, then at most one payload parameter ([]byte receives the raw
// body, anything else unmarshals from the JSON document); returns of
// (T, error), error, T or nothing. Methods named in skip, and methods with
// unsupported shapes, are left unbound.
func (r *Router) Bind(app any, skip ...string) {
	skipped := make(map[string]bool, len(skip))
	for _, name := range skip {
		skipped[name] = true
	}

	appValue := reflect.ValueOf(app)
	appType := appValue.Type()
	for i := 0; i < appType.NumMethod(); i++ {
		method := appType.Method(i)
		if !method.IsExported() || skipped[method.Name] {
			continue
		}
		if h, ok := r.bindMethod(appValue, method); ok {
			r.Handle(method.Name, h)
		}
	}
}

func (r *Router) bindMethod(app reflect.Value, method reflect.Method) (HandlerFunc, bool) {
	mt := method.Type

	in := 1 // receiver
	wantsCtx := in < mt.NumIn() && mt.In(in) == contextType
	if wantsCtx {
		in++
	}
	wantsCaller := in < mt.NumIn() && mt.In(in) == callerType
	if wantsCaller {
		in++
	}
	var payloadType reflect.Type
	if in < mt.NumIn() {
		payloadType = mt.In(in)
		in++
	}
	if in != mt.NumIn() || mt.NumOut() > 2 || mt.IsVariadic() {
		return nil, false
	}
	if mt.NumOut() == 2 && mt.Out(1) != errorType {
		return nil, false
	}

	hub := r.hub
	return func(ctx context.Context, call *Caller, body protocol.Body) (protocol.Result, error) {
		args := []reflect.Value{app}
		if wantsCtx {
			args = append(args, reflect.ValueOf(ctx))
		}
		if wantsCaller {
			args = append(args, reflect.ValueOf(call))
		}
		if payloadType != nil {
			arg, err := decodeArg(payloadType, body)
			if err != nil {
				return protocol.Result{}, err
			}
			bindSenders(arg, hub, call.WindowLabel)
			args = append(args, arg)
		}
		return mapResults(method.Func.Call(args))
	}, true
}

// decodeArg converts the wire body to the handler's parameter type. Binary
// commands take []byte and receive the raw bytes; everything else
// unmarshals from the JSON document.
func decodeArg(t reflect.Type, body protocol.Body) (reflect.Value, error) {
	if t == bytesType {
		return reflect.ValueOf(body.Raw).Convert(t), nil
	}
	if body.IsRaw {
		return reflect.Value{}, fmt.Errorf("binary payload for non-binary command parameter %s", t)
	}
	ptr := reflect.New(t)
	if len(body.Raw) > 0 {
		if err := json.Unmarshal(body.Raw, ptr.Interface()); err != nil {
			return reflect.Value{}, fmt.Errorf("decode arguments: %w", err)
		}
	}
	return ptr.Elem(), nil
}

// bindSenders attaches any decoded channel senders to the hub so sends reach
// the originating window.
func bindSenders(v reflect.Value, hub channel.Broadcaster, windowLabel string) {
	switch v.Kind() {
	case reflect.Ptr:
		if v.Type() == senderType {
			if !v.IsNil() {
				v.Interface().(*channel.Sender).Bind(hub, windowLabel)
			}
			return
		}
		if !v.IsNil() {
			bindSenders(v.Elem(), hub, windowLabel)
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			f := v.Field(i)
			if f.CanInterface() {
				bindSenders(f, hub, windowLabel)
			}
		}
	}
}

// mapResults shapes a method's return values the way the responder encodes
// them: string results are text, []byte binary, protocol.Result passes
// through, anything else marshals to JSON.
func mapResults(results []reflect.Value) (protocol.Result, error) {
	switch len(results) {
	case 0:
		return protocol.RawJSON([]byte("null")), nil
	case 1:
		if results[0].Type().Implements(errorType) {
			if !results[0].IsNil() {
				return protocol.Result{}, results[0].Interface().(error)
			}
			return protocol.RawJSON([]byte("null")), nil
		}
		return mapValue(results[0])
	default:
		if !results[1].IsNil() {
			return protocol.Result{}, results[1].Interface().(error)
		}
		return mapValue(results[0])
	}
}

func mapValue(v reflect.Value) (protocol.Result, error) {
	if v.Type() == resultType {
		return v.Interface().(protocol.Result), nil
	}
	switch v.Kind() {
	case reflect.String:
		return protocol.Text(v.String()), nil
	case reflect.Slice:
		if v.Type() == bytesType {
			return protocol.Binary(v.Bytes()), nil
		}
	}
	return protocol.JSON(v.Interface())
}
