// Package responder terminates the HTTP requests produced by bridge scripts
// and hands them to the native command dispatch.
package responder

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog"

	"invokehttp/internal/channel"
	"invokehttp/internal/dispatch"
	"invokehttp/internal/protocol"
)

// channelPath is the reserved command segment for the page's push socket.
const channelPath = "__channel__"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced by the invoke key, local use only
	},
}

// Options configures the responder.
type Options struct {
	// Port to bind on 127.0.0.1; 0 picks an ephemeral port.
	Port int
	// InvokeKey is the shared secret; empty generates a per-process key.
	InvokeKey string
	// AllowedOrigins for CORS; defaults to ["*"].
	AllowedOrigins []string
	Logger         zerolog.Logger
}

// Server is the invoke responder.
type Server struct {
	registry   *dispatch.Registry
	hub        *channel.Hub
	invokeKey  []byte
	origins    atomic.Pointer[[]string]
	port       int
	wantPort   int
	httpServer *http.Server
	log        zerolog.Logger
}

func NewServer(registry *dispatch.Registry, hub *channel.Hub, opts Options) *Server {
	key := opts.InvokeKey
	if key == "" {
		key = uuid.New().String()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	s := &Server{
		registry:  registry,
		hub:       hub,
		invokeKey: []byte(key),
		wantPort:  opts.Port,
		log:       opts.Logger.With().Str("component", "responder").Logger(),
	}
	s.origins.Store(&origins)
	return s
}

// Start binds the loopback listener and begins serving. The returned port is
// stable for the server's lifetime and is what gets baked into the bridge
// script.
func (s *Server) Start(ctx context.Context) (int, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.wantPort))
	if err != nil {
		return 0, fmt.Errorf("failed to bind invoke listener: %w", err)
	}
	s.port = listener.Addr().(*net.TCPAddr).Port

	r := chi.NewRouter()
	r.Use(s.cors)
	r.Get("/{label}/"+channelPath, s.handleChannel)
	r.Post("/{label}/{command}", s.handleInvoke)

	wrapper, err := gzhttp.NewWrapper(
		gzhttp.MinSize(1024),
		gzhttp.ContentTypes([]string{protocol.ContentTypeJSON}),
	)
	if err != nil {
		listener.Close()
		return 0, fmt.Errorf("failed to build gzip wrapper: %w", err)
	}

	s.httpServer = &http.Server{Handler: wrapper(r)}
	go func() {
		if err := s.httpServer.Serve(listener); err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("invoke server error")
		}
	}()

	s.log.Info().Int("port", s.port).Msg("invoke responder listening")
	return s.port, nil
}

// Stop shuts the server down and closes every page socket.
func (s *Server) Stop(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Port returns the bound port.
func (s *Server) Port() int {
	return s.port
}

// InvokeKey returns the shared secret to bake into the bridge script.
func (s *Server) InvokeKey() string {
	return string(s.invokeKey)
}

// SetAllowedOrigins swaps the CORS origin list; safe under concurrent
// requests, used by config hot-reload.
func (s *Server) SetAllowedOrigins(origins []string) {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	list := make([]string, len(origins))
	copy(list, origins)
	s.origins.Store(&list)
}

// cors applies the bridge's CORS contract and answers preflights. The
// Tauri-Response header must be exposed or the script cannot route
// responses.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origins := *s.origins.Load()
		if containsOrigin(origins, "*") {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin := r.Header.Get("Origin"); origin != "" && containsOrigin(origins, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Expose-Headers", protocol.HeaderResponse)
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func containsOrigin(origins []string, origin string) bool {
	for _, o := range origins {
		if o == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	label := chi.URLParam(r, "label")
	command := chi.URLParam(r, "command")

	env, err := protocol.ParseEnvelope(r, label, command)
	if err != nil {
		s.log.Warn().Err(err).Str("window", label).Str("command", command).Msg("malformed invoke request")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The key gate runs before any routing or dispatch so other local
	// processes cannot probe commands.
	if subtle.ConstantTimeCompare([]byte(env.InvokeKey), s.invokeKey) != 1 {
		s.log.Warn().Str("window", label).Str("command", command).Msg("rejected invoke with bad key")
		http.Error(w, "invalid invoke key", http.StatusUnauthorized)
		return
	}

	router, ok := s.registry.Lookup(label)
	if !ok {
		s.log.Warn().Str("window", label).Msg("invoke for unknown window")
		http.Error(w, "unknown window", http.StatusNotFound)
		return
	}
	if !router.Has(command) {
		s.log.Warn().Str("window", label).Str("command", command).Msg("invoke for unknown command")
		http.Error(w, "unknown command", http.StatusNotFound)
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	body, err := protocol.DecodeBody(env.ContentType, raw)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	call := &dispatch.Caller{WindowLabel: label, Callback: env.Callback, Error: env.Error}
	result, err := router.Dispatch(r.Context(), call, command, body)

	if err != nil {
		s.writeFailure(w, err)
	} else {
		w.Header().Set(protocol.HeaderResponse, protocol.ResponseOK)
		w.Header().Set("Content-Type", result.ContentType())
		w.Write(result.Body())
	}

	s.log.Debug().
		Str("window", label).
		Str("command", command).
		Bool("ok", err == nil).
		Dur("duration", time.Since(start)).
		Msg("invoke")
}

// writeFailure shapes any post-routing failure into a well-formed error
// response; the connection is never dropped.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	var value any
	var failure *dispatch.Failure
	if errors.As(err, &failure) {
		value = failure.Value
	} else {
		value = err.Error()
	}
	doc, mErr := json.Marshal(value)
	if mErr != nil {
		doc, _ = json.Marshal(err.Error())
	}
	w.Header().Set(protocol.HeaderResponse, "error")
	w.Header().Set("Content-Type", protocol.ContentTypeJSON)
	w.Write(doc)
}

// handleChannel upgrades the page's push socket. Browsers cannot set custom
// headers on websocket dials, so the key arrives as a query parameter.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	label := chi.URLParam(r, "label")

	key := r.URL.Query().Get("key")
	if key == "" {
		key = r.Header.Get(protocol.HeaderInvokeKey)
	}
	if subtle.ConstantTimeCompare([]byte(key), s.invokeKey) != 1 {
		s.log.Warn().Str("window", label).Msg("rejected channel socket with bad key")
		http.Error(w, "invalid invoke key", http.StatusUnauthorized)
		return
	}
	if _, ok := s.registry.Lookup(label); !ok {
		http.Error(w, "unknown window", http.StatusNotFound)
		return
	}
	if s.hub == nil {
		http.Error(w, "channels disabled", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("window", label).Msg("channel socket upgrade failed")
		return
	}
	s.hub.Attach(label, conn)
}
