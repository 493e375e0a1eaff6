package channel

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// dialHub attaches a test page socket to the hub and returns the client end.
func dialHub(t *testing.T, h *Hub, label string) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade error: %v", err)
			return
		}
		h.Attach(label, conn)
	}))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// the server handler attaches after the handshake; wait for it
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.RLock()
		_, ok := h.pages[label]
		h.mu.RUnlock()
		if ok {
			return conn
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("page socket never attached")
	return nil
}

func TestHubSendDeliversFrames(t *testing.T) {
	h := NewHub(zerolog.Nop())
	defer h.Close()
	conn := dialHub(t, h, "main")

	for i := 0; i < 3; i++ {
		if err := h.Send("main", 7, map[string]int{"tick": i}); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("frame decode error = %v", err)
		}
		if frame.ID != 7 {
			t.Errorf("frame id = %d, want 7", frame.ID)
		}
		var msg map[string]int
		if err := json.Unmarshal(frame.Message, &msg); err != nil {
			t.Fatalf("message decode error = %v", err)
		}
		if msg["tick"] != i {
			t.Errorf("tick = %d, want %d (frames must arrive in send order)", msg["tick"], i)
		}
	}
}

func TestHubSendWithoutPageDrops(t *testing.T) {
	h := NewHub(zerolog.Nop())
	if err := h.Send("ghost", 1, "x"); err != nil {
		t.Errorf("Send() to missing page error = %v, want silent drop", err)
	}
}

func TestHubDetach(t *testing.T) {
	h := NewHub(zerolog.Nop())
	conn := dialHub(t, h, "main")
	h.Detach("main")

	// the page socket closes once detached
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("detached socket still open")
	}

	if err := h.Send("main", 1, "x"); err != nil {
		t.Errorf("Send() after detach error = %v, want silent drop", err)
	}
}

func TestSendRacesPageReplacement(t *testing.T) {
	h := NewHub(zerolog.Nop())
	defer h.Close()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.Attach("main", conn)
	}))
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				if err := h.Send("main", 1, "tick"); err != nil {
					t.Errorf("Send() error = %v", err)
					return
				}
			}
		}()
	}

	// every dial replaces the previous page socket, closing its send queue
	// while the senders above are mid-flight; a racing Send must drop, not
	// panic on the closed queue
	for i := 0; i < 50; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("Dial() error = %v", err)
		}
		conn.Close()
	}

	close(done)
	wg.Wait()
}

func TestSenderUnmarshalToken(t *testing.T) {
	var s Sender
	if err := json.Unmarshal([]byte(`"__CHANNEL__:42"`), &s); err != nil {
		t.Fatalf("Unmarshal token error = %v", err)
	}
	if s.ID() != 42 {
		t.Errorf("id = %d, want 42", s.ID())
	}
}

func TestSenderUnmarshalMarkerObject(t *testing.T) {
	var s Sender
	if err := json.Unmarshal([]byte(`{"__TAURI_CHANNEL_MARKER__":true,"id":42}`), &s); err != nil {
		t.Fatalf("Unmarshal marker error = %v", err)
	}
	if s.ID() != 42 {
		t.Errorf("id = %d, want 42", s.ID())
	}
}

func TestSenderUnmarshalRejectsPlainValues(t *testing.T) {
	var s Sender
	if err := json.Unmarshal([]byte(`"plain string"`), &s); err == nil {
		t.Error("plain string accepted as channel reference")
	}
	if err := json.Unmarshal([]byte(`{"id":42}`), &s); err == nil {
		t.Error("object without marker accepted as channel reference")
	}
}

func TestSenderRoutesThroughHub(t *testing.T) {
	h := NewHub(zerolog.Nop())
	defer h.Close()
	conn := dialHub(t, h, "main")

	s := NewSender(3, "main", h)
	if err := s.Send("hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("frame decode error = %v", err)
	}
	if frame.ID != 3 || string(frame.Message) != `"hello"` {
		t.Errorf("frame = %+v", frame)
	}
}
