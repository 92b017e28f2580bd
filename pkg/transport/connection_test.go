package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aivorynet/breakharness/pkg/capture"
)

type recordedCommand struct {
	command string
	payload json.RawMessage
}

type recordingHandler struct {
	commands chan recordedCommand
}

func (h *recordingHandler) HandleCommand(command string, payload json.RawMessage) {
	h.commands <- recordedCommand{command: command, payload: payload}
}

type serverMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// newBackend starts a websocket backend which answers register with the given
// replies and forwards everything it reads to the returned channel.
func newBackend(t *testing.T, replies ...string) (string, <-chan serverMessage) {
	t.Helper()

	received := make(chan serverMessage, 16)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var msg serverMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Errorf("backend got invalid json: %v", err)
				return
			}
			received <- msg

			if msg.Type == "register" {
				for _, reply := range replies {
					if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
						return
					}
				}
			}
		}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), received
}

func expectMessage(t *testing.T, received <-chan serverMessage, msgType string) serverMessage {
	t.Helper()

	select {
	case msg := <-received:
		if msg.Type != msgType {
			t.Fatalf("expected %s message, got %s", msgType, msg.Type)
		}
		return msg
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s message", msgType)
	}
	return serverMessage{}
}

func TestConnectionRoundTrip(t *testing.T) {
	url, received := newBackend(t,
		`{"type":"registered"}`,
		`{"type":"breakpoint","command":"remove","payload":{"id":3}}`,
	)

	handler := &recordingHandler{commands: make(chan recordedCommand, 1)}
	c := NewConnection(url, Registration{Token: "secret", HarnessID: "h-1", Program: "magic.s"}, false, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Connect(ctx)
	defer c.Disconnect()

	reg := expectMessage(t, received, "register")
	var registration Registration
	if err := json.Unmarshal(reg.Payload, &registration); err != nil {
		t.Fatal(err)
	}
	if registration.HarnessID != "h-1" || registration.Program != "magic.s" {
		t.Fatalf("unexpected registration %+v", registration)
	}

	select {
	case cmd := <-handler.commands:
		if cmd.command != "remove" || string(cmd.payload) != `{"id":3}` {
			t.Fatalf("unexpected command %s %s", cmd.command, cmd.payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for command")
	}

	// The command is handled after registration, so the connection is usable.
	if !c.IsConnected() {
		t.Fatal("connection should be registered")
	}

	c.SendCapture(&capture.Capture{ID: "c-1", Kind: capture.KindCrash})

	msg := expectMessage(t, received, "crash")
	var got capture.Capture
	if err := json.Unmarshal(msg.Payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "c-1" {
		t.Fatalf("unexpected capture %+v", got)
	}
}

func TestConnectionAuthError(t *testing.T) {
	url, received := newBackend(t, `{"type":"error","payload":{"code":"auth_error","message":"bad token"}}`)

	c := NewConnection(url, Registration{Token: "secret"}, false, nil)

	done := make(chan struct{})
	go func() {
		c.Connect(context.Background())
		close(done)
	}()

	expectMessage(t, received, "register")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("connect should give up after an authentication error")
	}

	if c.IsConnected() {
		t.Fatal("connection should be closed")
	}
	if n := c.maxReconnectAttempts.Load(); n != 0 {
		t.Fatalf("reconnect should be disabled, limit is %d", n)
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	c := NewConnection("ws://127.0.0.1:1", Registration{}, false, nil)

	c.SendCapture(&capture.Capture{Kind: capture.KindBreakpoint})

	if len(c.messageQueue) != 0 {
		t.Fatal("messages must not be queued while disconnected")
	}
}
