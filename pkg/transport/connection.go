// Package transport provides the WebSocket connection to a reporting backend.
package transport

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/aivorynet/breakharness/pkg/capture"
)

const logPrefix = "[breakharness] "

// CommandHandler receives breakpoint commands pushed by the backend.
type CommandHandler interface {
	HandleCommand(command string, payload json.RawMessage)
}

// Registration identifies the harness to the backend.
type Registration struct {
	Token     string `json:"token"`
	Version   string `json:"version"`
	HarnessID string `json:"harness_id"`
	Hostname  string `json:"hostname"`
	Program   string `json:"program"`
}

// Connection represents a WebSocket connection to the backend.
type Connection struct {
	url           string
	registration  Registration
	debug         bool
	handler       CommandHandler
	conn          *websocket.Conn
	connected     bool
	authenticated bool
	mu            sync.RWMutex
	writeMu       sync.Mutex

	reconnectAttempts    int
	maxReconnectAttempts *atomic.Int32
	reconnectDelay       time.Duration
	heartbeatInterval    time.Duration

	messageQueue chan []byte
	done         chan struct{}
	closeOnce    sync.Once
}

// Message is the envelope of every message sent to the backend.
type Message struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp int64       `json:"timestamp"`
}

// inboundMessage defers payload decoding to the handler of its type.
type inboundMessage struct {
	Type    string          `json:"type"`
	Command string          `json:"command,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// NewConnection creates a new connection. handler may be nil if the harness
// does not accept remote commands.
func NewConnection(url string, registration Registration, debug bool, handler CommandHandler) *Connection {
	return &Connection{
		url:                  url,
		registration:         registration,
		debug:                debug,
		handler:              handler,
		maxReconnectAttempts: atomic.NewInt32(10),
		reconnectDelay:       time.Second,
		heartbeatInterval:    30 * time.Second,
		messageQueue:         make(chan []byte, 100),
		done:                 make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and keeps it alive until ctx is
// done, Disconnect is called or reconnecting gives up.
func (c *Connection) Connect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		err := c.connect()
		if err != nil {
			if c.debug {
				log.Printf(logPrefix+"Connection error: %v", err)
			}

			c.reconnectAttempts++
			if c.reconnectAttempts > int(c.maxReconnectAttempts.Load()) {
				log.Println(logPrefix + "Max reconnect attempts reached")
				return
			}

			delay := c.reconnectDelay * time.Duration(1<<uint(c.reconnectAttempts-1))
			if delay > 60*time.Second {
				delay = 60 * time.Second
			}

			if c.debug {
				log.Printf(logPrefix+"Reconnecting in %v (attempt %d)", delay, c.reconnectAttempts)
			}

			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-time.After(delay):
			}
			continue
		}

		c.reconnectAttempts = 0
		c.runMessageLoop()
	}
}

// Disconnect closes the connection. It is safe to call more than once.
func (c *Connection) Disconnect() {
	c.closeOnce.Do(func() {
		close(c.done)
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	c.connected = false
	c.authenticated = false
}

// SendCapture sends a breakpoint or crash capture to the backend.
func (c *Connection) SendCapture(cpt *capture.Capture) {
	c.send(cpt.Kind, cpt)
}

// IsConnected returns true if connected and registered.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.authenticated
}

func (c *Connection) connect() error {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.registration.Token)

	if c.debug {
		log.Printf(logPrefix+"Connecting to %s", c.url)
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.url, headers)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	if c.debug {
		log.Println(logPrefix + "WebSocket connected")
	}

	c.sendDirect("register", c.registration)

	return nil
}

func (c *Connection) runMessageLoop() {
	heartbeatTicker := time.NewTicker(c.heartbeatInterval)
	defer heartbeatTicker.Stop()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if c.debug && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					log.Printf(logPrefix+"Read error: %v", err)
				}
				return
			}
			c.handleMessage(message)
		}
	}()

	for {
		select {
		case <-c.done:
			return
		case <-readDone:
			c.mu.Lock()
			c.connected = false
			c.authenticated = false
			c.mu.Unlock()
			return
		case <-heartbeatTicker.C:
			if c.IsConnected() {
				c.send("heartbeat", map[string]interface{}{
					"timestamp": time.Now().UnixMilli(),
				})
			}
		case msg := <-c.messageQueue:
			c.mu.RLock()
			if c.conn != nil && c.connected && c.authenticated {
				c.write(c.conn, msg)
			}
			c.mu.RUnlock()
		}
	}
}

func (c *Connection) handleMessage(data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		if c.debug {
			log.Printf(logPrefix+"Error parsing message: %v", err)
		}
		return
	}

	if c.debug {
		log.Printf(logPrefix+"Received: %s", msg.Type)
	}

	switch msg.Type {
	case "registered":
		c.handleRegistered()
	case "error":
		c.handleError(msg.Payload)
	case "breakpoint":
		if c.handler != nil {
			c.handler.HandleCommand(msg.Command, msg.Payload)
		}
	default:
		if c.debug {
			log.Printf(logPrefix+"Unhandled message type: %s", msg.Type)
		}
	}
}

func (c *Connection) handleRegistered() {
	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()

	if c.debug {
		log.Println(logPrefix + "Harness registered")
	}
}

func (c *Connection) handleError(payload json.RawMessage) {
	var backendErr struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &backendErr); err != nil {
		return
	}

	log.Printf(logPrefix+"Backend error: %s - %s", backendErr.Code, backendErr.Message)

	if backendErr.Code == "auth_error" || backendErr.Code == "invalid_token" {
		log.Println(logPrefix + "Authentication failed, disabling reconnect")
		c.maxReconnectAttempts.Store(0)
		c.Disconnect()
	}
}

func (c *Connection) encode(msgType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Message{
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (c *Connection) send(msgType string, payload interface{}) {
	data, err := c.encode(msgType, payload)
	if err != nil {
		if c.debug {
			log.Printf(logPrefix+"Error marshaling message: %v", err)
		}
		return
	}

	if !c.IsConnected() {
		return
	}

	select {
	case c.messageQueue <- data:
	default:
		// Queue full, drop oldest
		select {
		case <-c.messageQueue:
		default:
		}
		select {
		case c.messageQueue <- data:
		default:
		}
	}
}

func (c *Connection) sendDirect(msgType string, payload interface{}) {
	data, err := c.encode(msgType, payload)
	if err != nil {
		return
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn != nil {
		c.write(conn, data)
	}
}

// write serializes writers, gorilla connections allow only one at a time.
func (c *Connection) write(conn *websocket.Conn, data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil && c.debug {
		log.Printf(logPrefix+"Write error: %v", err)
	}
}
