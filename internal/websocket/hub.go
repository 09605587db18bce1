package websocket

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/pushtalk/internal/protocol"
)

// Error codes sent by the hub
const (
	CodeHandshakeRequired int32 = 45000001
	CodeInvalidSequence   int32 = 45000002
	CodeInvalidRequest    int32 = 45000003
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// HubConfig scripts how the hub answers a recognition session
type HubConfig struct {
	// Transcript is revealed word by word in interim results and sent in
	// full with the terminating frame.
	Transcript string

	// InterimEvery sends an interim result after every n audio frames.
	InterimEvery int

	// AckAudio acknowledges every audio frame.
	AckAudio bool

	// FailAfter sends an error frame after n audio frames when positive.
	FailAfter   int
	FailCode    int32
	FailMessage string

	// AppKey and AccessKey, when set, are required on the upgrade request.
	AppKey    string
	AccessKey string
}

// SessionRecord summarizes a finished session
type SessionRecord struct {
	ConnectID  string
	Sequences  []int32
	AudioBytes int
	Completed  bool
}

// Hub is an in-process recognition server speaking the binary frame protocol.
type Hub struct {
	// Registered clients.
	clients map[string]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	quit     chan struct{}
	stopOnce sync.Once

	// Mutex for thread-safe access to clients map and history
	mu      sync.RWMutex
	history []SessionRecord

	config HubConfig
	logger *zap.Logger
}

// NewHub creates a new recognition hub
func NewHub(config HubConfig, logger *zap.Logger) *Hub {
	if config.InterimEvery <= 0 {
		config.InterimEvery = 2
	}
	if config.FailCode == 0 {
		config.FailCode = 500
	}
	if config.FailMessage == "" {
		config.FailMessage = "internal error"
	}
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		config:     config,
		logger:     logger,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.connectID] = client
			h.mu.Unlock()
			h.logger.Info("Client registered", zap.String("connectID", client.connectID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.connectID]; ok {
				delete(h.clients, client.connectID)
				close(client.send)
				h.history = append(h.history, client.record())
			}
			h.mu.Unlock()
			h.logger.Info("Client unregistered", zap.String("connectID", client.connectID))

		case <-h.quit:
			return
		}
	}
}

// Stop ends the main loop
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

// ActiveConnections returns the connect ids of open sessions
func (h *Hub) ActiveConnections() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	return ids
}

// History returns the sessions that have ended
func (h *Hub) History() []SessionRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]SessionRecord(nil), h.history...)
}

// Client is a middleman between one recognition connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound frames. A nil frame closes the connection.
	send chan []byte

	connectID string
	logger    *zap.Logger

	handshaken  bool
	audioFrames int
	audioBytes  int
	lastSeq     int32
	sequences   []int32
	completed   bool
	failed      bool

	mutex sync.Mutex
}

// HandleWebSocket upgrades a recognition request.
func (h *Hub) HandleWebSocket(c echo.Context) error {
	req := c.Request()
	if h.config.AppKey != "" || h.config.AccessKey != "" {
		if req.Header.Get("X-Api-App-Key") != h.config.AppKey || req.Header.Get("X-Api-Access-Key") != h.config.AccessKey {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		}
	}

	connectID := req.Header.Get("X-Api-Connect-Id")
	if connectID == "" {
		connectID = uuid.NewString()
	}

	conn, err := upgrader.Upgrade(c.Response(), req, http.Header{"X-Tt-Logid": []string{connectID}})
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := &Client{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, 256),
		connectID: connectID,
		logger:    h.logger.With(zap.String("connectID", connectID)),
	}

	select {
	case h.register <- client:
	case <-h.quit:
		conn.Close()
		return nil
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()

	return nil
}

// Routes mounts the hub on path
func (h *Hub) Routes(e *echo.Echo, path string) {
	e.GET(path, h.HandleWebSocket)
}

func (c *Client) record() SessionRecord {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return SessionRecord{
		ConnectID:  c.connectID,
		Sequences:  append([]int32(nil), c.sequences...),
		AudioBytes: c.audioBytes,
		Completed:  c.completed,
	}
}

// readPump pumps frames from the websocket connection to the session logic.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if messageType != websocket.BinaryMessage {
			c.logger.Warn("Received non-binary message", zap.Int("type", messageType))
			continue
		}
		c.processFrame(message)
	}
}

// writePump pumps frames from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok || message == nil {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				c.logger.Error("Failed to write frame", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processFrame handles one client frame. Once the session completes or
// fails the write pump closes the connection and the read pump drains.
func (c *Client) processFrame(data []byte) {
	frame, err := protocol.ParseFrame(data)

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.failed || c.completed {
		return
	}
	if err != nil {
		c.logger.Warn("Dropping malformed client frame", zap.Error(err))
		c.failLocked(CodeInvalidRequest, err.Error())
		return
	}

	switch frame.MessageType {
	case protocol.FullClientRequest:
		var req protocol.InitRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			c.failLocked(CodeInvalidRequest, "invalid init request")
			return
		}
		if !c.acceptSequence(frame.Sequence) {
			c.failLocked(CodeInvalidSequence, "unexpected sequence")
			return
		}
		c.handshaken = true
		c.logger.Info("Session started",
			zap.String("uid", req.User.UID),
			zap.Int("rate", req.Audio.Rate),
			zap.String("format", req.Audio.Format))
		c.enqueue(protocol.EncodeServerAck(frame.Sequence))

	case protocol.AudioOnlyRequest:
		if !c.handshaken {
			c.failLocked(CodeHandshakeRequired, "audio before handshake")
			return
		}
		if !c.acceptSequence(frame.Sequence) {
			c.failLocked(CodeInvalidSequence, "unexpected sequence")
			return
		}
		c.audioFrames++
		c.audioBytes += len(frame.Payload)

		if c.hub.config.AckAudio && !frame.IsLast() {
			c.enqueue(protocol.EncodeServerAck(frame.Sequence))
		}

		if c.hub.config.FailAfter > 0 && c.audioFrames >= c.hub.config.FailAfter {
			c.failLocked(c.hub.config.FailCode, c.hub.config.FailMessage)
			return
		}

		if frame.IsLast() {
			c.completed = true
			c.respond(c.hub.config.Transcript, frame.Sequence, true)
			c.enqueue(nil)
			c.logger.Info("Session completed",
				zap.Int("audioFrames", c.audioFrames),
				zap.Int("audioBytes", c.audioBytes))
			return
		}

		if c.audioFrames%c.hub.config.InterimEvery == 0 {
			c.respond(c.partialTranscript(), frame.Sequence, false)
		}

	default:
		c.logger.Warn("Unexpected client message type", zap.Stringer("messageType", frame.MessageType))
	}
}

// acceptSequence records seq and checks it continues the session in order
func (c *Client) acceptSequence(seq int32) bool {
	abs := seq
	if abs < 0 {
		abs = -abs
	}
	c.sequences = append(c.sequences, seq)
	if abs != c.lastSeq+1 {
		c.logger.Warn("Out of order sequence", zap.Int32("expected", c.lastSeq+1), zap.Int32("got", seq))
		return false
	}
	c.lastSeq = abs
	return true
}

// partialTranscript reveals one more word per interim result
func (c *Client) partialTranscript() string {
	words := strings.Fields(c.hub.config.Transcript)
	n := c.audioFrames / c.hub.config.InterimEvery
	if n > len(words) {
		n = len(words)
	}
	return strings.Join(words[:n], " ")
}

func (c *Client) respond(text string, seq int32, final bool) {
	resp := protocol.Response{
		AudioInfo: &protocol.AudioInfo{Duration: c.audioBytes * 1000 / protocol.BytesPerSecond},
		Result:    protocol.ResponseResult{Text: text},
	}
	if final && text != "" {
		resp.Result.Utterances = []protocol.Utterance{{
			Text:     text,
			EndTime:  resp.AudioInfo.Duration,
			Definite: true,
		}}
	}

	frame, err := protocol.EncodeServerResponse(resp, seq, final)
	if err != nil {
		c.logger.Error("Failed to encode response", zap.Error(err))
		return
	}
	c.enqueue(frame)
}

// failLocked sends an error frame and closes the connection. The caller holds mutex.
func (c *Client) failLocked(code int32, message string) {
	if c.failed {
		return
	}
	c.failed = true

	frame, err := protocol.EncodeServerError(code, message, true)
	if err != nil {
		c.logger.Error("Failed to encode error frame", zap.Error(err))
	} else {
		c.enqueue(frame)
	}
	c.enqueue(nil)
	c.logger.Info("Session failed", zap.Int32("code", code), zap.String("message", message))
}

func (c *Client) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		c.logger.Warn("Send buffer full, dropping frame")
	}
}
