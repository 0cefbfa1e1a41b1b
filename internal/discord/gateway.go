package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Rivistaa/Bathbot/internal/logging"
	"github.com/Rivistaa/Bathbot/internal/models"
)

const (
	gatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

	// guilds + members + emoji intents; everything the cache mirrors.
	gatewayIntents = 1<<0 | 1<<1 | 1<<3
)

const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opResume         = 6
	opReconnect      = 7
	opRequestMembers = 8
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

type GatewayMessage struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	T  string          `json:"t,omitempty"`
	S  int64           `json:"s,omitempty"`
}

type HelloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// Shard is one gateway connection. Decoded events are pushed into the
// dispatcher queue; the shard itself holds no guild state.
type Shard struct {
	ID         int
	token      string
	shardCount int
	events     chan<- models.Event

	Conn              *websocket.Conn
	SessionID         string
	ResumeGatewayURL  string
	LastSequence      int64
	HeartbeatInterval time.Duration
	Connected         bool

	heartbeatTicker *time.Ticker
	stopChan        chan bool
	mutex           sync.RWMutex
	logger          *slog.Logger
}

func NewShard(id, shardCount int, token string, events chan<- models.Event, logger *slog.Logger) *Shard {
	return &Shard{
		ID:         id,
		token:      token,
		shardCount: shardCount,
		events:     events,
		stopChan:   make(chan bool, 1),
		logger:     logger,
	}
}

// Connect dials the gateway and authenticates. With a session id and
// resume url from a previous READY it resumes that session instead of
// identifying, so the gateway replays the missed events.
func (s *Shard) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
	}

	s.mutex.RLock()
	resumeURL := s.ResumeGatewayURL
	sessionID := s.SessionID
	seq := s.LastSequence
	s.mutex.RUnlock()
	resuming := sessionID != "" && resumeURL != ""

	dialURL := gatewayURL
	if resuming {
		dialURL = resumeURL + "/?v=10&encoding=json"
	}

	conn, _, err := dialer.DialContext(ctx, dialURL, http.Header{})
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	s.mutex.Lock()
	s.Conn = conn
	s.mutex.Unlock()

	var helloMsg GatewayMessage
	if err := conn.ReadJSON(&helloMsg); err != nil {
		return fmt.Errorf("failed to read HELLO: %w", err)
	}
	if helloMsg.Op != opHello {
		return fmt.Errorf("expected HELLO opcode, got %d", helloMsg.Op)
	}

	var helloData HelloData
	if err := json.Unmarshal(helloMsg.D, &helloData); err != nil {
		return fmt.Errorf("failed to parse HELLO data: %w", err)
	}
	s.HeartbeatInterval = time.Duration(helloData.HeartbeatInterval) * time.Millisecond

	if resuming {
		resumePayload := map[string]interface{}{
			"op": opResume,
			"d": map[string]interface{}{
				"token":      s.token,
				"session_id": sessionID,
				"seq":        seq,
			},
		}
		if err := conn.WriteJSON(resumePayload); err != nil {
			return fmt.Errorf("failed to send RESUME: %w", err)
		}
		s.logger.Info("shard_resuming", "shard_id", s.ID, "session_id", sessionID, "seq", seq)
	} else {
		identifyPayload := map[string]interface{}{
			"op": opIdentify,
			"d": map[string]interface{}{
				"token":   s.token,
				"intents": gatewayIntents,
				"shard":   []int{s.ID, s.shardCount},
				"properties": map[string]interface{}{
					"os":      "linux",
					"browser": "bathbot",
					"device":  "bathbot",
				},
				"compress": false,
			},
		}
		if err := conn.WriteJSON(identifyPayload); err != nil {
			return fmt.Errorf("failed to send IDENTIFY: %w", err)
		}
		s.logger.Info("shard_connecting", "shard_id", s.ID, "token", logging.MaskToken(s.token))
	}

	s.mutex.Lock()
	s.Connected = true
	s.mutex.Unlock()
	return nil
}

func (s *Shard) StartHeartbeat() {
	if s.HeartbeatInterval == 0 {
		return
	}

	s.heartbeatTicker = time.NewTicker(s.HeartbeatInterval)
	defer s.heartbeatTicker.Stop()

	for {
		select {
		case <-s.heartbeatTicker.C:
			s.sendHeartbeat()
		case <-s.stopChan:
			return
		}
	}
}

func (s *Shard) sendHeartbeat() {
	s.mutex.RLock()
	conn := s.Conn
	seq := s.LastSequence
	s.mutex.RUnlock()

	if conn == nil {
		return
	}

	var seqValue interface{}
	if seq > 0 {
		seqValue = seq
	}
	heartbeat := map[string]interface{}{
		"op": opHeartbeat,
		"d":  seqValue,
	}
	if err := conn.WriteJSON(heartbeat); err != nil {
		s.logger.Debug("heartbeat_send_failed", "shard_id", s.ID, "error", err)
		return
	}
	s.logger.Debug("heartbeat_sent", "shard_id", s.ID, "seq", seq)
}

// Listen reads gateway messages until the connection drops or the shard
// is closed. Dispatch payloads are decoded and queued for the cache.
func (s *Shard) Listen() error {
	for {
		s.mutex.RLock()
		conn := s.Conn
		s.mutex.RUnlock()
		if conn == nil {
			return fmt.Errorf("not connected")
		}

		var msg GatewayMessage
		if err := conn.ReadJSON(&msg); err != nil {
			s.mutex.Lock()
			s.Connected = false
			s.mutex.Unlock()
			return fmt.Errorf("gateway read: %w", err)
		}

		if msg.S > 0 {
			s.mutex.Lock()
			s.LastSequence = msg.S
			s.mutex.Unlock()
		}

		switch msg.Op {
		case opDispatch:
			s.handleDispatch(msg)
		case opHeartbeat:
			s.sendHeartbeat()
		case opReconnect:
			return fmt.Errorf("gateway requested reconnect")
		case opInvalidSession:
			// The session is gone; the next connect must re-identify.
			s.mutex.Lock()
			s.SessionID = ""
			s.ResumeGatewayURL = ""
			s.mutex.Unlock()
			return fmt.Errorf("invalid session")
		case opHeartbeatAck:
		}
	}
}

func (s *Shard) handleDispatch(msg GatewayMessage) {
	if msg.T == models.EventReady {
		var ready readySession
		if err := json.Unmarshal(msg.D, &ready); err == nil {
			s.mutex.Lock()
			s.SessionID = ready.SessionID
			s.ResumeGatewayURL = ready.ResumeGatewayURL
			s.mutex.Unlock()
		}
	}

	data, err := decodeEventPayload(msg.T, msg.D)
	if err != nil {
		s.logger.Warn("event_decode_failed", "shard_id", s.ID, "event_type", msg.T, "error", err)
		return
	}
	if data == nil {
		// Event kind the cache does not mirror.
		return
	}

	event := models.Event{
		Type:      msg.T,
		ShardID:   s.ID,
		Data:      data,
		Timestamp: time.Now(),
	}
	select {
	case s.events <- event:
	default:
		s.logger.Warn("event_queue_full", "shard_id", s.ID, "event_type", msg.T)
	}
}

type readySession struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
}

// RequestGuildMembers asks for a full member dump; pages arrive later as
// GUILD_MEMBERS_CHUNK dispatches.
func (s *Shard) RequestGuildMembers(guildID string) error {
	s.mutex.RLock()
	conn := s.Conn
	s.mutex.RUnlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	payload := map[string]interface{}{
		"op": opRequestMembers,
		"d": map[string]interface{}{
			"guild_id": guildID,
			"query":    "",
			"limit":    0,
		},
	}
	return conn.WriteJSON(payload)
}

func (s *Shard) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.Connected = false
	if s.heartbeatTicker != nil {
		s.heartbeatTicker.Stop()
	}

	select {
	case s.stopChan <- true:
	default:
	}

	if s.Conn != nil {
		return s.Conn.Close()
	}
	return nil
}
