package transport

import (
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/zot/chatops/internal/config"
)

// ErrNotConnected is returned when no platform adapter is attached.
const ErrNotConnected = errors.ConstError("no gateway adapter connected")

const (
	eventBuffer      = 64
	requestTimeout   = 15 * time.Second
	maxAttachmentLen = 25 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Gateway is a Transport served over a websocket. A platform adapter
// connects to it, pushes events and answers the bot's requests.
// The most recent adapter connection receives requests.
type Gateway struct {
	config *config.Config
	logger *zap.Logger
	http   *http.Client

	maxAttachment int64

	events chan *Event

	mu          sync.RWMutex
	connections map[string]*websocket.Conn // connectionID -> conn
	active      string
	pending     map[string]chan *Message // request id -> waiter

	writeMu sync.Mutex
}

// NewGateway creates a gateway.
func NewGateway(cfg *config.Config, logger *zap.Logger) *Gateway {
	return &Gateway{
		config:        cfg,
		logger:        logger.Named("gateway"),
		http:          &http.Client{Timeout: 30 * time.Second},
		maxAttachment: maxAttachmentLen,
		events:        make(chan *Event, eventBuffer),
		connections:   make(map[string]*websocket.Conn),
		pending:       make(map[string]chan *Message),
	}
}

// Log logs a message via the config.
func (g *Gateway) Log(level int, format string, args ...interface{}) {
	g.config.Log(level, format, args...)
}

// Events delivers inbound chat events.
func (g *Gateway) Events() <-chan *Event {
	return g.events
}

// Connected reports whether an adapter is attached.
func (g *Gateway) Connected() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.active != ""
}

// ServeHTTP upgrades an adapter connection.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if token := g.config.Transport.Token; token != "" {
		got := r.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(got), []byte("Bearer "+token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connectionID := "conn-" + uuid.NewString()
	g.mu.Lock()
	g.connections[connectionID] = conn
	g.active = connectionID
	g.mu.Unlock()
	g.logger.Info("adapter connected", zap.String("conn", connectionID))

	go g.readPump(connectionID, conn)
}

// readPump reads frames from one adapter connection.
func (g *Gateway) readPump(connectionID string, conn *websocket.Conn) {
	defer func() {
		g.onDisconnect(connectionID)
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Warn("websocket error", zap.String("conn", connectionID), zap.Error(err))
			}
			return
		}
		msg, err := ParseMessage(raw)
		if err != nil {
			g.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		g.Log(3, "[IN] %s: conn=%s id=%s", msg.Type, connectionID, msg.ID)
		g.dispatch(msg)
	}
}

func (g *Gateway) dispatch(msg *Message) {
	switch msg.Type {
	case MsgEvent:
		var ev Event
		if err := msg.Decode(&ev); err != nil {
			g.logger.Warn("dropping malformed event", zap.Error(err))
			return
		}
		g.events <- &ev
	case MsgResult:
		g.mu.Lock()
		waiter, ok := g.pending[msg.ID]
		delete(g.pending, msg.ID)
		g.mu.Unlock()
		if !ok {
			g.logger.Debug("result for unknown request", zap.String("id", msg.ID))
			return
		}
		waiter <- msg
	default:
		g.logger.Warn("unexpected frame type", zap.String("type", string(msg.Type)))
	}
}

func (g *Gateway) onDisconnect(connectionID string) {
	g.mu.Lock()
	delete(g.connections, connectionID)
	if g.active == connectionID {
		g.active = ""
		for id := range g.connections {
			g.active = id
		}
	}
	g.mu.Unlock()
	g.logger.Info("adapter disconnected", zap.String("conn", connectionID))
}

// call sends a request and waits for the adapter's result.
func (g *Gateway) call(ctx context.Context, msgType MessageType, req, out interface{}) error {
	id := uuid.NewString()
	msg, err := NewMessage(msgType, id, req)
	if err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return errors.Trace(err)
	}

	waiter := make(chan *Message, 1)
	g.mu.Lock()
	conn, ok := g.connections[g.active]
	if ok {
		g.pending[id] = waiter
	}
	g.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	defer func() {
		g.mu.Lock()
		delete(g.pending, id)
		g.mu.Unlock()
	}()

	g.Log(3, "[OUT] %s: id=%s", msgType, id)
	g.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	g.writeMu.Unlock()
	if err != nil {
		return errors.Annotatef(err, "sending %s", msgType)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	select {
	case resp := <-waiter:
		if resp.Error != "" {
			return errors.Errorf("%s failed: %s", msgType, resp.Error)
		}
		if out != nil {
			return resp.Decode(out)
		}
		return nil
	case <-ctx.Done():
		return errors.Annotatef(ctx.Err(), "waiting for %s", msgType)
	}
}

// Send posts a reply to a channel.
func (g *Gateway) Send(ctx context.Context, channelID string, reply Reply) (string, error) {
	var res SendResult
	if err := g.call(ctx, MsgSend, SendRequest{ChannelID: channelID, Reply: reply}, &res); err != nil {
		return "", err
	}
	return res.MessageID, nil
}

// AddReaction adds the bot's reaction to a message.
func (g *Gateway) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	return g.call(ctx, MsgReact, ReactionRequest{ChannelID: channelID, MessageID: messageID, Emoji: emoji}, nil)
}

// RemoveReaction removes the bot's reaction from a message.
func (g *Gateway) RemoveReaction(ctx context.Context, channelID, messageID, emoji string) error {
	return g.call(ctx, MsgUnreact, ReactionRequest{ChannelID: channelID, MessageID: messageID, Emoji: emoji}, nil)
}

// DeleteMessage deletes a message.
func (g *Gateway) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return g.call(ctx, MsgDelete, MessageRequest{ChannelID: channelID, MessageID: messageID}, nil)
}

// Reactions fetches the current reactions of a message.
func (g *Gateway) Reactions(ctx context.Context, channelID, messageID string) ([]Reaction, error) {
	var res ReactionsResult
	if err := g.call(ctx, MsgReactions, MessageRequest{ChannelID: channelID, MessageID: messageID}, &res); err != nil {
		return nil, err
	}
	return res.Reactions, nil
}

// Attachment downloads an attachment from its URL.
func (g *Gateway) Attachment(ctx context.Context, a Attachment) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return nil, errors.NewNotValid(err, "attachment url")
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return nil, errors.Annotatef(err, "downloading %s", a.Filename)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("downloading %s: %s", a.Filename, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, g.maxAttachment+1))
	if err != nil {
		return nil, errors.Annotatef(err, "downloading %s", a.Filename)
	}
	if int64(len(data)) > g.maxAttachment {
		return nil, errors.NotValidf("attachment %s over %d bytes", a.Filename, g.maxAttachment)
	}
	return data, nil
}

// Close disconnects every adapter.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, conn := range g.connections {
		conn.Close()
		delete(g.connections, id)
	}
	g.active = ""
	return nil
}
