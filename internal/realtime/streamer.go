package realtime

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/IamMattHenry/salemate-notify/internal/delivery"
	"github.com/IamMattHenry/salemate-notify/internal/fanout"
	"github.com/IamMattHenry/salemate-notify/internal/store"
	apperrors "github.com/IamMattHenry/salemate-notify/pkg/errors"
	"github.com/IamMattHenry/salemate-notify/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 16 // 64 KiB; control messages are tiny
)

// Message is the JSON envelope pushed to connected consumers.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// controlMessage carries a consumer intent back up the channel.
type controlMessage struct {
	Action         string `json:"action"`
	NotificationID string `json:"notification_id,omitempty"`
}

// Streamer binds delivery channels to WebSocket connections. Each connection
// owns exactly one channel; closing the socket tears the channel down.
type Streamer struct {
	engine   *fanout.Engine
	feed     *store.Feed
	opts     *delivery.Options
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewStreamer constructs a streamer over the supplied engine and change feed.
func NewStreamer(engine *fanout.Engine, feed *store.Feed, opts *delivery.Options) *Streamer {
	return &Streamer{
		engine: engine,
		feed:   feed,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Allow same-origin requests and explicit localhost development.
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				originHost := hostWithoutPort(origin)
				requestHost := hostWithoutPort(r.Host)
				return originHost == requestHost || isLoopback(originHost)
			},
		},
		log: logger.WithModule("realtime"),
	}
}

// Serve upgrades the HTTP connection and streams snapshots to the recipient
// until either side disconnects.
func (s *Streamer) Serve(recipientID string, w http.ResponseWriter, r *http.Request) {
	socket, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	// The socket outlives the HTTP handler, so the session gets its own
	// lifetime, released on every exit path below.
	ctx, cancel := context.WithCancel(context.Background())

	channel, err := delivery.Open(ctx, s.engine, s.feed, recipientID, s.opts)
	if err != nil {
		cancel()
		_ = socket.WriteJSON(Message{Event: "error", Error: err.Error()})
		_ = socket.Close()
		return
	}

	conn := &connection{
		socket:  socket,
		channel: channel,
		cancel:  cancel,
		log:     logger.WithRecipient("realtime", recipientID),
	}

	go conn.writeLoop()
	conn.readLoop(ctx)
}

type connection struct {
	socket  *websocket.Conn
	channel *delivery.Channel
	cancel  context.CancelFunc
	once    sync.Once
	log     *zap.Logger

	writeMu sync.Mutex
}

func (c *connection) close() {
	c.once.Do(func() {
		c.cancel()
		c.channel.Close()
		_ = c.socket.Close()
	})
}

// writeLoop pushes every snapshot and keeps the connection alive with pings.
func (c *connection) writeLoop() {
	defer c.close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	snapshots := c.channel.Snapshots()
	for {
		select {
		case snapshot, ok := <-snapshots:
			if !ok {
				c.writeMu.Lock()
				_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.socket.WriteMessage(websocket.CloseMessage, []byte{})
				c.writeMu.Unlock()
				return
			}
			if err := c.write(Message{Event: "snapshot", Data: snapshot}); err != nil {
				return
			}
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.socket.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// readLoop consumes consumer intents until the socket drops.
func (c *connection) readLoop(ctx context.Context) {
	defer c.close()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("unexpected close", zap.Error(err))
			}
			return
		}

		if len(payload) == 0 {
			continue
		}

		var ctrl controlMessage
		if err := json.Unmarshal(payload, &ctrl); err != nil {
			c.log.Warn("invalid control payload", zap.Error(err))
			continue
		}

		c.handle(ctx, ctrl)
	}
}

func (c *connection) handle(ctx context.Context, ctrl controlMessage) {
	switch strings.ToLower(strings.TrimSpace(ctrl.Action)) {
	case "mark_read":
		if err := c.channel.MarkRead(ctx, ctrl.NotificationID); err != nil {
			c.writeCommandError("mark_read", err)
		}
	case "mark_all_read":
		if _, err := c.channel.MarkAllRead(ctx); err != nil {
			c.writeCommandError("mark_all_read", err)
		}
	case "refresh":
		c.channel.Refresh()
	case "ping":
		_ = c.write(Message{Event: "pong"})
	default:
		c.log.Warn("unsupported control action", zap.String("action", ctrl.Action))
	}
}

func (c *connection) writeCommandError(action string, err error) {
	appErr := apperrors.FromError(err)
	_ = c.write(Message{Event: action + ".failed", Error: appErr.Code})
}

func (c *connection) write(message Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
	return c.socket.WriteJSON(message)
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}

	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		parsed, err := http.NewRequest(http.MethodGet, host, nil)
		if err == nil {
			return hostWithoutPort(parsed.URL.Host)
		}
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
