package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/parleyhq/parley/internal/bus"
	"go.uber.org/zap"
)

// EventService relays bus events to websocket clients so UIs update
// without polling. Each connection picks a kind prefix; delivery is
// lossy under backpressure, same as the bus itself.
type EventService struct {
	bus    *bus.Bus
	logger *zap.Logger
}

// NewEventService creates the event relay.
func NewEventService(b *bus.Bus, logger *zap.Logger) *EventService {
	return &EventService{bus: b, logger: logger}
}

func (s *EventService) register(r gin.IRoutes) {
	r.GET("/events", s.stream)
}

// The daemon listens on a local Unix socket only, so cross-origin
// checks do not apply.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

type eventFrame struct {
	Kind      string `json:"kind"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

func (s *EventService) stream(c *gin.Context) {
	prefix := c.DefaultQuery("prefix", "")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	events, unsub := s.bus.Subscribe(prefix, 128)
	defer unsub()

	// Drain client frames so pings and close frames are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-events:
			frame := eventFrame{
				Kind:      ev.Kind,
				Timestamp: ev.Timestamp.UnixMilli(),
				Payload:   ev.Payload,
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(frame); err != nil {
				if s.logger != nil {
					s.logger.Debug("event subscriber dropped", zap.Error(err))
				}
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
