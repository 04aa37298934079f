package collab

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// EventType names a change pushed to workbook subscribers.
type EventType string

const (
	EventCellUpdated         EventType = "cell.updated"
	EventCellCleared         EventType = "cell.cleared"
	EventFormatChanged       EventType = "format.changed"
	EventChartChanged        EventType = "chart.changed"
	EventChartDeleted        EventType = "chart.deleted"
	EventWorksheetChanged    EventType = "worksheet.changed"
	EventWorksheetDeleted    EventType = "worksheet.deleted"
	EventSessionStarted      EventType = "session.started"
	EventSessionEnded        EventType = "session.ended"
	EventCollaboratorChanged EventType = "collaborator.changed"
)

// Event is one change to a workbook.
type Event struct {
	Type        EventType `json:"type"`
	WorkbookID  string    `json:"workbook_id"`
	WorksheetID string    `json:"worksheet_id,omitempty"`
	Reference   string    `json:"reference,omitempty"`
	Value       string    `json:"value,omitempty"`
	Formula     string    `json:"formula,omitempty"`
	Version     int64     `json:"version,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	At          time.Time `json:"at"`
	Data        any       `json:"data,omitempty"`
}

// Publisher accepts workbook events.
type Publisher interface {
	Publish(ev Event)
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(Event) {}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Subscription receives the events of one workbook until closed or
// dropped for falling behind. C is closed in both cases.
type Subscription struct {
	C          <-chan Event
	ch         chan Event
	hub        *Hub
	workbookID string
	userID     string
	once       sync.Once
}

// Close unsubscribes.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// Hub fans workbook events out to subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	log    *zap.Logger
	onDrop func(workbookID string)
}

// NewHub builds a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int, log *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{subs: map[string]map[*Subscription]struct{}{}, buffer: buffer, log: log}
}

// OnDrop registers a callback run whenever a slow subscriber is dropped.
func (h *Hub) OnDrop(fn func(workbookID string)) {
	h.mu.Lock()
	h.onDrop = fn
	h.mu.Unlock()
}

// Subscribe starts receiving events for a workbook.
func (h *Hub) Subscribe(workbookID, userID string) *Subscription {
	ch := make(chan Event, h.buffer)
	s := &Subscription{C: ch, ch: ch, hub: h, workbookID: workbookID, userID: userID}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[workbookID] == nil {
		h.subs[workbookID] = map[*Subscription]struct{}{}
	}
	h.subs[workbookID][s] = struct{}{}
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

func (h *Hub) removeLocked(s *Subscription) {
	if set, ok := h.subs[s.workbookID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.workbookID)
		}
	}
	s.once.Do(func() { close(s.ch) })
}

// Publish delivers ev to every subscriber of its workbook without
// blocking. Subscribers whose buffer is full are dropped.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[ev.WorkbookID] {
		select {
		case s.ch <- ev:
		default:
			h.log.Warn("dropping slow subscriber", zap.String("workbook", ev.WorkbookID), zap.String("user", s.userID))
			h.removeLocked(s)
			if h.onDrop != nil {
				h.onDrop(ev.WorkbookID)
			}
		}
	}
}

// Subscribers returns how many subscribers a workbook has.
func (h *Hub) Subscribers(workbookID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[workbookID])
}

// Serve streams a workbook's events to conn as JSON until the client
// disconnects, the subscription is dropped, or ctx ends. It owns conn.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, workbookID, userID string) {
	sub := h.Subscribe(workbookID, userID)
	defer sub.Close()
	defer conn.Close()

	// The read side only services pongs and notices disconnects.
	closed := make(chan struct{})
	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	h.log.Debug("websocket subscriber connected", zap.String("workbook", workbookID), zap.String("user", userID))
	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case ev, ok := <-sub.C:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"), time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.log.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
