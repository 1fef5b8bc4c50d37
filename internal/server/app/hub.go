package app

import (
	"sync"
	"sync/atomic"
	"time"

	scouterrors "scout/internal/errors"
	"scout/internal/events"
	"scout/internal/logging"
	"scout/internal/observability"
)

const (
	defaultRingCapacity     = 1000
	defaultSubscriberBuffer = 256
)

// HubConfig bounds per-session memory.
type HubConfig struct {
	RingCapacity     int
	SubscriberBuffer int
}

// Hub fans session events out to subscribers and keeps enough state to
// rehydrate late joiners: the latest update of every stage, every artifact
// and the latest research status. A bounded ring of raw events is kept per
// session for debugging.
type Hub struct {
	cfg     HubConfig
	logger  logging.Logger
	metrics *observability.Metrics

	mu       sync.RWMutex
	sessions map[string]*sessionChannel

	nextID    atomic.Uint64
	published atomic.Int64
	pruned    atomic.Int64
}

// HubOption customizes a Hub.
type HubOption func(*Hub)

// WithHubLogger replaces the component logger.
func WithHubLogger(logger logging.Logger) HubOption {
	return func(h *Hub) { h.logger = logging.OrNop(logger) }
}

// WithHubMetrics records fan-out metrics.
func WithHubMetrics(metrics *observability.Metrics) HubOption {
	return func(h *Hub) { h.metrics = metrics }
}

// NewHub creates an empty hub.
func NewHub(cfg HubConfig, opts ...HubOption) *Hub {
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = defaultRingCapacity
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	h := &Hub{
		cfg:      cfg,
		logger:   logging.NewComponentLogger("Hub"),
		sessions: make(map[string]*sessionChannel),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscription is one live subscriber of a session. Events arrive on C in
// publish order; C is closed when the subscriber is pruned, unsubscribed or
// the session is forgotten.
type Subscription struct {
	ID        uint64
	SessionID string
	C         <-chan events.Envelope

	ch  chan events.Envelope
	hub *Hub
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.hub.Unsubscribe(s)
}

type sessionChannel struct {
	mu          sync.Mutex
	ring        *ring
	stages      map[string]events.Envelope
	stageOrder  []string
	files       []events.Envelope
	fileIDs     map[string]bool
	status      *events.Envelope
	updatedAt   time.Time
	subscribers map[uint64]*Subscription
}

func newSessionChannel(capacity int) *sessionChannel {
	return &sessionChannel{
		ring:        newRing(capacity),
		stages:      make(map[string]events.Envelope),
		fileIDs:     make(map[string]bool),
		subscribers: make(map[uint64]*Subscription),
	}
}

func (h *Hub) channel(sessionID string, create bool) *sessionChannel {
	h.mu.RLock()
	sc, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if ok || !create {
		return sc
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if sc, ok := h.sessions[sessionID]; ok {
		return sc
	}
	sc = newSessionChannel(h.cfg.RingCapacity)
	h.sessions[sessionID] = sc
	return sc
}

// Publish records env and delivers it to every live subscriber of its
// session. Stage updates that would move a stage backwards, and status
// updates after a terminal status, are dropped.
func (h *Hub) Publish(env events.Envelope) {
	if env.SessionID == "" || env.Payload == nil {
		h.logger.Warn("Dropping event without session or payload: %s", env.Type())
		return
	}
	sc := h.channel(env.SessionID, true)

	sc.mu.Lock()
	defer sc.mu.Unlock()

	if !sc.apply(env) {
		h.logger.Debug("Session %s: dropping out-of-order %s", env.SessionID, env.Type())
		h.metrics.IncLineDropped("out_of_order")
		return
	}
	sc.ring.push(env)
	sc.updatedAt = env.Timestamp
	h.published.Add(1)
	h.metrics.IncEventPublished(string(env.Type()))

	for id, sub := range sc.subscribers {
		select {
		case sub.ch <- env:
		default:
			failure := &scouterrors.BroadcastDeliveryFailure{
				SessionID:    env.SessionID,
				SubscriberID: id,
				Err:          errSubscriberBufferFull,
			}
			h.logger.Warn("Pruning subscriber: %v", failure)
			delete(sc.subscribers, id)
			close(sub.ch)
			h.pruned.Add(1)
			h.metrics.SubscriberRemoved(true)
		}
	}
}

// apply folds env into the latest-state view. It returns false when the
// event must not be delivered.
func (sc *sessionChannel) apply(env events.Envelope) bool {
	switch payload := env.Payload.(type) {
	case events.AgentUpdate:
		key := payload.AgentID
		if key == "" {
			key = events.StageID(payload.AgentName)
		}
		if prev, ok := sc.stages[key]; ok {
			prevStatus := prev.Payload.(events.AgentUpdate).Status
			if !prevStatus.CanTransition(payload.Status) {
				return false
			}
		} else {
			sc.stageOrder = append(sc.stageOrder, key)
		}
		sc.stages[key] = env
	case events.FileGenerated:
		if sc.fileIDs[payload.FileID] {
			return false
		}
		sc.fileIDs[payload.FileID] = true
		sc.files = append(sc.files, env)
	case events.ResearchStatus:
		if sc.status != nil && sc.status.Payload.(events.ResearchStatus).OverallStatus.Terminal() {
			return false
		}
		latest := env
		sc.status = &latest
	}
	return true
}

// snapshot must be called with sc.mu held.
func (sc *sessionChannel) snapshot() []events.Envelope {
	out := make([]events.Envelope, 0, len(sc.stageOrder)+len(sc.files)+1)
	for _, key := range sc.stageOrder {
		out = append(out, sc.stages[key])
	}
	out = append(out, sc.files...)
	if sc.status != nil {
		out = append(out, *sc.status)
	}
	return out
}

// Subscribe registers a subscriber and returns it together with the
// rehydration snapshot. Both are taken under the session lock, so every
// event is either in the snapshot or delivered on the channel, never both.
func (h *Hub) Subscribe(sessionID string) (*Subscription, []events.Envelope) {
	sc := h.channel(sessionID, true)
	ch := make(chan events.Envelope, h.cfg.SubscriberBuffer)
	sub := &Subscription{
		ID:        h.nextID.Add(1),
		SessionID: sessionID,
		C:         ch,
		ch:        ch,
		hub:       h,
	}

	sc.mu.Lock()
	snapshot := sc.snapshot()
	sc.subscribers[sub.ID] = sub
	count := len(sc.subscribers)
	sc.mu.Unlock()

	h.metrics.SubscriberAdded()
	h.logger.Info("Subscriber %d joined session %s (total: %d, snapshot: %d)", sub.ID, sessionID, count, len(snapshot))
	return sub, snapshot
}

// Unsubscribe removes sub and closes its channel. Unknown or already
// removed subscriptions are ignored.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sc := h.channel(sub.SessionID, false)
	if sc == nil {
		return
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if _, ok := sc.subscribers[sub.ID]; !ok {
		return
	}
	delete(sc.subscribers, sub.ID)
	close(sub.ch)
	h.metrics.SubscriberRemoved(false)
	h.logger.Info("Subscriber %d left session %s (remaining: %d)", sub.ID, sub.SessionID, len(sc.subscribers))
}

// Snapshot returns the rehydration snapshot without subscribing.
func (h *Hub) Snapshot(sessionID string) []events.Envelope {
	sc := h.channel(sessionID, false)
	if sc == nil {
		return nil
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.snapshot()
}

// History returns the buffered raw events of a session, oldest first.
func (h *Hub) History(sessionID string) []events.Envelope {
	sc := h.channel(sessionID, false)
	if sc == nil {
		return nil
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.ring.items()
}

// SessionView is the folded latest state of a session.
type SessionView struct {
	SessionID string
	Status    *events.ResearchStatus
	Agents    []events.AgentUpdate
	Files     []events.FileGenerated
	UpdatedAt time.Time
}

// View folds the latest state of a session. ok is false for sessions the
// hub has never seen.
func (h *Hub) View(sessionID string) (SessionView, bool) {
	sc := h.channel(sessionID, false)
	if sc == nil {
		return SessionView{}, false
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	view := SessionView{SessionID: sessionID, UpdatedAt: sc.updatedAt}
	for _, key := range sc.stageOrder {
		view.Agents = append(view.Agents, sc.stages[key].Payload.(events.AgentUpdate))
	}
	for _, env := range sc.files {
		view.Files = append(view.Files, env.Payload.(events.FileGenerated))
	}
	if sc.status != nil {
		status := sc.status.Payload.(events.ResearchStatus)
		view.Status = &status
	}
	return view, true
}

// Forget drops all state of a session and closes its subscriptions.
func (h *Hub) Forget(sessionID string) {
	h.mu.Lock()
	sc, ok := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()
	if !ok {
		return
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for id, sub := range sc.subscribers {
		delete(sc.subscribers, id)
		close(sub.ch)
		h.metrics.SubscriberRemoved(false)
	}
	h.logger.Info("Forgot session %s", sessionID)
}

// ClientCount returns the number of live subscribers of a session.
func (h *Hub) ClientCount(sessionID string) int {
	sc := h.channel(sessionID, false)
	if sc == nil {
		return 0
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return len(sc.subscribers)
}

// HubStats is a point-in-time summary for health endpoints.
type HubStats struct {
	Sessions        int            `json:"sessions"`
	Subscribers     int            `json:"subscribers"`
	EventsPublished int64          `json:"events_published"`
	Pruned          int64          `json:"subscribers_pruned"`
	Retained        int            `json:"events_retained"`
	BufferDepth     map[string]int `json:"buffer_depth,omitempty"`
}

// Stats reports hub counters, retained history and per-session subscriber
// buffer depth.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	channels := make(map[string]*sessionChannel, len(h.sessions))
	for id, sc := range h.sessions {
		channels[id] = sc
	}
	h.mu.RUnlock()

	stats := HubStats{
		Sessions:        len(channels),
		EventsPublished: h.published.Load(),
		Pruned:          h.pruned.Load(),
		BufferDepth:     make(map[string]int),
	}
	for id, sc := range channels {
		sc.mu.Lock()
		depth := 0
		for _, sub := range sc.subscribers {
			depth += len(sub.ch)
		}
		stats.Subscribers += len(sc.subscribers)
		stats.Retained += sc.ring.len()
		sc.mu.Unlock()
		if depth > 0 {
			stats.BufferDepth[id] = depth
		}
	}
	return stats
}
