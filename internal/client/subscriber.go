package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	scouterrors "scout/internal/errors"
	"scout/internal/events"
	"scout/internal/logging"
)

const (
	defaultInitialBackoff   = 500 * time.Millisecond
	defaultMaxBackoff       = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultDeadPeerTimeout  = 90 * time.Second
)

// SubscriberConfig configures a Subscriber.
type SubscriberConfig struct {
	// BaseURL is the server root, e.g. http://localhost:8080. ws and wss
	// schemes are accepted as well.
	BaseURL   string
	SessionID string

	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	HandshakeTimeout time.Duration
	// DeadPeerTimeout drops a connection that has sent neither data nor a
	// ping for this long.
	DeadPeerTimeout time.Duration
	// StopOnTerminal ends Run once the session completes or fails.
	StopOnTerminal bool
}

func (c SubscriberConfig) withDefaults() SubscriberConfig {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.DeadPeerTimeout <= 0 {
		c.DeadPeerTimeout = defaultDeadPeerTimeout
	}
	return c
}

// Subscriber keeps a Store in sync with one session stream. Every
// connection starts with the server's snapshot, which replaces the store.
type Subscriber struct {
	cfg      SubscriberConfig
	endpoint string
	store    *Store
	dialer   *websocket.Dialer
	logger   logging.Logger
	onChange func(Snapshot)

	connects atomic.Int64
}

// SubscriberOption customizes a Subscriber.
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger replaces the component logger.
func WithSubscriberLogger(logger logging.Logger) SubscriberOption {
	return func(s *Subscriber) { s.logger = logging.OrNop(logger) }
}

// WithUpdateHook is called with a fresh snapshot after every frame that
// changed the store.
func WithUpdateHook(fn func(Snapshot)) SubscriberOption {
	return func(s *Subscriber) { s.onChange = fn }
}

// NewSubscriber validates cfg and prepares a subscriber feeding store.
func NewSubscriber(cfg SubscriberConfig, store *Store, opts ...SubscriberOption) (*Subscriber, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if strings.TrimSpace(cfg.SessionID) == "" {
		return nil, errors.New("session id is required")
	}
	endpoint, err := StreamURL(cfg.BaseURL, cfg.SessionID)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	s := &Subscriber{
		cfg:      cfg,
		endpoint: endpoint,
		store:    store,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		logger:   logging.NewComponentLogger("Subscriber"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// StreamURL builds the WebSocket endpoint of a session from a server root.
func StreamURL(base, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url %q has no host", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/sessions/" + sessionID + "/stream"
	u.RawPath = ""
	u.RawQuery = ""
	return u.String(), nil
}

// Connects returns how many connections delivered a snapshot.
func (s *Subscriber) Connects() int64 {
	return s.connects.Load()
}

// Run streams the session until ctx ends, or until the session is terminal
// when StopOnTerminal is set. An unknown session ends Run with
// ErrSessionNotFound. Dropped connections are retried with
// exponential backoff; the delay resets after every successful snapshot.
func (s *Subscriber) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.InitialBackoff
	bo.MaxInterval = s.cfg.MaxBackoff
	bo.Reset()

	for {
		synced, terminal, err := s.stream(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if terminal {
			s.logger.Info("Session %s finished with status %s", s.cfg.SessionID, s.store.Status())
			return nil
		}
		if errors.Is(err, scouterrors.ErrSessionNotFound) {
			return err
		}
		if synced {
			bo.Reset()
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			wait = s.cfg.MaxBackoff
		}
		s.logger.Warn("Stream for session %s lost: %v (retrying in %s)", s.cfg.SessionID, err, wait.Round(time.Millisecond))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// stream runs one connection. synced reports whether a snapshot arrived;
// terminal whether Run should stop.
func (s *Subscriber) stream(ctx context.Context) (synced, terminal bool, err error) {
	conn, resp, err := s.dialer.DialContext(ctx, s.endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return false, false, fmt.Errorf("%w: %s", scouterrors.ErrSessionNotFound, s.cfg.SessionID)
		}
		return false, false, fmt.Errorf("dial %s: %w", s.endpoint, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	extend := func() error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.DeadPeerTimeout))
	}
	conn.SetPingHandler(func(data string) error {
		_ = extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		if err := extend(); err != nil {
			return synced, false, err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return synced, false, err
		}
		frame, err := events.ParseFrame(data)
		if err != nil {
			s.logger.Debug("Dropping malformed frame for session %s: %v", s.cfg.SessionID, err)
			continue
		}

		changed := true
		if frame.Snapshot {
			s.store.Replace(frame.Events)
			if !synced {
				synced = true
				s.connects.Add(1)
				s.logger.Debug("Session %s rehydrated with %d events", s.cfg.SessionID, len(frame.Events))
			}
		} else {
			changed = s.store.Apply(frame.Event)
		}
		if changed && s.onChange != nil {
			s.onChange(s.store.Snapshot())
		}

		if s.cfg.StopOnTerminal && s.store.Status().Terminal() {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished"),
				time.Now().Add(time.Second))
			return synced, true, nil
		}
	}
}
