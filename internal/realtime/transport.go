// Package realtime maintains the websocket session that streams live
// measurements, watches its health and reconnects when the provider goes
// quiet.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/edgewatt/tibberlink/internal/api"
)

const (
	subprotocol = "graphql-subscriptions"

	defaultReceiveTimeout = 90 * time.Second
	defaultPingInterval   = 30 * time.Second
	handshakeTimeout      = 10 * time.Second
	writeTimeout          = 10 * time.Second

	// subscriptionBuffer bounds each subscription channel. A slow consumer
	// loses messages instead of stalling the receive loop.
	subscriptionBuffer = 16
)

// ErrNotConnected is returned when a subscription is requested while no
// websocket session is established.
var ErrNotConnected = errors.New("websocket transport not connected")

// Subscription is one live feed multiplexed over the shared websocket.
type Subscription struct {
	id   int
	data chan json.RawMessage
}

// ID returns the wire id of the subscription.
func (s *Subscription) ID() int { return s.id }

// Data returns the payload channel. It is closed when the subscription is
// retired or the underlying session dies.
func (s *Subscription) Data() <-chan json.RawMessage { return s.data }

// Wire frames of the graphql-subscriptions protocol. Outbound ids must be
// emitted even when zero, so the structs are kept separate from the inbound
// one with its pointer id.
type initFrame struct {
	Type    string            `json:"type"`
	Payload map[string]string `json:"payload"`
}

type startFrame struct {
	Query string `json:"query"`
	Type  string `json:"type"`
	ID    int    `json:"id"`
}

type endFrame struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

type inboundFrame struct {
	Type    string          `json:"type"`
	ID      *int            `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// session is the state of one established websocket connection. Its
// subscriptions die with it; a reconnect starts an empty session.
type session struct {
	conn *websocket.Conn
	wmu  sync.Mutex // serializes data writes

	// guarded by Transport.mu
	subs   map[int]*Subscription
	active bool // receive loop alive
	closed bool // torn down by Close, not by failure
	done   chan struct{}
}

// Transport owns the websocket connection to the subscription endpoint. It
// can be connected repeatedly; each Connect replaces the previous session.
type Transport struct {
	endpoint     string
	token        string
	userAgent    string
	timeout      time.Duration
	pingInterval time.Duration
	logger       *logrus.Logger

	mu          sync.Mutex
	sess        *session
	reconnectAt time.Time
	nextID      int
}

// NewTransport creates a Transport bound to the given subscription endpoint.
func NewTransport(endpoint, token, userAgent string, logger *logrus.Logger) *Transport {
	return &Transport{
		endpoint:     endpoint,
		token:        token,
		userAgent:    userAgent,
		timeout:      defaultReceiveTimeout,
		pingInterval: defaultPingInterval,
		logger:       logger,
		reconnectAt:  time.Now().Add(defaultReceiveTimeout),
	}
}

// Connect dials the endpoint, sends the init frame and starts the receive
// and ping loops. A no-op when the current session is healthy; a dead or
// client-closed session is torn down and replaced.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.sess != nil && t.sess.active && !t.sess.closed {
		t.mu.Unlock()
		return nil
	}
	old := t.sess
	t.sess = nil
	if old != nil {
		old.closed = true
	}
	t.mu.Unlock()

	if old != nil {
		old.conn.Close()
		<-old.done
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Subprotocols:     []string{subprotocol},
	}
	header := http.Header{}
	if t.userAgent != "" {
		header.Set("User-Agent", t.userAgent)
	}

	conn, resp, err := dialer.DialContext(ctx, t.endpoint, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusUnauthorized {
				return api.NewHTTPError(api.ErrInvalidLogin, resp.StatusCode, "", "Invalid token")
			}
		}
		return fmt.Errorf("%w: dialing subscription endpoint: %v", api.ErrNetwork, err)
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(initFrame{Type: "init", Payload: map[string]string{"token": t.token}}); err != nil {
		conn.Close()
		return fmt.Errorf("%w: sending init frame: %v", api.ErrNetwork, err)
	}

	sess := &session{
		conn:   conn,
		subs:   make(map[int]*Subscription),
		active: true,
		done:   make(chan struct{}),
	}

	t.mu.Lock()
	t.sess = sess
	t.reconnectAt = time.Now().Add(t.timeout)
	t.mu.Unlock()

	go t.receiveLoop(sess)
	go t.pingLoop(sess)

	t.logger.WithField("endpoint", t.endpoint).Debug("Websocket connected")
	return nil
}

// Subscribe registers a new feed and sends its start frame. Ids increment
// across sessions so a late frame from a dead session can never be
// misdelivered.
func (t *Transport) Subscribe(ctx context.Context, query string) (*Subscription, error) {
	t.mu.Lock()
	sess := t.sess
	if sess == nil || !sess.active || sess.closed {
		t.mu.Unlock()
		return nil, ErrNotConnected
	}
	id := t.nextID
	t.nextID++
	sub := &Subscription{id: id, data: make(chan json.RawMessage, subscriptionBuffer)}
	sess.subs[id] = sub
	t.mu.Unlock()

	if err := t.writeFrame(ctx, sess, startFrame{Query: query, Type: "subscription_start", ID: id}); err != nil {
		t.mu.Lock()
		delete(sess.subs, id)
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: sending subscription start: %v", api.ErrNetwork, err)
	}

	t.logger.WithField("subscription_id", id).Debug("Subscription started")
	return sub, nil
}

// Unsubscribe retires a feed and tells the provider to stop it. The feed
// channel is closed immediately; the provider's own complete frame for an
// already retired id is ignored.
func (t *Transport) Unsubscribe(id int) error {
	t.mu.Lock()
	sess := t.sess
	if sess == nil || !sess.active || sess.closed {
		t.mu.Unlock()
		t.logger.Warn("Websocket is closed")
		return nil
	}
	sub, ok := sess.subs[id]
	delete(sess.subs, id)
	t.mu.Unlock()

	if ok {
		close(sub.data)
	}
	if err := t.writeFrame(context.Background(), sess, endFrame{ID: id, Type: "subscription_end"}); err != nil {
		return fmt.Errorf("%w: sending subscription end: %v", api.ErrNetwork, err)
	}
	return nil
}

func (t *Transport) writeFrame(ctx context.Context, sess *session, frame any) error {
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	sess.wmu.Lock()
	defer sess.wmu.Unlock()
	sess.conn.SetWriteDeadline(deadline)
	return sess.conn.WriteJSON(frame)
}

// Running reports whether the session is usable: a connection exists, it was
// not closed by the client, the receive loop is alive and data has been seen
// recently enough that reconnectAt has not lapsed.
func (t *Transport) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess := t.sess
	return sess != nil && !sess.closed && sess.active && time.Now().Before(t.reconnectAt)
}

// ReconnectAt returns the deadline after which the session counts as dead.
func (t *Transport) ReconnectAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reconnectAt
}

// ExpireReconnectAt forces the deadline into the past so Running turns false
// even while the socket is still open.
func (t *Transport) ExpireReconnectAt() {
	t.mu.Lock()
	t.reconnectAt = time.Now()
	t.mu.Unlock()
}

// Close tears the session down: the in-flight receive fails immediately and
// Close returns only after the receive loop has fully wound down.
func (t *Transport) Close() error {
	t.mu.Lock()
	sess := t.sess
	if sess == nil {
		t.mu.Unlock()
		return nil
	}
	t.sess = nil
	sess.closed = true
	t.mu.Unlock()

	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closed by client")
	sess.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	err := sess.conn.Close()
	<-sess.done
	return err
}

// receiveLoop reads frames until the connection fails, the per-message
// deadline lapses or the client closes. On exit it retires every
// subscription of its session so consumers unblock.
func (t *Transport) receiveLoop(sess *session) {
	var cause error
	for {
		sess.conn.SetReadDeadline(time.Now().Add(t.timeout))
		_, message, err := sess.conn.ReadMessage()
		if err != nil {
			cause = err
			break
		}

		t.mu.Lock()
		t.reconnectAt = time.Now().Add(t.timeout)
		t.mu.Unlock()

		t.dispatch(sess, message)
	}

	t.mu.Lock()
	sess.active = false
	closedByClient := sess.closed
	subs := sess.subs
	sess.subs = nil
	t.mu.Unlock()

	switch {
	case closedByClient:
		t.logger.Debug("Websocket closed by client")
	case isTimeout(cause):
		t.logger.Errorf("No data received for %s", t.timeout)
	default:
		t.logger.WithError(cause).Error("Websocket receive failed")
	}

	sess.conn.Close()
	for _, sub := range subs {
		close(sub.data)
	}
	close(sess.done)
}

// dispatch routes one inbound frame. Frames without an id are keepalives or
// protocol chatter and are dropped.
func (t *Transport) dispatch(sess *session, message []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		t.logger.WithError(err).Debug("Discarding malformed frame")
		return
	}
	if frame.ID == nil {
		return
	}

	t.mu.Lock()
	sub, ok := sess.subs[*frame.ID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if frame.Type == "complete" {
		delete(sess.subs, *frame.ID)
		t.mu.Unlock()
		close(sub.data)
		t.logger.WithField("subscription_id", *frame.ID).Debug("Subscription completed")
		return
	}
	t.mu.Unlock()

	if len(frame.Payload) == 0 {
		return
	}
	select {
	case sub.data <- frame.Payload:
	default:
		t.logger.WithField("subscription_id", *frame.ID).Warn("Dropping message, subscriber not keeping up")
	}
}

func (t *Transport) pingLoop(sess *session) {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			if err := sess.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
