package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/errcode"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/model"
)

const (
	wsHandshakeTimeout = 5 * time.Second

	// wsWriteWait bounds a single frame write so a stalled robot cannot block
	// a worker holding the session write lock.
	wsWriteWait = 10 * time.Second

	// wsIdleTimeout closes a robot connection nothing has dispatched over.
	wsIdleTimeout   = 60 * time.Second
	wsSweepInterval = 15 * time.Second

	wsMaxMessageSize = 1 << 20
)

// WSAdapter keeps one connection per robot, opened on demand and closed after
// sixty idle seconds. Replies are multiplexed over the connection and matched
// to waiting dispatches by command_id.
type WSAdapter struct {
	dialer *websocket.Dialer
	logger *zap.Logger

	mu     sync.Mutex
	conns  map[string]*wsSession
	closed bool
	done   chan struct{}
}

func NewWS(logger *zap.Logger) *WSAdapter {
	a := &WSAdapter{
		dialer: &websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout},
		logger: logger,
		conns:  make(map[string]*wsSession),
		done:   make(chan struct{}),
	}
	go a.sweepIdle()
	return a
}

func (a *WSAdapter) Protocol() model.Protocol { return model.ProtocolWebSocket }

func (a *WSAdapter) Dispatch(ctx context.Context, msg *model.Message, robot *model.Robot) (json.RawMessage, error) {
	body, err := buildRequest(msg, "")
	if err != nil {
		return nil, err
	}

	s, err := a.session(ctx, robot)
	if err != nil {
		return nil, err
	}

	ch := make(chan wireReply, 1)
	s.addPending(msg.ID, ch)
	defer s.removePending(msg.ID)

	if err := s.write(body); err != nil {
		a.drop(robot.ID, s)
		s.close()
		return nil, err
	}
	return awaitReply(ctx, ch)
}

// session returns the live connection for a robot, dialing a new one when
// none exists. The dial happens outside the adapter lock; a concurrent
// dispatch that wins the race keeps its connection and ours is discarded.
func (a *WSAdapter) session(ctx context.Context, robot *model.Robot) (*wsSession, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, errcode.New(errcode.CodeInternal, "adapter is shut down").
			WithDetail("reason", "shutting_down")
	}
	if s, ok := a.conns[robot.ID]; ok && s.alive() {
		s.touch()
		a.mu.Unlock()
		return s, nil
	}
	a.mu.Unlock()

	header := http.Header{}
	if robot.Credentials != "" {
		header.Set("Authorization", "Bearer "+robot.Credentials)
	}
	conn, resp, err := a.dialer.DialContext(ctx, robot.Endpoint, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errcode.Wrap(errcode.CodeTimeout, err, "handshake did not complete in time")
		}
		if errors.Is(err, context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, errcode.Wrap(errcode.CodeProtocol, err, "dial failed").
			WithDetail("endpoint", robot.Endpoint)
	}

	s := newWSSession(robot.ID, conn, a.logger)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		s.close()
		return nil, errcode.New(errcode.CodeInternal, "adapter is shut down").
			WithDetail("reason", "shutting_down")
	}
	if existing, ok := a.conns[robot.ID]; ok && existing.alive() {
		existing.touch()
		a.mu.Unlock()
		s.close()
		return existing, nil
	}
	a.conns[robot.ID] = s
	a.mu.Unlock()

	go s.readLoop(a)
	return s, nil
}

// drop forgets a session if it is still the registered one for the robot.
func (a *WSAdapter) drop(robotID string, s *wsSession) {
	a.mu.Lock()
	if cur, ok := a.conns[robotID]; ok && cur == s {
		delete(a.conns, robotID)
	}
	a.mu.Unlock()
}

func (a *WSAdapter) sweepIdle() {
	ticker := time.NewTicker(wsSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-wsIdleTimeout)
			var stale []*wsSession
			a.mu.Lock()
			for id, s := range a.conns {
				if s.idleSince().Before(cutoff) && !s.busy() {
					delete(a.conns, id)
					stale = append(stale, s)
				}
			}
			a.mu.Unlock()
			for _, s := range stale {
				s.logger.Debug("ws: closing idle robot connection")
				s.close()
			}
		case <-a.done:
			return
		}
	}
}

func (a *WSAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.done)
	sessions := make([]*wsSession, 0, len(a.conns))
	for _, s := range a.conns {
		sessions = append(sessions, s)
	}
	a.conns = make(map[string]*wsSession)
	a.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	return nil
}

// wsSession is one robot connection. writeMu serialises frame writes;
// gorilla connections do not allow concurrent writers. readLoop is the only
// reader and routes frames to pending dispatches.
type wsSession struct {
	robotID string
	conn    *websocket.Conn
	logger  *zap.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan wireReply
	lastUsed time.Time
	closed   bool
}

func newWSSession(robotID string, conn *websocket.Conn, logger *zap.Logger) *wsSession {
	return &wsSession{
		robotID:  robotID,
		conn:     conn,
		logger:   logger.With(zap.String("robot_id", robotID)),
		pending:  make(map[string]chan wireReply),
		lastUsed: time.Now(),
	}
}

func (s *wsSession) write(body []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return errcode.Wrap(errcode.CodeProtocol, err, "set write deadline")
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, body); err != nil {
		return errcode.Wrap(errcode.CodeProtocol, err, "write failed")
	}
	return nil
}

func (s *wsSession) readLoop(a *WSAdapter) {
	defer func() {
		a.drop(s.robotID, s)
		s.close()
	}()

	s.conn.SetReadLimit(wsMaxMessageSize)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.failPending(errcode.Wrap(errcode.CodeProtocol, err, "connection lost"))
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				s.logger.Warn("ws: robot connection closed unexpectedly", zap.Error(err))
			}
			return
		}

		var probe struct {
			CommandID string `json:"command_id"`
		}
		if err := json.Unmarshal(data, &probe); err != nil || probe.CommandID == "" {
			s.logger.Debug("ws: discarding unparseable frame", zap.Error(err))
			continue
		}

		s.mu.Lock()
		ch, ok := s.pending[probe.CommandID]
		s.mu.Unlock()
		if !ok {
			s.logger.Debug("ws: reply for unknown command", zap.String("command_id", probe.CommandID))
			continue
		}
		select {
		case ch <- wireReply{data: data}:
		default:
		}
	}
}

func (s *wsSession) addPending(id string, ch chan wireReply) {
	s.mu.Lock()
	s.pending[id] = ch
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

func (s *wsSession) removePending(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// failPending wakes every waiting dispatch with a transport error. Called by
// readLoop when the connection dies; the waiters' channels are buffered so
// the non-blocking sends always land.
func (s *wsSession) failPending(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.pending {
		select {
		case ch <- wireReply{err: err}:
		default:
		}
		delete(s.pending, id)
	}
}

func (s *wsSession) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *wsSession) busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0
}

func (s *wsSession) touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

func (s *wsSession) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

func (s *wsSession) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.conn.Close()
}
