// Package store keeps the lifecycle record for every command the service has
// accepted. Active records live in a plain map; records that reach a terminal
// state are parked in an expiring cache and disappear after the configured
// TTL. Command ids stay reserved for the whole process lifetime, so a client
// cannot reuse an id even after its record has been evicted.
package store

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/errcode"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/model"
)

// ErrNotFound is returned for lookups and updates against an unknown
// command id.
var ErrNotFound = errors.New("record not found")

// Store maps command ids to lifecycle records and supports lookup by trace.
// Safe for concurrent use. Callers always receive clones; internal records
// never escape.
type Store struct {
	mu       sync.RWMutex
	active   map[string]*model.Record
	terminal *cache.Cache
	byTrace  map[string][]string
	seen     map[string]struct{}
	logger   *zap.Logger
}

// New builds a store whose terminal records expire ttl after their final
// transition. Expired entries are reaped by Sweep, which the background
// scheduler calls; there is no internal janitor goroutine.
func New(ttl time.Duration, logger *zap.Logger) *Store {
	s := &Store{
		active:   make(map[string]*model.Record),
		terminal: cache.New(ttl, 0),
		byTrace:  make(map[string][]string),
		seen:     make(map[string]struct{}),
		logger:   logger.Named("store"),
	}
	s.terminal.OnEvicted(s.onEvicted)
	return s
}

// Insert creates a pending record for the message. Duplicate command ids are
// rejected, including ids whose records have already been evicted.
func (s *Store) Insert(msg model.Message) (*model.Record, error) {
	now := time.Now().UTC()
	rec := &model.Record{
		Command:   msg,
		State:     model.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[msg.ID]; dup {
		return nil, errcode.New(errcode.CodeValidation, "duplicate command id").
			WithDetail("reason", "duplicate_command_id").
			WithDetail("command_id", msg.ID)
	}
	s.seen[msg.ID] = struct{}{}
	s.active[msg.ID] = rec
	s.byTrace[msg.TraceID] = append(s.byTrace[msg.TraceID], msg.ID)
	return rec.Clone(), nil
}

// Discard undoes an Insert whose queue admission failed, releasing the
// command id so the client can retry the same command after backing off.
// Only a still-pending record can be discarded.
func (s *Store) Discard(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.active[id]
	if !ok || rec.State != model.StatePending {
		return
	}
	delete(s.active, id)
	delete(s.seen, id)
	s.unlinkTraceLocked(rec.Command.TraceID, id)
}

// Exists reports whether the command id has ever been accepted.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seen[id]
	return ok
}

// Get returns a clone of the record, active or terminal.
func (s *Store) Get(id string) (*model.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(id)
}

func (s *Store) getLocked(id string) (*model.Record, bool) {
	if rec, ok := s.active[id]; ok {
		return rec.Clone(), true
	}
	if v, ok := s.terminal.Get(id); ok {
		return v.(*model.Record).Clone(), true
	}
	return nil, false
}

// UpdateState moves a record through the lifecycle. Illegal transitions are
// refused and logged at ERROR; the record is left untouched. Terminal
// transitions move the record into the TTL cache.
func (s *Store) UpdateState(id string, to model.State, result json.RawMessage, errInfo *model.ErrorInfo) (*model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.active[id]
	if !ok {
		if cur, found := s.getLocked(id); found {
			s.logger.Error("refused state transition on terminal record",
				zap.String("command_id", id),
				zap.String("from", string(cur.State)),
				zap.String("to", string(to)))
			return nil, errcode.New(errcode.CodeInternal, "record is terminal").
				WithDetail("from", string(cur.State)).
				WithDetail("to", string(to))
		}
		return nil, ErrNotFound
	}

	if !rec.State.CanTransition(to) {
		s.logger.Error("refused illegal state transition",
			zap.String("command_id", id),
			zap.String("from", string(rec.State)),
			zap.String("to", string(to)))
		return nil, errcode.New(errcode.CodeInternal, "illegal state transition").
			WithDetail("from", string(rec.State)).
			WithDetail("to", string(to))
	}

	rec.State = to
	rec.UpdatedAt = time.Now().UTC()
	if result != nil {
		rec.Result = result
	}
	if errInfo != nil {
		rec.LastError = errInfo
	}
	if to.Terminal() {
		delete(s.active, id)
		s.terminal.Set(id, rec, cache.DefaultExpiration)
	}
	return rec.Clone(), nil
}

// SetAttempts records the queue's attempt counter on an active record so the
// status endpoint reflects retries.
func (s *Store) SetAttempts(id string, attempts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.active[id]; ok {
		rec.Command.AttemptCount = attempts
		rec.UpdatedAt = time.Now().UTC()
	}
}

// FindByTrace returns clones of every live record sharing the trace id, in
// insertion order.
func (s *Store) FindByTrace(traceID string) []*model.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byTrace[traceID]
	out := make([]*model.Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.getLocked(id); ok {
			out = append(out, rec)
		}
	}
	return out
}

// NonTerminal returns clones of every record still pending or running. Used
// by shutdown to verify the drain finished its job.
func (s *Store) NonTerminal() []*model.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Record, 0, len(s.active))
	for _, rec := range s.active {
		out = append(out, rec.Clone())
	}
	return out
}

// Sweep evicts terminal records older than the TTL.
func (s *Store) Sweep() {
	s.terminal.DeleteExpired()
}

// Counts reports active and parked terminal records, mostly for tests and
// the queue stats endpoint.
func (s *Store) Counts() (active, terminal int) {
	s.mu.RLock()
	active = len(s.active)
	s.mu.RUnlock()
	return active, s.terminal.ItemCount()
}

// onEvicted unlinks an evicted record from the trace index. go-cache invokes
// it outside its own lock, so taking the store lock here is safe.
func (s *Store) onEvicted(id string, v any) {
	rec, ok := v.(*model.Record)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlinkTraceLocked(rec.Command.TraceID, id)
}

func (s *Store) unlinkTraceLocked(traceID, id string) {
	ids := s.byTrace[traceID]
	for i, cur := range ids {
		if cur == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.byTrace, traceID)
	} else {
		s.byTrace[traceID] = ids
	}
}
