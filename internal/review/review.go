// Package review runs the human sign-off workflow for curated clip selections:
// draft, material review, preview approval, then approved or rejected.
package review

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/clipdex/internal/config"
	"github.com/hyperjump/clipdex/internal/models"
)

// Stage is the position of a session in the workflow.
type Stage string

const (
	StageDraft           Stage = "draft"
	StageMaterialReview  Stage = "material_review"
	StagePreviewApproval Stage = "preview_approval"
	StageApproved        Stage = "approved"
	StageRejected        Stage = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s Stage) Terminal() bool {
	return s == StageApproved || s == StageRejected
}

func (s Stage) next() Stage {
	switch s {
	case StageDraft:
		return StageMaterialReview
	case StageMaterialReview:
		return StagePreviewApproval
	case StagePreviewApproval:
		return StageApproved
	}
	return s
}

// Actors recorded on transitions.
const (
	ActorUser    = "user"
	ActorTimeout = "timeout"
)

// ErrSessionClosed is returned when acting on an approved or rejected session.
var ErrSessionClosed = errors.New("review session is closed")

// Transition records one stage change.
type Transition struct {
	From  Stage     `json:"from"`
	To    Stage     `json:"to"`
	Actor string    `json:"actor"`
	Note  string    `json:"note,omitempty"`
	At    time.Time `json:"at"`
}

// Session is a snapshot of one review.
type Session struct {
	ID         string       `json:"id"`
	Title      string       `json:"title"`
	SegmentIDs []string     `json:"segment_ids"`
	Stage      Stage        `json:"stage"`
	Deadline   *time.Time   `json:"deadline,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
	History    []Transition `json:"history"`
}

func (s *Session) clone() *Session {
	c := *s
	c.SegmentIDs = append([]string(nil), s.SegmentIDs...)
	c.History = append([]Transition(nil), s.History...)
	if s.Deadline != nil {
		d := *s.Deadline
		c.Deadline = &d
	}
	return &c
}

type entry struct {
	session *Session
	timer   *time.Timer
	// armed increments on every stage change so a late timer can tell it is stale.
	armed uint64
}

// Manager owns review sessions and their stage timers.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*entry
	timeout  time.Duration
	action   string
	closed   bool
	logger   *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a manager. The timeout action has no default and must be
// "approve" or "reject". A zero timeout disables stage timers.
func NewManager(cfg *config.ReviewConfig, opts ...Option) (*Manager, error) {
	switch cfg.TimeoutAction {
	case config.TimeoutApprove, config.TimeoutReject:
	default:
		return nil, fmt.Errorf("%w: review timeout action must be %q or %q, got %q",
			models.ErrInvalidInput, config.TimeoutApprove, config.TimeoutReject, cfg.TimeoutAction)
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("%w: review timeout must not be negative", models.ErrInvalidInput)
	}
	m := &Manager{
		sessions: make(map[string]*entry),
		timeout:  cfg.Timeout,
		action:   cfg.TimeoutAction,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Create opens a session in the draft stage.
func (m *Manager) Create(title string, segmentIDs []string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrSessionClosed
	}
	now := time.Now().UTC()
	s := &Session{
		ID:         uuid.NewString(),
		Title:      title,
		SegmentIDs: append([]string(nil), segmentIDs...),
		Stage:      StageDraft,
		CreatedAt:  now,
		UpdatedAt:  now,
		History:    []Transition{},
	}
	e := &entry{session: s}
	m.sessions[s.ID] = e
	m.armLocked(e)
	if m.logger != nil {
		m.logger.Info("review session created", zap.String("session_id", s.ID), zap.Int("segments", len(segmentIDs)))
	}
	return s.clone(), nil
}

// Get returns a session snapshot.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, &models.NotFoundError{Kind: "review session", ID: id}
	}
	return e.session.clone(), nil
}

// List returns all sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.session.clone())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Approve advances the session one stage.
func (m *Manager) Approve(id, note string) (*Session, error) {
	return m.transition(id, ActorUser, note, true)
}

// Reject ends the session.
func (m *Manager) Reject(id, note string) (*Session, error) {
	return m.transition(id, ActorUser, note, false)
}

func (m *Manager) transition(id, actor, note string, approve bool) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, &models.NotFoundError{Kind: "review session", ID: id}
	}
	if e.session.Stage.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionClosed, id, e.session.Stage)
	}
	m.moveLocked(e, actor, note, approve)
	return e.session.clone(), nil
}

func (m *Manager) moveLocked(e *entry, actor, note string, approve bool) {
	s := e.session
	to := StageRejected
	if approve {
		to = s.Stage.next()
	}
	now := time.Now().UTC()
	s.History = append(s.History, Transition{From: s.Stage, To: to, Actor: actor, Note: note, At: now})
	s.Stage = to
	s.UpdatedAt = now
	m.armLocked(e)
	if m.logger != nil {
		m.logger.Info("review session moved",
			zap.String("session_id", s.ID),
			zap.String("stage", string(to)),
			zap.String("actor", actor))
	}
}

// armLocked replaces the stage timer. Terminal stages have none.
func (m *Manager) armLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.armed++
	e.session.Deadline = nil
	if m.timeout <= 0 || m.closed || e.session.Stage.Terminal() {
		return
	}
	deadline := time.Now().UTC().Add(m.timeout)
	e.session.Deadline = &deadline
	id, gen := e.session.ID, e.armed
	e.timer = time.AfterFunc(m.timeout, func() { m.expire(id, gen) })
}

func (m *Manager) expire(id string, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok || e.armed != gen || m.closed || e.session.Stage.Terminal() {
		return
	}
	if m.logger != nil {
		m.logger.Warn("review stage timed out",
			zap.String("session_id", id),
			zap.String("stage", string(e.session.Stage)),
			zap.String("action", m.action))
	}
	note := fmt.Sprintf("no response within %s", m.timeout)
	m.moveLocked(e, ActorTimeout, note, m.action == config.TimeoutApprove)
}

// Close stops all timers. Sessions stay readable.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, e := range m.sessions {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	return nil
}
