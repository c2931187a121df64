// Package session tracks lightweight, in-process bookkeeping for active
// voice-agent connections: an active-session count for /healthz and
// metrics, and an inactivity janitor. Spec.md's own Session data model
// (persona, history, turn slot, hangup flag) lives on voice.Orchestrator
// itself, created at WebSocket accept per spec.md §3 — there is no
// separate REST "create session" step to front it.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Record is one tracked connection's bookkeeping entry.
type Record struct {
	ID             string
	PersonaID      string
	Status         Status
	StartedAt      time.Time
	LastActivityAt time.Time
}

// Manager is a process-wide registry of active connections. It holds no
// conversation state; it exists purely for observability (active_sessions
// gauge, /healthz) and the ASR-idle-adjacent inactivity janitor.
type Manager struct {
	mu       sync.Mutex
	records  map[string]*Record
	timeout  time.Duration
	onExpire func(*Record)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		records: make(map[string]*Record),
		timeout: inactivityTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(*Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create registers a new connection and returns its generated ID.
func (m *Manager) Create(personaID string) *Record {
	now := time.Now().UTC()
	r := &Record{
		ID:             uuid.NewString(),
		PersonaID:      personaID,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}
	m.mu.Lock()
	m.records[r.ID] = r
	m.mu.Unlock()
	cp := *r
	return &cp
}

func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[id]; ok {
		r.LastActivityAt = time.Now().UTC()
	}
}

func (m *Manager) End(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[id]; ok {
		r.Status = StatusEnded
		r.LastActivityAt = time.Now().UTC()
	}
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.Status == StatusActive {
			n++
		}
	}
	return n
}

// StartJanitor periodically ends records that have been inactive past the
// configured timeout, invoking the expire hook (if any) for each.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Record

	m.mu.Lock()
	hook := m.onExpire
	for _, r := range m.records {
		if r.Status != StatusActive {
			continue
		}
		if now.Sub(r.LastActivityAt) < m.timeout {
			continue
		}
		r.Status = StatusEnded
		r.LastActivityAt = now
		cp := *r
		expired = append(expired, &cp)
	}
	m.mu.Unlock()

	if hook != nil {
		for _, r := range expired {
			hook(r)
		}
	}
}
