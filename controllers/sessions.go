package controllers

import (
	"sync"

	"vfitapi/bridge"
	"vfitapi/models"
	"vfitapi/orchestrator"
)

// WidgetSession is one embedded widget instance: its orchestrator, its
// host-page bridge (attached lazily when the host connects) and the store
// it was resolved to.
type WidgetSession struct {
	ID           string
	Orchestrator *orchestrator.Orchestrator

	mu     sync.Mutex
	store  models.StoreIdentity
	bridge *bridge.Bridge
}

func (s *WidgetSession) Store() models.StoreIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store
}

func (s *WidgetSession) SetStore(store models.StoreIdentity) {
	s.mu.Lock()
	s.store = store
	s.mu.Unlock()
}

func (s *WidgetSession) Bridge() *bridge.Bridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridge
}

// AttachBridge replaces the session's host-page bridge, closing a previous
// one if the host reconnected.
func (s *WidgetSession) AttachBridge(b *bridge.Bridge) {
	s.mu.Lock()
	previous := s.bridge
	s.bridge = b
	s.mu.Unlock()
	if previous != nil {
		previous.Close()
	}
}

func (s *WidgetSession) Close() {
	s.mu.Lock()
	b := s.bridge
	s.bridge = nil
	s.mu.Unlock()
	if b != nil {
		b.Close()
	}
	s.Orchestrator.Close()
}

// SessionRegistry holds live widget sessions in memory; sessions are
// discarded on widget close or server restart, never persisted.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*WidgetSession
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: map[string]*WidgetSession{}}
}

func (r *SessionRegistry) Put(session *WidgetSession) {
	r.mu.Lock()
	r.sessions[session.ID] = session
	r.mu.Unlock()
}

func (r *SessionRegistry) Get(id string) (*WidgetSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	return session, ok
}

// Remove drops and closes a session. No-op for unknown ids.
func (r *SessionRegistry) Remove(id string) {
	r.mu.Lock()
	session, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		session.Close()
	}
}
