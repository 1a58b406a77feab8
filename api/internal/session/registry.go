package session

import (
	"context"
	"sync"

	"qcm-bot/api/internal/cards"
)

// Registry хранит сессии по chatID вместо глобальных переменных.
type Registry struct {
	ctx      context.Context
	defaults Settings
	newCards func(chatID int64) *cards.Store

	mu       sync.Mutex
	sessions map[int64]*Session
}

func NewRegistry(ctx context.Context, defaults Settings, newCards func(chatID int64) *cards.Store) *Registry {
	return &Registry{
		ctx:      ctx,
		defaults: defaults,
		newCards: newCards,
		sessions: map[int64]*Session{},
	}
}

// Get возвращает сессию чата, создавая её при первом обращении.
func (r *Registry) Get(chatID int64) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[chatID]; ok {
		return s
	}
	s := New(r.ctx, chatID, r.defaults, r.newCards(chatID))
	r.sessions[chatID] = s
	return s
}

func (r *Registry) Lookup(chatID int64) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[chatID]
	return s, ok
}

// Drop закрывает и забывает сессию чата.
func (r *Registry) Drop(chatID int64) {
	r.mu.Lock()
	s, ok := r.sessions[chatID]
	delete(r.sessions, chatID)
	r.mu.Unlock()
	if ok {
		s.Close()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
}
