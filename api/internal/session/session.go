package session

import (
	"context"
	"sync"

	"qcm-bot/api/internal/cards"
	"qcm-bot/api/internal/paragraphs"
	"qcm-bot/api/internal/poller"
	"qcm-bot/api/internal/qcm"
)

type Settings struct {
	QuestionCount int
	ModelID       string
	Difficulty    qcm.Difficulty
	Level         int
	DocumentPath  string
}

// Session - всё состояние автора в одном чате: текст, выбор абзацев,
// настройки генерации, карточки и текущая задача генерации.
type Session struct {
	ChatID     int64
	Paragraphs *paragraphs.Selection
	Cards      *cards.Store

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	sourceText string
	settings   Settings
	job        *poller.Handle
}

func New(parent context.Context, chatID int64, settings Settings, store *cards.Store) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ChatID:     chatID,
		Paragraphs: paragraphs.New(),
		Cards:      store,
		ctx:        ctx,
		cancel:     cancel,
		settings:   settings,
	}
}

// SetSourceText заменяет текст и список абзацев; прежний выбор абзацев не переживает правку текста.
func (s *Session) SetSourceText(text string, paras []string) {
	s.mu.Lock()
	s.sourceText = text
	s.mu.Unlock()
	s.Paragraphs.Reset(paras)
}

func (s *Session) SourceText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sourceText
}

func (s *Session) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

func (s *Session) UpdateSettings(fn func(*Settings)) Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.settings)
	return s.settings
}

// Request собирает запрос генерации из текущего состояния сессии.
func (s *Session) Request() qcm.GenerationRequest {
	s.mu.Lock()
	st, text := s.settings, s.sourceText
	s.mu.Unlock()
	return qcm.GenerationRequest{
		SourceText:       text,
		QuestionCount:    st.QuestionCount,
		ModelID:          st.ModelID,
		DocumentPath:     st.DocumentPath,
		ParagraphIndices: s.Paragraphs.Selected(),
		Level:            st.Level,
		Difficulty:       st.Difficulty,
	}
}

// StartJob отменяет предыдущую задачу сессии и запускает новую.
func (s *Session) StartJob(p *poller.Poller, req qcm.GenerationRequest, cb poller.Callbacks) (*poller.Handle, error) {
	s.CancelJob()
	h, err := p.Submit(s.ctx, req, cb)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.job = h
	s.mu.Unlock()
	return h, nil
}

// CancelJob останавливает текущий поллинг; false - если отменять нечего.
func (s *Session) CancelJob() bool {
	s.mu.Lock()
	h := s.job
	s.job = nil
	s.mu.Unlock()
	if h == nil || h.State() != poller.StatePending {
		return false
	}
	h.Cancel()
	return true
}

func (s *Session) Job() *poller.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job
}

// Close - разбор сессии: поллинг останавливается.
func (s *Session) Close() {
	s.CancelJob()
	s.cancel()
}
