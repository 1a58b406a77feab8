package cards

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"qcm-bot/api/internal/backend"
	"qcm-bot/api/internal/logger"
	"qcm-bot/api/internal/qcm"
)

var (
	ErrNotFound     = errors.New("card not found")
	ErrBusy         = errors.New("card is waiting for the backend")
	ErrComparing    = errors.New("card shows improvement suggestions: apply or cancel first")
	ErrNotComparing = errors.New("card has no pending suggestions")
	ErrChoiceIndex  = errors.New("choice index out of range")
)

const DefaultExportFilename = "qcms.json"

// Backend - операции бэкенда, которыми пользуются карточки.
type Backend interface {
	SaveQuestion(ctx context.Context, rec qcm.QuestionRecord) (string, error)
	SaveQuestionSet(ctx context.Context, payload []byte) (backend.SaveSetResult, error)
	ImproveQuestion(ctx context.Context, sourceText string, rec qcm.QuestionRecord) (qcm.QuestionRecord, error)
	SuggestImprovements(ctx context.Context, sourceText string, rec qcm.QuestionRecord) (qcm.Suggestion, error)
}

// Projector отображает карточки (сообщения в чате, HTML, ...). Вызывается под
// блокировкой хранилища, поэтому вызовы одного хранилища никогда не пересекаются.
type Projector interface {
	Render(pos int, c Card)
	Remove(id string)
}

type nopProjector struct{}

func (nopProjector) Render(int, Card) {}
func (nopProjector) Remove(string)    {}

type Store struct {
	be   Backend
	proj Projector
	log  *logger.Logger

	mu    sync.Mutex
	meta  ExportMeta
	cards []*Card
}

func NewStore(be Backend, proj Projector, log *logger.Logger) *Store {
	if proj == nil {
		proj = nopProjector{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Store{be: be, proj: proj, log: log}
}

// ReplaceAll выбрасывает прежние карточки и рисует новые по порядку.
// meta - текст и настройки, с которыми набор сгенерирован; с ними он и выгружается.
// Записи без вариантов и без правильного ответа пропускаются.
func (s *Store) ReplaceAll(meta ExportMeta, records []qcm.QuestionRecord) (int, error) {
	fresh := make([]*Card, 0, len(records))
	var skipped []error
	for i, rec := range records {
		c, err := newCard(rec)
		if err != nil {
			skipped = append(skipped, fmt.Errorf("question %d: %w", i+1, err))
			continue
		}
		fresh = append(fresh, &c)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cards {
		s.proj.Remove(c.ID)
	}
	s.meta = meta
	s.cards = fresh
	for i, c := range s.cards {
		s.proj.Render(i, c.clone())
	}
	if len(skipped) > 0 {
		s.log.Warn("questions skipped", "count", len(skipped), "err", errors.Join(skipped...))
	}
	return len(fresh), errors.Join(skipped...)
}

func (s *Store) Meta() ExportMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cards)
}

// Cards - копия текущего списка в порядке отображения.
func (s *Store) Cards() []Card {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Card, 0, len(s.cards))
	for _, c := range s.cards {
		out = append(out, c.clone())
	}
	return out
}

func (s *Store) Get(id string) (Card, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, c := s.find(id); c != nil {
		return c.clone(), true
	}
	return Card{}, false
}

func (s *Store) find(id string) (int, *Card) {
	for i, c := range s.cards {
		if c.ID == id {
			return i, c
		}
	}
	return -1, nil
}

// editable находит карточку в состоянии editing; вызывать под s.mu.
func (s *Store) editable(id string) (int, *Card, error) {
	i, c := s.find(id)
	if c == nil {
		return -1, nil, ErrNotFound
	}
	switch c.State {
	case StateLoading:
		return i, c, ErrBusy
	case StateComparing:
		return i, c, ErrComparing
	}
	return i, c, nil
}

func (s *Store) SetQuestion(id, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, c, err := s.editable(id)
	if err != nil {
		return err
	}
	c.Question = strings.TrimSpace(text)
	s.proj.Render(i, c.clone())
	return nil
}

func (s *Store) SetChoice(id string, idx int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, c, err := s.editable(id)
	if err != nil {
		return err
	}
	if idx < 0 || idx >= len(c.Choices) {
		return fmt.Errorf("%w: %d", ErrChoiceIndex, idx)
	}
	c.Choices[idx] = strings.TrimSpace(text)
	s.proj.Render(i, c.clone())
	return nil
}

// MarkCorrect переносит отметку на вариант idx; остальные варианты этого вопроса теряют её.
func (s *Store) MarkCorrect(id string, idx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, c, err := s.editable(id)
	if err != nil {
		return err
	}
	if idx < 0 || idx >= len(c.Choices) {
		return fmt.Errorf("%w: %d", ErrChoiceIndex, idx)
	}
	c.CorrectIndex = idx
	s.proj.Render(i, c.clone())
	return nil
}

// Delete убирает карточку; бэкенд не вызывается, идентификаторы остальных не меняются.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, _, err := s.editable(id)
	if err != nil {
		return err
	}
	s.cards = append(s.cards[:i], s.cards[i+1:]...)
	s.proj.Remove(id)
	// номера в заголовках сдвинулись
	for j := i; j < len(s.cards); j++ {
		s.proj.Render(j, s.cards[j].clone())
	}
	return nil
}

// Save отправляет текущую запись карточки на бэкенд; карточка не меняется.
func (s *Store) Save(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	_, c, err := s.editable(id)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	rec := c.Record()
	s.mu.Unlock()

	msg, err := s.be.SaveQuestion(ctx, rec)
	if err != nil {
		s.log.Warn("save question failed", "card_id", id, "err", err)
		return "", err
	}
	return msg, nil
}

// begin переводит карточку в loading и возвращает снимок для отката.
func (s *Store) begin(id string, p Pending) (Card, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, c, err := s.editable(id)
	if err != nil {
		return Card{}, "", err
	}
	snap := c.clone()
	c.State = StateLoading
	c.Pending = p
	s.proj.Render(i, c.clone())
	return snap, s.meta.SourceText, nil
}

// finish применяет результат к карточке id или откатывает её к снимку.
func (s *Store) finish(id string, snap Card, apply func(c *Card) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, c := s.find(id)
	if c == nil {
		// список заменили, пока шёл запрос
		return ErrNotFound
	}
	if err := apply(c); err != nil {
		*c = snap.clone()
		s.proj.Render(i, c.clone())
		return err
	}
	s.proj.Render(i, c.clone())
	return nil
}

// Improve заменяет вопрос улучшенной версией от бэкенда. При любой ошибке
// карточка возвращается ровно в то состояние, в котором была до вызова.
func (s *Store) Improve(ctx context.Context, id string) error {
	snap, text, err := s.begin(id, PendingImprove)
	if err != nil {
		return err
	}
	improved, callErr := s.be.ImproveQuestion(ctx, text, snap.Record())
	err = s.finish(id, snap, func(c *Card) error {
		if callErr != nil {
			return callErr
		}
		if err := c.setRecord(improved); err != nil {
			return fmt.Errorf("improved question: %w", err)
		}
		c.State = StateEditing
		c.Pending = PendingNone
		return nil
	})
	if err != nil {
		s.log.Warn("improve question failed", "card_id", id, "err", err)
	}
	return err
}

// SuggestImprovements показывает сравнение "было/предлагается"; карточка остаётся
// в состоянии comparing до ApplyImprovements или CancelImprovements.
func (s *Store) SuggestImprovements(ctx context.Context, id string) error {
	snap, text, err := s.begin(id, PendingSuggest)
	if err != nil {
		return err
	}
	sug, callErr := s.be.SuggestImprovements(ctx, text, snap.Record())
	err = s.finish(id, snap, func(c *Card) error {
		if callErr != nil {
			return callErr
		}
		if _, err := sug.Suggested().Normalize(); err != nil {
			return fmt.Errorf("suggested question: %w", err)
		}
		fillOriginal(&sug, snap.Record())
		before := snap.clone()
		c.State = StateComparing
		c.Pending = PendingNone
		c.Suggestion = &sug
		c.before = &before
		return nil
	})
	if err != nil {
		s.log.Warn("suggest improvements failed", "card_id", id, "err", err)
	}
	return err
}

// fillOriginal дополняет "было" из карточки по каждому полю, которого нет в ответе.
func fillOriginal(sug *qcm.Suggestion, orig qcm.QuestionRecord) {
	if strings.TrimSpace(sug.OriginalQuestion) == "" {
		sug.OriginalQuestion = orig.Question
	}
	if len(sug.OriginalChoices) == 0 {
		sug.OriginalChoices = orig.Choices
	}
	if strings.TrimSpace(sug.OriginalCorrectAnswer) == "" {
		sug.OriginalCorrectAnswer = orig.CorrectAnswer
	}
}

func (s *Store) ApplyImprovements(id string) error {
	return s.resolveSuggestion(id, func(c *Card) error {
		return c.setRecord(c.Suggestion.Suggested())
	})
}

// CancelImprovements возвращает карточку к тому виду, что был до запроса,
// независимо от того, что бэкенд прислал в качестве исходника.
func (s *Store) CancelImprovements(id string) error {
	return s.resolveSuggestion(id, func(c *Card) error {
		if c.before == nil {
			return c.setRecord(c.Suggestion.Original())
		}
		c.Question = c.before.Question
		c.Choices = slices.Clone(c.before.Choices)
		c.CorrectIndex = c.before.CorrectIndex
		return nil
	})
}

func (s *Store) resolveSuggestion(id string, resolve func(c *Card) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, c := s.find(id)
	if c == nil {
		return ErrNotFound
	}
	if c.State != StateComparing || c.Suggestion == nil {
		return ErrNotComparing
	}
	next := c.clone()
	if err := resolve(&next); err != nil {
		return err
	}
	next.State = StateEditing
	next.Suggestion = nil
	next.before = nil
	*c = next
	s.proj.Render(i, c.clone())
	return nil
}

// ExportMeta - исходный текст и настройки генерации текущего набора.
type ExportMeta struct {
	SourceText string
	Level      int
	Difficulty qcm.Difficulty
}

// Export - результат ExportAll; Payload байт-в-байт совпадает с телом,
// отправленным на бэкенд.
type Export struct {
	Filename   string
	Payload    []byte
	Count      int
	Level      int
	Difficulty qcm.Difficulty
	TextID     string
	Message    string
}

// ExportAll собирает все карточки в текущем порядке, сохраняет набор на бэкенде
// и возвращает те же байты для скачивания.
func (s *Store) ExportAll(ctx context.Context) (Export, error) {
	s.mu.Lock()
	payload := qcm.ExportPayload{
		TextContent: s.meta.SourceText,
		Level:       s.meta.Level,
		Difficulty:  s.meta.Difficulty,
		Questions:   make([]qcm.QuestionRecord, 0, len(s.cards)),
	}
	for _, c := range s.cards {
		payload.Questions = append(payload.Questions, c.Record())
	}
	s.mu.Unlock()

	if len(payload.Questions) == 0 {
		return Export{}, qcm.ErrNoQuestions
	}
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return Export{}, fmt.Errorf("encode export: %w", err)
	}
	res, err := s.be.SaveQuestionSet(ctx, raw)
	if err != nil {
		s.log.Warn("save question set failed", "questions", len(payload.Questions), "err", err)
		return Export{}, err
	}
	name := strings.TrimSpace(res.File)
	if name == "" {
		name = DefaultExportFilename
	}
	return Export{
		Filename:   name,
		Payload:    raw,
		Count:      len(payload.Questions),
		Level:      payload.Level,
		Difficulty: payload.Difficulty,
		TextID:     res.TextID,
		Message:    res.Message,
	}, nil
}
