package cards

import (
	"slices"

	"github.com/google/uuid"

	"qcm-bot/api/internal/qcm"
)

type State int

const (
	StateEditing State = iota
	StateLoading
	StateComparing
)

func (s State) String() string {
	switch s {
	case StateEditing:
		return "editing"
	case StateLoading:
		return "loading"
	case StateComparing:
		return "comparing"
	}
	return "unknown"
}

// Pending - какая операция держит карточку в состоянии loading.
type Pending string

const (
	PendingNone    Pending = ""
	PendingImprove Pending = "improve"
	PendingSuggest Pending = "suggest"
)

// Card - редактируемый вопрос. Отметка "правильный" привязана к позиции варианта,
// поэтому правка текста отмеченного варианта меняет и правильный ответ.
type Card struct {
	ID           string
	Question     string
	Choices      []string
	CorrectIndex int

	State      State
	Pending    Pending
	Suggestion *qcm.Suggestion

	// вид карточки до SuggestImprovements, восстанавливается отменой
	before *Card
}

func newCard(rec qcm.QuestionRecord) (Card, error) {
	c := Card{ID: uuid.NewString()}
	if err := c.setRecord(rec); err != nil {
		return Card{}, err
	}
	return c, nil
}

func (c *Card) setRecord(rec qcm.QuestionRecord) error {
	n, err := rec.Normalize()
	if err != nil {
		return err
	}
	c.Question = n.Question
	c.Choices = n.Choices
	c.CorrectIndex = n.CorrectIndex()
	return nil
}

// Record собирает запись из текущего состояния карточки.
func (c Card) Record() qcm.QuestionRecord {
	rec := qcm.QuestionRecord{Question: c.Question, Choices: slices.Clone(c.Choices)}
	if c.CorrectIndex >= 0 && c.CorrectIndex < len(c.Choices) {
		rec.CorrectAnswer = c.Choices[c.CorrectIndex]
	}
	return rec
}

func (c Card) clone() Card {
	c.Choices = slices.Clone(c.Choices)
	if c.Suggestion != nil {
		s := *c.Suggestion
		s.OriginalChoices = slices.Clone(s.OriginalChoices)
		s.SuggestedChoices = slices.Clone(s.SuggestedChoices)
		c.Suggestion = &s
	}
	if c.before != nil {
		b := c.before.clone()
		c.before = &b
	}
	return c
}
