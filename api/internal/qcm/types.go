package qcm

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	ErrEmptyText         = errors.New("source text is empty")
	ErrNoParagraphs      = errors.New("no paragraphs selected")
	ErrQuestionCount     = errors.New("question count out of range")
	ErrLevel             = errors.New("level out of range")
	ErrDifficulty        = errors.New("unknown difficulty")
	ErrEmptyChoices      = errors.New("question has no choices")
	ErrEmptyCorrect      = errors.New("question has no correct answer")
	ErrJobFailed         = errors.New("generation job failed")
	ErrNoQuestions       = errors.New("no questions to export")
	ErrParagraphOutRange = errors.New("paragraph index out of range")
)

const (
	MinQuestions = 1
	MaxQuestions = 20
	MinLevel     = 1
	MaxLevel     = 12
)

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

func ParseDifficulty(s string) (Difficulty, error) {
	switch d := Difficulty(strings.ToLower(strings.TrimSpace(s))); d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return d, nil
	}
	return "", fmt.Errorf("%w: %q", ErrDifficulty, s)
}

// GenerationRequest - то, что уходит на POST /generate.
type GenerationRequest struct {
	SourceText       string     `json:"text"`
	QuestionCount    int        `json:"num_questions"`
	ModelID          string     `json:"model"`
	DocumentPath     string     `json:"document_path,omitempty"`
	ParagraphIndices []int      `json:"selected_paragraphs"`
	Level            int        `json:"level"`
	Difficulty       Difficulty `json:"difficulty"`
}

// Validate проверяет запрос до любого сетевого вызова.
func (r GenerationRequest) Validate() error {
	if strings.TrimSpace(r.SourceText) == "" {
		return ErrEmptyText
	}
	if len(r.ParagraphIndices) == 0 {
		return ErrNoParagraphs
	}
	for _, i := range r.ParagraphIndices {
		if i < 0 {
			return fmt.Errorf("%w: %d", ErrParagraphOutRange, i)
		}
	}
	if r.QuestionCount < MinQuestions || r.QuestionCount > MaxQuestions {
		return fmt.Errorf("%w: %d (allowed %d..%d)", ErrQuestionCount, r.QuestionCount, MinQuestions, MaxQuestions)
	}
	if r.Level < MinLevel || r.Level > MaxLevel {
		return fmt.Errorf("%w: %d (allowed %d..%d)", ErrLevel, r.Level, MinLevel, MaxLevel)
	}
	if _, err := ParseDifficulty(string(r.Difficulty)); err != nil {
		return err
	}
	return nil
}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobCompleted JobStatus = "completed"
	JobError     JobStatus = "error"
)

// NormalizeStatus: всё, что не completed/error ("processing", "not_found", ...), считаем ожиданием.
func NormalizeStatus(s string) JobStatus {
	switch JobStatus(strings.ToLower(strings.TrimSpace(s))) {
	case JobCompleted:
		return JobCompleted
	case JobError:
		return JobError
	}
	return JobPending
}

type Job struct {
	ID        string
	Status    JobStatus
	Questions []QuestionRecord
	Error     string
}

type QuestionRecord struct {
	Question      string   `json:"question"`
	CorrectAnswer string   `json:"correct_answer"`
	Choices       []string `json:"choices"`
}

func (q QuestionRecord) Clone() QuestionRecord {
	q.Choices = slices.Clone(q.Choices)
	return q
}

// CorrectIndex - позиция правильного ответа среди вариантов, -1 если его нет.
func (q QuestionRecord) CorrectIndex() int {
	return slices.Index(q.Choices, q.CorrectAnswer)
}

// Normalize приводит запись к инварианту "правильный ответ есть среди вариантов".
// Если ответа нет в списке - он дописывается в конец, как это делает бэкенд.
func (q QuestionRecord) Normalize() (QuestionRecord, error) {
	out := q.Clone()
	out.Question = strings.TrimSpace(out.Question)
	out.CorrectAnswer = strings.TrimSpace(out.CorrectAnswer)
	for i := range out.Choices {
		out.Choices[i] = strings.TrimSpace(out.Choices[i])
	}
	if len(out.Choices) == 0 && out.CorrectAnswer == "" {
		return QuestionRecord{}, ErrEmptyChoices
	}
	if out.CorrectAnswer == "" {
		return QuestionRecord{}, ErrEmptyCorrect
	}
	if out.CorrectIndex() < 0 {
		out.Choices = append(out.Choices, out.CorrectAnswer)
	}
	return out, nil
}

// Suggestion - ответ /suggest-improvements: пара "было/стало" и заметки.
type Suggestion struct {
	OriginalQuestion       string   `json:"original_question"`
	OriginalCorrectAnswer  string   `json:"original_correct_answer"`
	OriginalChoices        []string `json:"original_choices"`
	SuggestedQuestion      string   `json:"suggested_question"`
	SuggestedCorrectAnswer string   `json:"suggested_correct_answer"`
	SuggestedChoices       []string `json:"suggested_choices"`
	ImprovementNotes       string   `json:"improvement_notes"`
}

func (s Suggestion) Original() QuestionRecord {
	return QuestionRecord{
		Question:      s.OriginalQuestion,
		CorrectAnswer: s.OriginalCorrectAnswer,
		Choices:       slices.Clone(s.OriginalChoices),
	}
}

func (s Suggestion) Suggested() QuestionRecord {
	return QuestionRecord{
		Question:      s.SuggestedQuestion,
		CorrectAnswer: s.SuggestedCorrectAnswer,
		Choices:       slices.Clone(s.SuggestedChoices),
	}
}

// ExportPayload - и тело POST /save-qcm-set, и содержимое скачиваемого файла.
type ExportPayload struct {
	TextContent string           `json:"text_content"`
	Level       int              `json:"level"`
	Difficulty  Difficulty       `json:"difficulty"`
	Questions   []QuestionRecord `json:"questions"`
}
