package paragraphs

import (
	"fmt"
	"slices"
	"sync"

	"qcm-bot/api/internal/qcm"
)

// Selection - выбор абзацев, из которых генерируются вопросы.
// "Выбрать все" не хранится, а вычисляется из размера выбора.
type Selection struct {
	mu         sync.Mutex
	gen        int
	candidates []string
	selected   map[int]struct{}
}

func New() *Selection {
	return &Selection{selected: map[int]struct{}{}}
}

// Reset подставляет новый список абзацев и всегда сбрасывает выбор.
// Каждый вызов увеличивает Generation.
func (s *Selection) Reset(paragraphs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.candidates = slices.Clone(paragraphs)
	s.selected = map[int]struct{}{}
}

func (s *Selection) Clear() {
	s.Reset(nil)
}

// Generation - номер текущего списка абзацев; индексы из другого списка к нему не относятся.
func (s *Selection) Generation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

func (s *Selection) Candidates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.candidates)
}

func (s *Selection) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.candidates)
}

// Toggle переключает абзац i и возвращает его новое состояние.
func (s *Selection) Toggle(i int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.candidates) {
		return false, fmt.Errorf("%w: %d of %d", qcm.ErrParagraphOutRange, i, len(s.candidates))
	}
	if _, ok := s.selected[i]; ok {
		delete(s.selected, i)
		return false, nil
	}
	s.selected[i] = struct{}{}
	return true, nil
}

// ToggleAll: если выбраны все - снимает выбор, иначе выбирает все.
// Возвращает новое значение AllSelected.
func (s *Selection) ToggleAll() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.allSelected() {
		s.selected = map[int]struct{}{}
		return false
	}
	s.selected = make(map[int]struct{}, len(s.candidates))
	for i := range s.candidates {
		s.selected[i] = struct{}{}
	}
	return s.allSelected()
}

func (s *Selection) AllSelected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allSelected()
}

func (s *Selection) allSelected() bool {
	return len(s.candidates) > 0 && len(s.selected) == len(s.candidates)
}

func (s *Selection) IsSelected(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.selected[i]
	return ok
}

// Selected - выбранные индексы по возрастанию.
func (s *Selection) Selected() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.selected))
	for i := range s.selected {
		out = append(out, i)
	}
	slices.Sort(out)
	return out
}
