package telegram

import (
	"fmt"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"qcm-bot/api/internal/cards"
	"qcm-bot/api/internal/paragraphs"
)

const maxMessageLen = 3900

func choiceLabel(i int) string {
	return string(rune('A' + i))
}

// choiceIndex: "A".."Z" или "1".."26" -> 0-based индекс
func choiceIndex(label string) (int, bool) {
	label = strings.ToUpper(strings.TrimSpace(label))
	if len(label) == 1 && label[0] >= 'A' && label[0] <= 'Z' {
		return int(label[0] - 'A'), true
	}
	var n int
	if _, err := fmt.Sscanf(label, "%d", &n); err == nil && n >= 1 && n <= 26 && fmt.Sprint(n) == label {
		return n - 1, true
	}
	return 0, false
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

func limit(s string) string {
	if len(s) > maxMessageLen {
		return truncate(s, maxMessageLen/2)
	}
	return s
}

// Текст карточки в зависимости от её состояния.
func renderCardText(pos int, c cards.Card) string {
	switch c.State {
	case cards.StateLoading:
		if c.Pending == cards.PendingSuggest {
			return fmt.Sprintf("%d. ⏳ جاري إنشاء اقتراحات التحسين...", pos+1)
		}
		return fmt.Sprintf("%d. ⏳ جاري تحسين السؤال...", pos+1)
	case cards.StateComparing:
		return limit(renderComparison(pos, c))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d. %s\n\n", pos+1, c.Question)
	for i, ch := range c.Choices {
		mark := "▫️"
		if i == c.CorrectIndex {
			mark = "✅"
		}
		fmt.Fprintf(&b, "%s %s. %s\n", mark, choiceLabel(i), ch)
	}
	return limit(b.String())
}

func renderComparison(pos int, c cards.Card) string {
	s := c.Suggestion
	if s == nil {
		return fmt.Sprintf("%d. %s", pos+1, c.Question)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d. اقتراحات التحسين\n\n", pos+1)
	fmt.Fprintf(&b, "السؤال الأصلي:\n%s\n\nالسؤال المقترح:\n%s\n\n", s.OriginalQuestion, s.SuggestedQuestion)
	fmt.Fprintf(&b, "الإجابة الصحيحة الأصلية: %s\nالإجابة الصحيحة المقترحة: %s\n\n", s.OriginalCorrectAnswer, s.SuggestedCorrectAnswer)
	b.WriteString("الخيارات الأصلية:\n")
	writeChoices(&b, s.OriginalChoices, s.OriginalCorrectAnswer)
	b.WriteString("\nالخيارات المقترحة:\n")
	writeChoices(&b, s.SuggestedChoices, s.SuggestedCorrectAnswer)
	if n := strings.TrimSpace(s.ImprovementNotes); n != "" {
		fmt.Fprintf(&b, "\nملاحظات التحسين:\n%s\n", n)
	}
	return b.String()
}

func writeChoices(b *strings.Builder, choices []string, correct string) {
	for _, ch := range choices {
		mark := "•"
		if ch == correct {
			mark = "✅"
		}
		fmt.Fprintf(b, "%s %s\n", mark, ch)
	}
}

// Клавиатура карточки; у карточки в loading кнопок нет - повторный запуск невозможен.
func makeCardKeyboard(c cards.Card) *tgbotapi.InlineKeyboardMarkup {
	switch c.State {
	case cards.StateLoading:
		return nil
	case cards.StateComparing:
		kb := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✔️ تطبيق التحسينات", cardData(actApply, c.ID)),
			tgbotapi.NewInlineKeyboardButtonData("✖️ إلغاء التحسينات", cardData(actCancel, c.ID)),
		))
		return &kb
	}

	actions := tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("💾", cardData(actSave, c.ID)),
		tgbotapi.NewInlineKeyboardButtonData("🗑", cardData(actDelete, c.ID)),
		tgbotapi.NewInlineKeyboardButtonData("✨", cardData(actImprove, c.ID)),
		tgbotapi.NewInlineKeyboardButtonData("💡", cardData(actSuggest, c.ID)),
	)
	rows := [][]tgbotapi.InlineKeyboardButton{actions}

	var marks []tgbotapi.InlineKeyboardButton
	for i := range c.Choices {
		label := choiceLabel(i)
		if i == c.CorrectIndex {
			label = "✅ " + label
		}
		marks = append(marks, tgbotapi.NewInlineKeyboardButtonData(label, markData(c.ID, i)))
		// не больше 5 кнопок в ряду
		if len(marks) == 5 {
			rows = append(rows, marks)
			marks = nil
		}
	}
	if len(marks) > 0 {
		rows = append(rows, marks)
	}
	kb := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &kb
}

func renderParagraphsText(sel *paragraphs.Selection) string {
	var b strings.Builder
	b.WriteString("اختر الفقرات التي سيتم إنشاء الأسئلة منها:\n\n")
	for i, p := range sel.Candidates() {
		fmt.Fprintf(&b, "%d. %s\n", i+1, truncate(p, 200))
	}
	return limit(b.String())
}

// Кнопка "выбрать все" показывает производное состояние выбора.
func makeParagraphsKeyboard(sel *paragraphs.Selection) tgbotapi.InlineKeyboardMarkup {
	gen := sel.Generation()
	cands := sel.Candidates()
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(cands)+2)

	all := "☑️ تحديد الكل"
	if sel.AllSelected() {
		all = "✅ إلغاء تحديد الكل"
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(all, paraAllData(gen))))

	for i, p := range cands {
		mark := "▫️"
		if sel.IsSelected(i) {
			mark = "✅"
		}
		label := fmt.Sprintf("%s %d. %s", mark, i+1, truncate(p, 30))
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(label, paraData(gen, i))))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🚀 إنشاء الأسئلة", paraGenerateData(gen))))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

const helpText = `أرسل النص العربي لإنشاء أسئلة الاختيار من متعدد.

الأوامر:
/text <النص> — تعيين النص
/count <عدد> — عدد الأسئلة
/model <اسم> — النموذج
/difficulty easy|medium|hard — الصعوبة
/level <رقم> — المستوى
/generate — إنشاء الأسئلة
/export — حفظ وتنزيل المجموعة
/history — آخر المجموعات المحفوظة
/texts — النصوص على الخادم
/cancel — إيقاف الإنشاء
/settings — الإعدادات الحالية

لتعديل سؤال: أجب على رسالته بـ «Q: نص جديد» أو «B: خيار جديد».
لرفع ملف تدريب: أرسل ملف PDF.`
