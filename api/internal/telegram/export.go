package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"qcm-bot/api/internal/cards"
	"qcm-bot/api/internal/store"
)

const historyLimit = 10

// exportAll сохраняет набор на бэкенде и присылает тот же JSON документом.
// Текст, уровень и сложность берутся те, с которыми набор сгенерирован.
func (r *Router) exportAll(ctx context.Context, chatID int64) {
	s := r.Sessions.Get(chatID)
	exp, err := s.Cards.ExportAll(ctx)
	if err != nil {
		r.notifyErr(chatID, err)
		return
	}

	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: exp.Filename, Bytes: exp.Payload})
	doc.Caption = fmt.Sprintf("✅ تم حفظ %d سؤال", exp.Count)
	if m := strings.TrimSpace(exp.Message); m != "" {
		doc.Caption += "\n" + m
	}
	if _, err := r.Bot.Send(doc); err != nil {
		r.Log.Warn("export document not sent", "chat_id", chatID, "err", err)
		r.notifyErr(chatID, err)
	}

	if r.Exports == nil {
		return
	}
	id, err := r.Exports.Insert(ctx, chatID, exp.TextID, exp.Filename, exp.Level, exp.Difficulty, exp.Count, exp.Payload)
	if err != nil {
		r.Log.Warn("export not archived", "chat_id", chatID, "err", err)
		return
	}
	r.Log.Info("export archived", "chat_id", chatID, "export_id", id, "questions", exp.Count)
}

// showHistory: без аргумента - список последних выгрузок, с id - повторная отправка файла.
func (r *Router) showHistory(ctx context.Context, chatID int64, arg string) {
	if r.Exports == nil {
		r.send(chatID, "الأرشيف غير متاح")
		return
	}
	if arg = strings.TrimSpace(arg); arg != "" {
		r.resendExport(ctx, chatID, arg)
		return
	}

	rows, err := r.Exports.ListRecent(ctx, chatID, historyLimit)
	if err != nil {
		r.Log.Warn("history failed", "chat_id", chatID, "err", err)
		r.notifyErr(chatID, err)
		return
	}
	if len(rows) == 0 {
		r.send(chatID, "لا توجد مجموعات محفوظة بعد")
		return
	}
	var b strings.Builder
	b.WriteString("آخر المجموعات المحفوظة:\n\n")
	for _, e := range rows {
		fmt.Fprintf(&b, "• %s — %d سؤال، %s، المستوى %d\n  /history %s\n",
			e.CreatedAt.Format(time.DateTime), e.Questions, e.Difficulty, e.Level, e.ID)
	}
	r.send(chatID, b.String())
}

func (r *Router) resendExport(ctx context.Context, chatID int64, arg string) {
	id, err := uuid.Parse(arg)
	if err != nil {
		r.send(chatID, "معرّف غير صالح")
		return
	}
	f, err := r.Exports.File(ctx, chatID, id)
	if errors.Is(err, store.ErrNotFound) {
		r.send(chatID, "لا توجد مجموعة بهذا المعرّف")
		return
	}
	if err != nil {
		r.Log.Warn("archived export not loaded", "chat_id", chatID, "export_id", id, "err", err)
		r.notifyErr(chatID, err)
		return
	}
	name := f.Filename
	if name == "" {
		name = cards.DefaultExportFilename
	}
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: name, Bytes: f.Payload})
	if _, err := r.Bot.Send(doc); err != nil {
		r.Log.Warn("archived export not sent", "chat_id", chatID, "export_id", id, "err", err)
	}
}

// showBackendTexts - тексты, сохранённые на бэкенде.
func (r *Router) showBackendTexts(ctx context.Context, chatID int64) {
	texts, err := r.Backend.ListTexts(ctx)
	if err != nil {
		r.notifyErr(chatID, err)
		return
	}
	if len(texts) == 0 {
		r.send(chatID, "لا توجد نصوص محفوظة")
		return
	}
	var b strings.Builder
	for i, t := range texts {
		content, _ := t["content"].(string)
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, t.ID(), truncate(content, 80))
	}
	b.WriteString("\n/texts <id> - عرض النص وأسئلته")
	r.send(chatID, b.String())
}

// showBackendText - один сохранённый текст с его вопросами.
func (r *Router) showBackendText(ctx context.Context, chatID int64, id string) {
	t, err := r.Backend.GetText(ctx, id)
	if err != nil {
		r.Log.Warn("text lookup failed", "chat_id", chatID, "text_id", id, "err", err)
		r.notifyErr(chatID, err)
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "النص %s (المستوى %d، %s)\n\n%s\n", t.ID, t.Level, t.Difficulty, truncate(t.Content, 600))
	for i, q := range t.QCMs {
		rec := q.Record()
		fmt.Fprintf(&b, "\n%d. %s\n", i+1, rec.Question)
		writeChoices(&b, rec.Choices, rec.CorrectAnswer)
	}
	r.send(chatID, b.String())
}
