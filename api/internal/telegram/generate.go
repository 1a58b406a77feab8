package telegram

import (
	"context"
	"errors"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"qcm-bot/api/internal/cards"
	"qcm-bot/api/internal/poller"
	"qcm-bot/api/internal/qcm"
	"qcm-bot/api/internal/store"
)

const archiveTimeout = 5 * time.Second

// startGeneration отправляет задачу на бэкенд и показывает прогресс одним сообщением,
// которое правится на каждом опросе.
func (r *Router) startGeneration(ctx context.Context, chatID int64) {
	s := r.Sessions.Get(chatID)
	req := s.Request()
	if err := req.Validate(); err != nil {
		r.notifyErr(chatID, err)
		return
	}

	progress, err := r.Bot.Send(tgbotapi.NewMessage(chatID, "⏳ جاري إنشاء الأسئلة..."))
	if err != nil {
		r.Log.Warn("progress message not sent", "chat_id", chatID, "err", err)
	}
	started := time.Now()
	edit := func(text string) {
		if progress.MessageID == 0 {
			r.send(chatID, text)
			return
		}
		if _, err := r.Bot.Request(tgbotapi.NewEditMessageText(chatID, progress.MessageID, text)); err != nil {
			r.Log.Debug("progress message not edited", "chat_id", chatID, "err", err)
		}
	}

	meta := cards.ExportMeta{SourceText: req.SourceText, Level: req.Level, Difficulty: req.Difficulty}
	cb := poller.Callbacks{
		// запись в архиве появляется до первого опроса, Finish всегда находит её
		OnSubmitted: func(jobID string) {
			r.recordStart(ctx, chatID, jobID, req)
		},
		OnProgress: func(jobID string, attempt int) {
			edit(fmt.Sprintf("⏳ جاري إنشاء الأسئلة... (%d ث)", int(time.Since(started).Seconds())))
		},
		OnComplete: func(jobID string, questions []qcm.QuestionRecord) {
			n, err := s.Cards.ReplaceAll(meta, questions)
			r.recordFinish(jobID, store.JobCompleted, "")
			if err != nil {
				edit("⚠️ " + errorText(err))
				return
			}
			r.Log.Info("generation completed", "chat_id", chatID, "job_id", jobID, "questions", n, "took", time.Since(started))
			edit(fmt.Sprintf("✅ تم إنشاء %d سؤال", n))
		},
		OnFailure: func(jobID string, err error) {
			r.Log.Warn("generation failed", "chat_id", chatID, "job_id", jobID, "err", err)
			r.recordFinish(jobID, store.JobError, err.Error())
			edit("⚠️ " + errorText(err))
		},
		OnCancel: func(jobID string) {
			r.recordFinish(jobID, store.JobCancelled, "")
			edit("⏹ تم إيقاف إنشاء الأسئلة")
		},
	}

	h, err := s.StartJob(r.Poller, req, cb)
	if err != nil {
		r.Log.Warn("generation not started", "chat_id", chatID, "err", err)
		edit("⚠️ " + errorText(err))
		return
	}
	r.Log.Info("generation started", "chat_id", chatID, "job_id", h.JobID, "paragraphs", len(req.ParagraphIndices))
}

func (r *Router) recordStart(ctx context.Context, chatID int64, jobID string, req qcm.GenerationRequest) {
	if r.Jobs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()
	if err := r.Jobs.Start(ctx, chatID, jobID, req); err != nil {
		r.Log.Warn("job not recorded", "job_id", jobID, "err", err)
	}
}

func (r *Router) recordFinish(jobID, status, errMsg string) {
	if r.Jobs == nil {
		return
	}
	// сессия может быть уже закрыта, итог всё равно пишем
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	err := r.Jobs.Finish(ctx, jobID, status, errMsg)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Start не записался или итог уже есть
		r.Log.Debug("job finish not recorded", "job_id", jobID, "status", status)
	case err != nil:
		r.Log.Warn("job finish not recorded", "job_id", jobID, "err", err)
	}
}
