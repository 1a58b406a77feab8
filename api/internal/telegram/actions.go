package telegram

import (
	"context"
	"strings"
)

// Долгие действия над карточкой идут в отдельных горутинах; пока запрос в полёте,
// карточка в loading и её кнопки скрыты.

func (r *Router) saveCard(ctx context.Context, chatID int64, cardID string) {
	s := r.Sessions.Get(chatID)
	msg, err := s.Cards.Save(ctx, cardID)
	if err != nil {
		r.notifyErr(chatID, err)
		return
	}
	if strings.TrimSpace(msg) == "" {
		msg = "تم حفظ السؤال بنجاح"
	}
	r.notify(chatID, "💾 "+msg)
}

func (r *Router) improveCard(ctx context.Context, chatID int64, cardID string) {
	s := r.Sessions.Get(chatID)
	if err := s.Cards.Improve(ctx, cardID); err != nil {
		r.notifyErr(chatID, err)
		return
	}
	r.notify(chatID, "✨ تم تحسين السؤال بنجاح")
}

func (r *Router) suggestCard(ctx context.Context, chatID int64, cardID string) {
	s := r.Sessions.Get(chatID)
	if err := s.Cards.SuggestImprovements(ctx, cardID); err != nil {
		r.notifyErr(chatID, err)
	}
}
