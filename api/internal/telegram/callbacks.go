package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// callback_data ограничен 64 байтами: "c:<act>:<uuid>[:<idx>]" укладывается.
// Абзацы: "p:<gen>:<idx|all|go>", gen - номер списка абзацев в сессии.
const (
	actSave    = "s"
	actDelete  = "d"
	actImprove = "i"
	actSuggest = "g"
	actApply   = "a"
	actCancel  = "x"
	actMark    = "m"

	paraAll      = "all"
	paraGenerate = "go"
	paraToggle   = "toggle"
)

func cardData(act, id string) string { return "c:" + act + ":" + id }

func markData(id string, idx int) string { return "c:" + actMark + ":" + id + ":" + strconv.Itoa(idx) }

func paraData(gen, i int) string { return paraPrefix(gen) + strconv.Itoa(i) }

func paraAllData(gen int) string { return paraPrefix(gen) + paraAll }

func paraGenerateData(gen int) string { return paraPrefix(gen) + paraGenerate }

func paraPrefix(gen int) string { return "p:" + strconv.Itoa(gen) + ":" }

type callback struct {
	Kind string // "c" | "p"
	Act  string
	ID   string
	Idx  int
	Gen  int
}

func parseCallback(data string) (callback, error) {
	parts := strings.Split(data, ":")
	if len(parts) < 2 {
		return callback{}, fmt.Errorf("bad callback %q", data)
	}
	switch parts[0] {
	case "p":
		if len(parts) != 3 {
			return callback{}, fmt.Errorf("bad paragraph callback %q", data)
		}
		gen, err := strconv.Atoi(parts[1])
		if err != nil || gen < 0 {
			return callback{}, fmt.Errorf("bad paragraph callback %q", data)
		}
		switch parts[2] {
		case paraAll, paraGenerate:
			return callback{Kind: "p", Act: parts[2], Gen: gen}, nil
		}
		i, err := strconv.Atoi(parts[2])
		if err != nil || i < 0 {
			return callback{}, fmt.Errorf("bad paragraph callback %q", data)
		}
		return callback{Kind: "p", Act: paraToggle, Idx: i, Gen: gen}, nil
	case "c":
		if len(parts) < 3 || parts[2] == "" {
			return callback{}, fmt.Errorf("bad card callback %q", data)
		}
		cb := callback{Kind: "c", Act: parts[1], ID: parts[2]}
		switch cb.Act {
		case actSave, actDelete, actImprove, actSuggest, actApply, actCancel:
			if len(parts) != 3 {
				return callback{}, fmt.Errorf("bad card callback %q", data)
			}
		case actMark:
			if len(parts) != 4 {
				return callback{}, fmt.Errorf("bad mark callback %q", data)
			}
			i, err := strconv.Atoi(parts[3])
			if err != nil || i < 0 {
				return callback{}, fmt.Errorf("bad mark callback %q", data)
			}
			cb.Idx = i
		default:
			return callback{}, fmt.Errorf("unknown card action %q", data)
		}
		return cb, nil
	}
	return callback{}, fmt.Errorf("unknown callback %q", data)
}

func (r *Router) handleCallback(ctx context.Context, q tgbotapi.CallbackQuery) {
	if q.Message == nil {
		return
	}
	cid := q.Message.Chat.ID
	_, _ = r.Bot.Request(tgbotapi.NewCallback(q.ID, "")) // ack

	cb, err := parseCallback(q.Data)
	if err != nil {
		r.Log.Warn("callback ignored", "chat_id", cid, "err", err)
		return
	}
	s := r.Sessions.Get(cid)

	if cb.Kind == "p" {
		// кнопки сообщения с прежним списком абзацев
		if cb.Gen != s.Paragraphs.Generation() {
			r.Log.Debug("stale paragraph callback", "chat_id", cid, "gen", cb.Gen)
			r.notify(cid, "هذه القائمة قديمة، استخدم آخر رسالة للفقرات")
			return
		}
		switch cb.Act {
		case paraAll:
			s.Paragraphs.ToggleAll()
			r.refreshParagraphs(cid, q.Message.MessageID)
		case paraGenerate:
			r.startGeneration(ctx, cid)
		default:
			if _, err := s.Paragraphs.Toggle(cb.Idx); err != nil {
				r.notifyErr(cid, err)
				return
			}
			r.refreshParagraphs(cid, q.Message.MessageID)
		}
		return
	}

	switch cb.Act {
	case actSave:
		go r.saveCard(ctx, cid, cb.ID)
	case actDelete:
		if err := s.Cards.Delete(cb.ID); err != nil {
			r.notifyErr(cid, err)
			return
		}
		r.notify(cid, "تم حذف السؤال")
	case actImprove:
		go r.improveCard(ctx, cid, cb.ID)
	case actSuggest:
		go r.suggestCard(ctx, cid, cb.ID)
	case actApply:
		if err := s.Cards.ApplyImprovements(cb.ID); err != nil {
			r.notifyErr(cid, err)
			return
		}
		r.notify(cid, "تم تطبيق التحسينات بنجاح")
	case actCancel:
		if err := s.Cards.CancelImprovements(cb.ID); err != nil {
			r.notifyErr(cid, err)
			return
		}
		r.notify(cid, "تم إلغاء التحسينات")
	case actMark:
		if err := s.Cards.MarkCorrect(cb.ID, cb.Idx); err != nil {
			r.notifyErr(cid, err)
		}
	}
}

func (r *Router) refreshParagraphs(chatID int64, msgID int) {
	s := r.Sessions.Get(chatID)
	edit := tgbotapi.NewEditMessageReplyMarkup(chatID, msgID, makeParagraphsKeyboard(s.Paragraphs))
	if _, err := r.Bot.Request(edit); err != nil {
		r.Log.Debug("paragraph keyboard not updated", "chat_id", chatID, "err", err)
	}
}
