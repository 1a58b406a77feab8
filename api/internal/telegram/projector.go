package telegram

import (
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"qcm-bot/api/internal/cards"
	"qcm-bot/api/internal/logger"
)

// cardView - проекция карточек одного чата на сообщения: одна карточка - одно сообщение.
// Источник правды - cards.Store; сообщение каждый раз перерисовывается целиком.
type cardView struct {
	bot    Bot
	chatID int64
	log    *logger.Logger

	mu     sync.Mutex
	byCard map[string]int // cardID -> messageID
	byMsg  map[int]string // messageID -> cardID
}

func newCardView(bot Bot, chatID int64, log *logger.Logger) *cardView {
	return &cardView{
		bot:    bot,
		chatID: chatID,
		log:    log,
		byCard: map[string]int{},
		byMsg:  map[int]string{},
	}
}

func (v *cardView) Render(pos int, c cards.Card) {
	text := renderCardText(pos, c)
	kb := makeCardKeyboard(c)

	v.mu.Lock()
	defer v.mu.Unlock()

	msgID, ok := v.byCard[c.ID]
	if !ok {
		msg := tgbotapi.NewMessage(v.chatID, text)
		if kb != nil {
			msg.ReplyMarkup = *kb
		}
		sent, err := v.bot.Send(msg)
		if err != nil {
			v.log.Warn("card message not sent", "chat_id", v.chatID, "card_id", c.ID, "err", err)
			return
		}
		v.byCard[c.ID] = sent.MessageID
		v.byMsg[sent.MessageID] = c.ID
		return
	}

	edit := tgbotapi.NewEditMessageText(v.chatID, msgID, text)
	// без ReplyMarkup Telegram убирает клавиатуру - так выглядит состояние загрузки
	edit.ReplyMarkup = kb
	if _, err := v.bot.Request(edit); err != nil {
		// "message is not modified" и подобное не критичны
		v.log.Debug("card message not edited", "chat_id", v.chatID, "card_id", c.ID, "err", err)
	}
}

func (v *cardView) Remove(id string) {
	v.mu.Lock()
	msgID, ok := v.byCard[id]
	delete(v.byCard, id)
	if ok {
		delete(v.byMsg, msgID)
	}
	v.mu.Unlock()
	if !ok {
		return
	}
	if _, err := v.bot.Request(tgbotapi.NewDeleteMessage(v.chatID, msgID)); err != nil {
		v.log.Debug("card message not deleted", "chat_id", v.chatID, "card_id", id, "err", err)
	}
}

// CardByMessage - какой карточке принадлежит сообщение (для правок ответом).
func (v *cardView) CardByMessage(msgID int) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	id, ok := v.byMsg[msgID]
	return id, ok
}

