package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"qcm-bot/api/internal/backend"
	"qcm-bot/api/internal/cards"
	"qcm-bot/api/internal/logger"
	"qcm-bot/api/internal/poller"
	"qcm-bot/api/internal/qcm"
	"qcm-bot/api/internal/session"
	"qcm-bot/api/internal/store"
)

// Bot - то, что нужно роутеру от *tgbotapi.BotAPI.
type Bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Backend - клиент сервиса генерации, которым пользуется роутер.
type Backend interface {
	cards.Backend
	poller.Backend
	ExtractParagraphs(ctx context.Context, text string) ([]string, error)
	UploadTrainingDocument(ctx context.Context, filename string, data []byte) (backend.UploadResult, error)
	ListTexts(ctx context.Context) ([]backend.TextSummary, error)
	GetText(ctx context.Context, id string) (backend.StoredText, error)
}

// JobArchive - журнал задач генерации (*store.JobRepo).
type JobArchive interface {
	Start(ctx context.Context, chatID int64, jobID string, req qcm.GenerationRequest) error
	Finish(ctx context.Context, jobID, status, errMsg string) error
	Get(ctx context.Context, jobID string) (*store.JobRow, error)
}

// ExportArchive - копии выгрузок (*store.ExportRepo).
type ExportArchive interface {
	Insert(ctx context.Context, chatID int64, textID, filename string, level int, difficulty qcm.Difficulty, questions int, payload []byte) (uuid.UUID, error)
	ListRecent(ctx context.Context, chatID int64, limit int) ([]store.ExportRow, error)
	File(ctx context.Context, chatID int64, id uuid.UUID) (store.ExportFile, error)
}

type Router struct {
	Bot      Bot
	Backend  Backend
	Poller   *poller.Poller
	Sessions *session.Registry
	Log      *logger.Logger

	// Архив; nil - работаем без БД.
	Jobs    JobArchive
	Exports ExportArchive

	MaxDocumentBytes int64

	mu    sync.Mutex
	views map[int64]*cardView
}

type Options struct {
	Bot              Bot
	Backend          Backend
	Poller           *poller.Poller
	Log              *logger.Logger
	Defaults         session.Settings
	Jobs             JobArchive
	Exports          ExportArchive
	MaxDocumentBytes int64
}

// New собирает роутер; сессии создаются лениво, у каждой своя проекция карточек.
func New(ctx context.Context, o Options) *Router {
	if o.Log == nil {
		o.Log = logger.Nop()
	}
	r := &Router{
		Bot:              o.Bot,
		Backend:          o.Backend,
		Poller:           o.Poller,
		Log:              o.Log,
		Jobs:             o.Jobs,
		Exports:          o.Exports,
		MaxDocumentBytes: o.MaxDocumentBytes,
		views:            map[int64]*cardView{},
	}
	r.Sessions = session.NewRegistry(ctx, o.Defaults, func(chatID int64) *cards.Store {
		return cards.NewStore(o.Backend, r.view(chatID), o.Log.With("chat_id", chatID))
	})
	return r
}

func (r *Router) view(chatID int64) *cardView {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.views[chatID]
	if !ok {
		v = newCardView(r.Bot, chatID, r.Log)
		r.views[chatID] = v
	}
	return v
}

func (r *Router) dropView(chatID int64) {
	r.mu.Lock()
	delete(r.views, chatID)
	r.mu.Unlock()
}

func (r *Router) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	// callback-кнопки
	if upd.CallbackQuery != nil {
		r.handleCallback(ctx, *upd.CallbackQuery)
		return
	}
	if upd.Message == nil {
		return
	}
	msg := upd.Message
	cid := msg.Chat.ID

	if msg.IsCommand() {
		r.HandleCommand(ctx, msg)
		return
	}

	// обучающий PDF
	if msg.Document != nil {
		go r.acceptDocument(ctx, cid, *msg.Document)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	// ответ на сообщение карточки - правка вопроса или варианта
	if msg.ReplyToMessage != nil {
		if cardID, ok := r.view(cid).CardByMessage(msg.ReplyToMessage.MessageID); ok {
			r.applyCardEdit(cid, cardID, text)
			return
		}
	}

	r.setSourceText(ctx, cid, text)
}

func (r *Router) HandleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cid := msg.Chat.ID
	args := strings.TrimSpace(msg.CommandArguments())
	s := r.Sessions.Get(cid)

	switch msg.Command() {
	case "start", "help":
		r.send(cid, helpText)
	case "health":
		r.send(cid, "✅ OK")
	case "text":
		if args == "" {
			r.notifyErr(cid, qcm.ErrEmptyText)
			return
		}
		r.setSourceText(ctx, cid, args)
	case "count":
		n, err := strconv.Atoi(args)
		if err != nil || n < qcm.MinQuestions || n > qcm.MaxQuestions {
			r.send(cid, fmt.Sprintf("عدد الأسئلة يجب أن يكون بين %d و %d", qcm.MinQuestions, qcm.MaxQuestions))
			return
		}
		s.UpdateSettings(func(st *session.Settings) { st.QuestionCount = n })
		r.send(cid, fmt.Sprintf("✅ عدد الأسئلة: %d", n))
	case "model":
		if args == "" {
			r.send(cid, "النموذج الحالي: "+s.Settings().ModelID)
			return
		}
		s.UpdateSettings(func(st *session.Settings) { st.ModelID = args })
		r.send(cid, "✅ النموذج: "+args)
	case "difficulty":
		d, err := qcm.ParseDifficulty(args)
		if err != nil {
			r.send(cid, "الصعوبة: easy | medium | hard")
			return
		}
		s.UpdateSettings(func(st *session.Settings) { st.Difficulty = d })
		r.send(cid, "✅ الصعوبة: "+string(d))
	case "level":
		n, err := strconv.Atoi(args)
		if err != nil || n < qcm.MinLevel || n > qcm.MaxLevel {
			r.send(cid, fmt.Sprintf("المستوى يجب أن يكون بين %d و %d", qcm.MinLevel, qcm.MaxLevel))
			return
		}
		s.UpdateSettings(func(st *session.Settings) { st.Level = n })
		r.send(cid, fmt.Sprintf("✅ المستوى: %d", n))
	case "settings":
		r.showSettings(ctx, cid)
	case "generate":
		r.startGeneration(ctx, cid)
	case "cancel":
		if s.CancelJob() {
			return // уведомление придёт из OnCancel
		}
		r.send(cid, "لا توجد عملية إنشاء جارية")
	case "export":
		go r.exportAll(ctx, cid)
	case "history":
		r.showHistory(ctx, cid, args)
	case "texts":
		if args != "" {
			r.showBackendText(ctx, cid, args)
			return
		}
		r.showBackendTexts(ctx, cid)
	case "reset":
		r.Sessions.Drop(cid)
		r.dropView(cid)
		r.send(cid, "تم مسح الجلسة")
	default:
		r.send(cid, "أمر غير معروف. /help")
	}
}

func (r *Router) showSettings(ctx context.Context, chatID int64) {
	s := r.Sessions.Get(chatID)
	st := s.Settings()
	text := fmt.Sprintf("عدد الأسئلة: %d\nالنموذج: %s\nالصعوبة: %s\nالمستوى: %d\nالفقرات المختارة: %d من %d\nالأسئلة الحالية: %d",
		st.QuestionCount, st.ModelID, st.Difficulty, st.Level, len(s.Paragraphs.Selected()), s.Paragraphs.Len(), s.Cards.Len())
	if line := r.lastJobLine(ctx, s.Job()); line != "" {
		text += "\n" + line
	}
	r.send(chatID, text)
}

// lastJobLine - статус последней задачи чата по архиву.
func (r *Router) lastJobLine(ctx context.Context, h *poller.Handle) string {
	if h == nil {
		return ""
	}
	if r.Jobs == nil {
		return "آخر عملية: " + h.State().String()
	}
	row, err := r.Jobs.Get(ctx, h.JobID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.Log.Warn("job lookup failed", "job_id", h.JobID, "err", err)
		}
		return "آخر عملية: " + h.State().String()
	}
	line := fmt.Sprintf("آخر عملية: %s (%d سؤال، %s)", row.Status, row.QuestionCount, row.CreatedAt.Format(time.DateTime))
	if row.Error != "" {
		line += "\n" + row.Error
	}
	return line
}

// setSourceText: любой новый текст заново делит на абзацы и сбрасывает их выбор.
func (r *Router) setSourceText(ctx context.Context, chatID int64, text string) {
	s := r.Sessions.Get(chatID)
	paras, err := r.Backend.ExtractParagraphs(ctx, text)
	if err != nil {
		s.SetSourceText(text, nil)
		r.Log.Warn("extract paragraphs failed", "chat_id", chatID, "err", err)
		r.notifyErr(chatID, err)
		return
	}
	s.SetSourceText(text, paras)
	if len(paras) == 0 {
		r.send(chatID, "لم يتم العثور على فقرات في النص")
		return
	}
	msg := tgbotapi.NewMessage(chatID, renderParagraphsText(s.Paragraphs))
	msg.ReplyMarkup = makeParagraphsKeyboard(s.Paragraphs)
	if _, err := r.Bot.Send(msg); err != nil {
		r.Log.Warn("paragraphs message not sent", "chat_id", chatID, "err", err)
	}
}

// applyCardEdit разбирает "Q: текст" или "B: текст".
func (r *Router) applyCardEdit(chatID int64, cardID, text string) {
	s := r.Sessions.Get(chatID)
	field, value, ok := strings.Cut(text, ":")
	if !ok || strings.TrimSpace(value) == "" {
		r.send(chatID, "للتعديل: «Q: نص السؤال» أو «B: نص الخيار»")
		return
	}
	field = strings.ToUpper(strings.TrimSpace(field))

	var err error
	switch {
	case field == "Q":
		err = s.Cards.SetQuestion(cardID, value)
	default:
		idx, okIdx := choiceIndex(field)
		if !okIdx {
			r.send(chatID, "للتعديل: «Q: نص السؤال» أو «B: نص الخيار»")
			return
		}
		err = s.Cards.SetChoice(cardID, idx, value)
	}
	if err != nil {
		r.notifyErr(chatID, err)
	}
}

func (r *Router) send(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, limit(text))
	if _, err := r.Bot.Send(msg); err != nil {
		r.Log.Warn("message not sent", "chat_id", chatID, "err", err)
	}
}

// notify - короткое уведомление (аналог всплывающего сообщения).
func (r *Router) notify(chatID int64, text string) {
	r.send(chatID, text)
}

func (r *Router) notifyErr(chatID int64, err error) {
	r.send(chatID, "⚠️ "+errorText(err))
}

func errorText(err error) string {
	var rej *backend.RejectedError
	switch {
	case errors.Is(err, qcm.ErrEmptyText):
		return "يرجى إدخال النص العربي"
	case errors.Is(err, qcm.ErrNoParagraphs):
		return "يرجى اختيار فقرة واحدة على الأقل"
	case errors.Is(err, qcm.ErrNoQuestions):
		return "لا توجد أسئلة للحفظ"
	case errors.Is(err, cards.ErrBusy):
		return "السؤال قيد المعالجة، يرجى الانتظار"
	case errors.Is(err, cards.ErrComparing):
		return "يرجى تطبيق التحسينات أو إلغاؤها أولاً"
	case errors.Is(err, cards.ErrNotComparing):
		return "لا توجد اقتراحات تحسين لهذا السؤال"
	case errors.Is(err, cards.ErrNotFound):
		return "السؤال غير موجود"
	case errors.Is(err, cards.ErrChoiceIndex):
		return "الخيار غير موجود"
	case errors.As(err, &rej):
		return "حدث خطأ: " + rej.Message
	case errors.Is(err, qcm.ErrJobFailed):
		return "حدث خطأ: " + strings.TrimPrefix(err.Error(), qcm.ErrJobFailed.Error()+": ")
	}
	return "حدث خطأ: " + err.Error()
}
