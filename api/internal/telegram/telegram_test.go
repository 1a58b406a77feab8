package telegram

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"qcm-bot/api/internal/backend"
	"qcm-bot/api/internal/cards"
	"qcm-bot/api/internal/logger"
	"qcm-bot/api/internal/poller"
	"qcm-bot/api/internal/qcm"
	"qcm-bot/api/internal/session"
	"qcm-bot/api/internal/store"
)

type fakeBot struct {
	mu       sync.Mutex
	nextID   int
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.sent = append(b.sent, c)
	return tgbotapi.Message{MessageID: b.nextID}, nil
}

func (b *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (b *fakeBot) GetFileDirectURL(string) (string, error) { return "", nil }

func (b *fakeBot) texts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, c := range b.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, m.Text)
		}
	}
	return out
}

func (b *fakeBot) edits() []tgbotapi.EditMessageTextConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []tgbotapi.EditMessageTextConfig
	for _, c := range b.requests {
		if e, ok := c.(tgbotapi.EditMessageTextConfig); ok {
			out = append(out, e)
		}
	}
	return out
}

func (b *fakeBot) documents() []tgbotapi.FileBytes {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []tgbotapi.FileBytes
	for _, c := range b.sent {
		if d, ok := c.(tgbotapi.DocumentConfig); ok {
			if f, ok := d.File.(tgbotapi.FileBytes); ok {
				out = append(out, f)
			}
		}
	}
	return out
}

func (b *fakeBot) deletes() []tgbotapi.DeleteMessageConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []tgbotapi.DeleteMessageConfig
	for _, c := range b.requests {
		if d, ok := c.(tgbotapi.DeleteMessageConfig); ok {
			out = append(out, d)
		}
	}
	return out
}

type fakeBackend struct {
	mu        sync.Mutex
	requests  []qcm.GenerationRequest
	questions []qcm.QuestionRecord
}

func (f *fakeBackend) SubmitGenerationJob(_ context.Context, req qcm.GenerationRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return "job-1", nil
}

func (f *fakeBackend) PollJobStatus(_ context.Context, id string) (qcm.Job, error) {
	return qcm.Job{ID: id, Status: qcm.JobCompleted, Questions: f.questions}, nil
}

func (f *fakeBackend) SaveQuestion(context.Context, qcm.QuestionRecord) (string, error) {
	return "Question saved successfully", nil
}

func (f *fakeBackend) SaveQuestionSet(context.Context, []byte) (backend.SaveSetResult, error) {
	return backend.SaveSetResult{Message: "saved", TextID: "1", File: "text_1.json"}, nil
}

func (f *fakeBackend) ImproveQuestion(_ context.Context, _ string, rec qcm.QuestionRecord) (qcm.QuestionRecord, error) {
	return rec, nil
}

func (f *fakeBackend) SuggestImprovements(context.Context, string, qcm.QuestionRecord) (qcm.Suggestion, error) {
	return qcm.Suggestion{}, nil
}

func (f *fakeBackend) ExtractParagraphs(_ context.Context, text string) ([]string, error) {
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeBackend) UploadTrainingDocument(_ context.Context, name string, _ []byte) (backend.UploadResult, error) {
	return backend.UploadResult{Path: "uploads/" + name}, nil
}

func (f *fakeBackend) ListTexts(context.Context) ([]backend.TextSummary, error) {
	return []backend.TextSummary{{"_id": float64(4), "content": "نص محفوظ"}}, nil
}

func (f *fakeBackend) GetText(_ context.Context, id string) (backend.StoredText, error) {
	if id != "4" {
		return backend.StoredText{}, &backend.RejectedError{Op: "text", Message: "Text with ID " + id + " not found"}
	}
	return backend.StoredText{
		ID: "4", Content: "نص محفوظ", Level: 3, Difficulty: qcm.DifficultyHard,
		QCMs: []backend.StoredQCM{{Question: "سؤال محفوظ", CorrectAnswer: "أ", WrongAnswer1: "ب"}},
	}, nil
}

// fakeJobs - архив задач в памяти; events хранит порядок вызовов.
type fakeJobs struct {
	mu     sync.Mutex
	events []string
	rows   map[string]*store.JobRow
}

func newFakeJobs() *fakeJobs { return &fakeJobs{rows: map[string]*store.JobRow{}} }

func (j *fakeJobs) Start(_ context.Context, chatID int64, jobID string, req qcm.GenerationRequest) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, "start:"+jobID)
	if _, ok := j.rows[jobID]; !ok {
		j.rows[jobID] = &store.JobRow{JobID: jobID, ChatID: chatID, Status: "pending", QuestionCount: req.QuestionCount, CreatedAt: time.Now()}
	}
	return nil
}

func (j *fakeJobs) Finish(_ context.Context, jobID, status, errMsg string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, "finish:"+jobID+":"+status)
	row, ok := j.rows[jobID]
	if !ok || row.FinishedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now()
	row.Status, row.Error, row.FinishedAt = status, errMsg, &now
	return nil
}

func (j *fakeJobs) Get(_ context.Context, jobID string) (*store.JobRow, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	row, ok := j.rows[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (j *fakeJobs) Events() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

type archivedExport struct {
	row  store.ExportRow
	file store.ExportFile
}

type fakeExports struct {
	mu    sync.Mutex
	saved []archivedExport
}

func (e *fakeExports) Insert(_ context.Context, chatID int64, textID, filename string, level int, difficulty qcm.Difficulty, questions int, payload []byte) (uuid.UUID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := uuid.New()
	e.saved = append(e.saved, archivedExport{
		row: store.ExportRow{ID: id, ChatID: chatID, TextID: textID, Filename: filename,
			Difficulty: string(difficulty), Level: level, Questions: questions, CreatedAt: time.Now()},
		file: store.ExportFile{Filename: filename, Payload: append([]byte(nil), payload...)},
	})
	return id, nil
}

func (e *fakeExports) ListRecent(_ context.Context, chatID int64, _ int) ([]store.ExportRow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []store.ExportRow
	for _, a := range e.saved {
		if a.row.ChatID == chatID {
			out = append(out, a.row)
		}
	}
	return out, nil
}

func (e *fakeExports) File(_ context.Context, chatID int64, id uuid.UUID) (store.ExportFile, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range e.saved {
		if a.row.ID == id && a.row.ChatID == chatID {
			return a.file, nil
		}
	}
	return store.ExportFile{}, store.ErrNotFound
}

func (e *fakeExports) Saved() []archivedExport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]archivedExport(nil), e.saved...)
}

func (f *fakeBackend) lastRequest() qcm.GenerationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

var _ = Describe("callback data", func() {
	It("round-trips card actions", func() {
		id := "0f8fad5b-d9cb-469f-a165-70867728950e"
		for _, act := range []string{actSave, actDelete, actImprove, actSuggest, actApply, actCancel} {
			data := cardData(act, id)
			Expect(len(data)).To(BeNumerically("<=", 64))
			cb, err := parseCallback(data)
			Expect(err).NotTo(HaveOccurred())
			Expect(cb).To(Equal(callback{Kind: "c", Act: act, ID: id}))
		}
		cb, err := parseCallback(markData(id, 3))
		Expect(err).NotTo(HaveOccurred())
		Expect(cb).To(Equal(callback{Kind: "c", Act: actMark, ID: id, Idx: 3}))
	})

	It("parses paragraph callbacks", func() {
		cb, err := parseCallback(paraData(3, 7))
		Expect(err).NotTo(HaveOccurred())
		Expect(cb).To(Equal(callback{Kind: "p", Act: paraToggle, Idx: 7, Gen: 3}))

		cb, err = parseCallback(paraAllData(3))
		Expect(err).NotTo(HaveOccurred())
		Expect(cb.Act).To(Equal(paraAll))
		Expect(cb.Gen).To(Equal(3))

		cb, err = parseCallback(paraGenerateData(1))
		Expect(err).NotTo(HaveOccurred())
		Expect(cb.Act).To(Equal(paraGenerate))
	})

	DescribeTable("rejects malformed data",
		func(data string) {
			_, err := parseCallback(data)
			Expect(err).To(HaveOccurred())
		},
		Entry("empty", ""),
		Entry("unknown kind", "z:1"),
		Entry("card without id", "c:s"),
		Entry("unknown action", "c:q:abc"),
		Entry("mark without index", "c:m:abc"),
		Entry("negative index", "c:m:abc:-1"),
		Entry("bad paragraph", "p:1:x"),
		Entry("paragraph without list number", "p:2"),
		Entry("bad list number", "p:x:2"),
	)
})

var _ = Describe("choiceIndex", func() {
	DescribeTable("labels",
		func(label string, want int, ok bool) {
			i, got := choiceIndex(label)
			Expect(got).To(Equal(ok))
			if ok {
				Expect(i).To(Equal(want))
			}
		},
		Entry("A", "A", 0, true),
		Entry("lower c", "c", 2, true),
		Entry("number", "2", 1, true),
		Entry("zero", "0", 0, false),
		Entry("word", "Q1", 0, false),
		Entry("padded number", "02", 0, false),
	)
})

var _ = Describe("card rendering", func() {
	card := cards.Card{ID: "id-1", Question: "ما هو؟", Choices: []string{"أ", "ب", "ج"}, CorrectIndex: 1}

	It("marks exactly the correct choice", func() {
		text := renderCardText(0, card)
		Expect(text).To(HavePrefix("1. ما هو؟"))
		Expect(strings.Count(text, "✅")).To(Equal(1))
		Expect(text).To(ContainSubstring("✅ B. ب"))
	})

	It("hides the buttons while loading", func() {
		c := card
		c.State = cards.StateLoading
		c.Pending = cards.PendingImprove
		Expect(makeCardKeyboard(c)).To(BeNil())
	})

	It("offers apply and cancel while comparing", func() {
		c := card
		c.State = cards.StateComparing
		c.Suggestion = &qcm.Suggestion{OriginalQuestion: "ما هو؟", SuggestedQuestion: "ما هو بالضبط؟"}
		kb := makeCardKeyboard(c)
		Expect(kb).NotTo(BeNil())
		Expect(kb.InlineKeyboard).To(HaveLen(1))
		Expect(*kb.InlineKeyboard[0][0].CallbackData).To(Equal(cardData(actApply, c.ID)))
		Expect(*kb.InlineKeyboard[0][1].CallbackData).To(Equal(cardData(actCancel, c.ID)))
		Expect(renderCardText(0, c)).To(ContainSubstring("ما هو بالضبط؟"))
	})

	It("has one mark button per choice", func() {
		kb := makeCardKeyboard(card)
		Expect(kb.InlineKeyboard).To(HaveLen(2))
		Expect(kb.InlineKeyboard[1]).To(HaveLen(3))
		Expect(kb.InlineKeyboard[1][1].Text).To(Equal("✅ B"))
	})
})

var _ = Describe("cardView", func() {
	It("sends once, then edits the same message, then deletes it", func() {
		bot := &fakeBot{}
		v := newCardView(bot, 42, logger.Nop())
		c := cards.Card{ID: "id-1", Question: "س", Choices: []string{"أ"}}

		v.Render(0, c)
		Expect(bot.texts()).To(HaveLen(1))
		msgID, ok := v.byCard["id-1"]
		Expect(ok).To(BeTrue())
		id, ok := v.CardByMessage(msgID)
		Expect(ok).To(BeTrue())
		Expect(id).To(Equal("id-1"))

		c.State = cards.StateLoading
		v.Render(0, c)
		Expect(bot.texts()).To(HaveLen(1))
		edits := bot.edits()
		Expect(edits).To(HaveLen(1))
		Expect(edits[0].MessageID).To(Equal(msgID))
		Expect(edits[0].ReplyMarkup).To(BeNil())
		Expect(edits[0].Text).To(ContainSubstring("⏳"))

		v.Remove("id-1")
		Expect(bot.deletes()).To(HaveLen(1))
		_, ok = v.CardByMessage(msgID)
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("Router", func() {
	const chatID = int64(77)

	var (
		bot     *fakeBot
		be      *fakeBackend
		jobs    *fakeJobs
		exports *fakeExports
		r       *Router
	)

	textUpdate := func(text string, replyTo int) tgbotapi.Update {
		msg := &tgbotapi.Message{MessageID: 1000, Chat: &tgbotapi.Chat{ID: chatID}, Text: text}
		if replyTo != 0 {
			msg.ReplyToMessage = &tgbotapi.Message{MessageID: replyTo, Chat: &tgbotapi.Chat{ID: chatID}}
		}
		return tgbotapi.Update{Message: msg}
	}

	cmd := func(text string) tgbotapi.Update {
		u := textUpdate(text, 0)
		u.Message.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: strings.Index(text+" ", " ")}}
		return u
	}

	callbackUpdate := func(data string) tgbotapi.Update {
		return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
			ID:      "cb",
			Data:    data,
			Message: &tgbotapi.Message{MessageID: 1, Chat: &tgbotapi.Chat{ID: chatID}},
		}}
	}

	// generate выбирает все абзацы текста и ждёт карточки.
	generate := func(ctx context.Context, text string) *session.Session {
		r.HandleUpdate(ctx, textUpdate(text, 0))
		s := r.Sessions.Get(chatID)
		gen := s.Paragraphs.Generation()
		r.HandleUpdate(ctx, callbackUpdate(paraAllData(gen)))
		r.HandleUpdate(ctx, callbackUpdate(paraGenerateData(gen)))
		Eventually(s.Cards.Len).Should(Equal(len(be.questions)))
		return s
	}

	BeforeEach(func() {
		bot = &fakeBot{}
		be = &fakeBackend{questions: []qcm.QuestionRecord{
			{Question: "Q1", CorrectAnswer: "a", Choices: []string{"a", "b"}},
			{Question: "Q2", CorrectAnswer: "d", Choices: []string{"c", "d"}},
		}}
		jobs = newFakeJobs()
		exports = &fakeExports{}
		ctx, cancel := context.WithCancel(context.Background())
		DeferCleanup(cancel)
		r = New(ctx, Options{
			Bot:     bot,
			Backend: be,
			Poller:  poller.New(be, poller.Options{Interval: 5 * time.Millisecond}, nil),
			Defaults: session.Settings{
				QuestionCount: 2, ModelID: "gpt-4o-mini", Difficulty: qcm.DifficultyEasy, Level: 1,
			},
			Jobs:    jobs,
			Exports: exports,
		})
		DeferCleanup(r.Sessions.CloseAll)
	})

	It("goes from text to generated cards", func() {
		ctx := context.Background()
		r.HandleUpdate(ctx, textUpdate("ف1\n\nف2\n\nف3", 0))
		s := r.Sessions.Get(chatID)
		Expect(s.Paragraphs.Len()).To(Equal(3))
		gen := s.Paragraphs.Generation()

		r.HandleUpdate(ctx, callbackUpdate(paraData(gen, 1)))
		r.HandleUpdate(ctx, callbackUpdate(paraAllData(gen)))
		Expect(s.Paragraphs.Selected()).To(Equal([]int{0, 1, 2}))

		r.HandleUpdate(ctx, callbackUpdate(paraGenerateData(gen)))
		Eventually(s.Cards.Len).Should(Equal(2))
		Expect(be.lastRequest().ParagraphIndices).To(Equal([]int{0, 1, 2}))
		Expect(be.lastRequest().QuestionCount).To(Equal(2))
		Expect(s.Cards.Meta().SourceText).To(Equal("ف1\n\nف2\n\nف3"))
	})

	It("does not generate without a selected paragraph", func() {
		ctx := context.Background()
		r.HandleUpdate(ctx, textUpdate("ف1\n\nف2", 0))
		gen := r.Sessions.Get(chatID).Paragraphs.Generation()
		r.HandleUpdate(ctx, callbackUpdate(paraGenerateData(gen)))

		Expect(be.requests).To(BeEmpty())
		Expect(bot.texts()).To(ContainElement(ContainSubstring("يرجى اختيار فقرة")))
	})

	It("ignores paragraph buttons of a replaced text", func() {
		ctx := context.Background()
		r.HandleUpdate(ctx, textUpdate("ف1\n\nف2\n\nف3", 0))
		s := r.Sessions.Get(chatID)
		old := s.Paragraphs.Generation()

		r.HandleUpdate(ctx, textUpdate("ن1\n\nن2", 0))
		r.HandleUpdate(ctx, callbackUpdate(paraData(old, 1)))
		r.HandleUpdate(ctx, callbackUpdate(paraAllData(old)))
		r.HandleUpdate(ctx, callbackUpdate(paraGenerateData(old)))

		Expect(s.Paragraphs.Selected()).To(BeEmpty())
		Expect(be.requests).To(BeEmpty())
		Expect(bot.texts()).To(ContainElement(ContainSubstring("القائمة قديمة")))

		r.HandleUpdate(ctx, callbackUpdate(paraData(s.Paragraphs.Generation(), 1)))
		Expect(s.Paragraphs.Selected()).To(Equal([]int{1}))
	})

	It("records the job before polling and closes it once", func() {
		ctx := context.Background()
		generate(ctx, "ف1\n\nف2")

		Eventually(jobs.Events).Should(Equal([]string{"start:job-1", "finish:job-1:completed"}))
		row, err := jobs.Get(ctx, "job-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(row.Status).To(Equal(store.JobCompleted))
		Expect(row.FinishedAt).NotTo(BeNil())
	})

	It("shows the archived job status in the settings", func() {
		ctx := context.Background()
		generate(ctx, "ف1\n\nف2")
		Eventually(jobs.Events).Should(HaveLen(2))

		r.HandleUpdate(ctx, cmd("/settings"))
		Expect(bot.texts()).To(ContainElement(ContainSubstring("آخر عملية: completed")))
	})

	It("exports with the settings of the generation and resends the archived file", func() {
		ctx := context.Background()
		generate(ctx, "ف1\n\nف2")
		r.HandleUpdate(ctx, cmd("/level 7"))
		r.HandleUpdate(ctx, cmd("/difficulty hard"))

		r.HandleUpdate(ctx, cmd("/export"))
		Eventually(exports.Saved).Should(HaveLen(1))
		saved := exports.Saved()[0]
		Expect(saved.row.Level).To(Equal(1))
		Expect(saved.row.Difficulty).To(Equal(string(qcm.DifficultyEasy)))

		docs := bot.documents()
		Expect(docs).To(HaveLen(1))
		Expect(docs[0].Name).To(Equal("text_1.json"))
		Expect(docs[0].Bytes).To(Equal(saved.file.Payload))
		var p qcm.ExportPayload
		Expect(json.Unmarshal(docs[0].Bytes, &p)).To(Succeed())
		Expect(p.Level).To(Equal(1))
		Expect(p.Difficulty).To(Equal(qcm.DifficultyEasy))

		r.HandleUpdate(ctx, cmd("/history "+saved.row.ID.String()))
		docs = bot.documents()
		Expect(docs).To(HaveLen(2))
		Expect(docs[1].Name).To(Equal("text_1.json"))
		Expect(docs[1].Bytes).To(Equal(docs[0].Bytes))
	})

	It("does not resend an unknown export", func() {
		r.HandleUpdate(context.Background(), cmd("/history "+uuid.NewString()))
		Expect(bot.documents()).To(BeEmpty())
		Expect(bot.texts()).To(ContainElement(ContainSubstring("لا توجد مجموعة")))
	})

	It("lists and opens stored texts", func() {
		ctx := context.Background()
		r.HandleUpdate(ctx, cmd("/texts"))
		Expect(bot.texts()).To(ContainElement(ContainSubstring("[4] نص محفوظ")))

		r.HandleUpdate(ctx, cmd("/texts 4"))
		Expect(bot.texts()).To(ContainElement(And(
			ContainSubstring("نص محفوظ"),
			ContainSubstring("سؤال محفوظ"),
			ContainSubstring("✅ أ"),
		)))

		r.HandleUpdate(ctx, cmd("/texts 9"))
		Expect(bot.texts()).To(ContainElement(ContainSubstring("not found")))
	})

	It("edits a card through a reply", func() {
		ctx := context.Background()
		s := r.Sessions.Get(chatID)
		_, err := s.Cards.ReplaceAll(cards.ExportMeta{SourceText: "نص"}, be.questions)
		Expect(err).NotTo(HaveOccurred())
		first := s.Cards.Cards()[0]
		msgID := r.view(chatID).byCard[first.ID]

		r.HandleUpdate(ctx, textUpdate("Q: سؤال جديد", msgID))
		r.HandleUpdate(ctx, textUpdate("B: بديل", msgID))

		c, _ := s.Cards.Get(first.ID)
		Expect(c.Question).To(Equal("سؤال جديد"))
		Expect(c.Choices).To(Equal([]string{"a", "بديل"}))
		Expect(s.SourceText()).To(BeEmpty())
	})

	It("marks and deletes cards from buttons", func() {
		ctx := context.Background()
		s := r.Sessions.Get(chatID)
		_, err := s.Cards.ReplaceAll(cards.ExportMeta{SourceText: "نص"}, be.questions)
		Expect(err).NotTo(HaveOccurred())
		ids := []string{s.Cards.Cards()[0].ID, s.Cards.Cards()[1].ID}

		r.HandleUpdate(ctx, callbackUpdate(markData(ids[0], 1)))
		c, _ := s.Cards.Get(ids[0])
		Expect(c.Record().CorrectAnswer).To(Equal("b"))

		r.HandleUpdate(ctx, callbackUpdate(cardData(actDelete, ids[1])))
		Expect(s.Cards.Len()).To(Equal(1))
		Expect(bot.deletes()).To(HaveLen(1))
	})

	It("changes settings through commands", func() {
		ctx := context.Background()
		r.HandleUpdate(ctx, cmd("/count 5"))
		r.HandleUpdate(ctx, cmd("/difficulty hard"))
		r.HandleUpdate(ctx, cmd("/level 99"))

		st := r.Sessions.Get(chatID).Settings()
		Expect(st.QuestionCount).To(Equal(5))
		Expect(st.Difficulty).To(Equal(qcm.DifficultyHard))
		Expect(st.Level).To(Equal(1))
	})
})
