package poller_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"qcm-bot/api/internal/backend"
	"qcm-bot/api/internal/poller"
	"qcm-bot/api/internal/qcm"
)

// scriptedBackend отдаёт статусы по очереди; последний повторяется.
type scriptedBackend struct {
	mu        sync.Mutex
	submitted int
	polls     int
	inFlight  int32
	overlap   atomic.Bool
	script    []func() (qcm.Job, error)
	delay     time.Duration
	submitErr error
}

func (b *scriptedBackend) SubmitGenerationJob(_ context.Context, _ qcm.GenerationRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitted++
	if b.submitErr != nil {
		return "", b.submitErr
	}
	return "job-1", nil
}

func (b *scriptedBackend) PollJobStatus(_ context.Context, id string) (qcm.Job, error) {
	if atomic.AddInt32(&b.inFlight, 1) > 1 {
		b.overlap.Store(true)
	}
	defer atomic.AddInt32(&b.inFlight, -1)
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	b.mu.Lock()
	i := b.polls
	b.polls++
	b.mu.Unlock()
	if i >= len(b.script) {
		i = len(b.script) - 1
	}
	return b.script[i]()
}

func (b *scriptedBackend) Polls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.polls
}

func (b *scriptedBackend) Submitted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submitted
}

func pending() (qcm.Job, error) { return qcm.Job{ID: "job-1", Status: qcm.JobPending}, nil }

func completed(qs ...qcm.QuestionRecord) func() (qcm.Job, error) {
	return func() (qcm.Job, error) {
		return qcm.Job{ID: "job-1", Status: qcm.JobCompleted, Questions: qs}, nil
	}
}

func netDown() (qcm.Job, error) { return qcm.Job{}, backend.ErrTransport }

type recorder struct {
	mu        sync.Mutex
	progress  []int
	completed [][]qcm.QuestionRecord
	failed    []error
	cancelled int
}

func (r *recorder) callbacks() poller.Callbacks {
	return poller.Callbacks{
		OnProgress: func(_ string, attempt int) {
			r.mu.Lock()
			r.progress = append(r.progress, attempt)
			r.mu.Unlock()
		},
		OnComplete: func(_ string, qs []qcm.QuestionRecord) {
			r.mu.Lock()
			r.completed = append(r.completed, qs)
			r.mu.Unlock()
		},
		OnFailure: func(_ string, err error) {
			r.mu.Lock()
			r.failed = append(r.failed, err)
			r.mu.Unlock()
		},
		OnCancel: func(string) {
			r.mu.Lock()
			r.cancelled++
			r.mu.Unlock()
		},
	}
}

func (r *recorder) terminal() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed) + len(r.failed) + r.cancelled
}

var _ = Describe("Poller", func() {
	var (
		be   *scriptedBackend
		rec  *recorder
		opts poller.Options
		req  qcm.GenerationRequest
		ctx  context.Context
	)

	q := qcm.QuestionRecord{Question: "ما عاصمة مصر؟", CorrectAnswer: "القاهرة", Choices: []string{"القاهرة", "دمشق"}}

	BeforeEach(func() {
		be = &scriptedBackend{}
		rec = &recorder{}
		opts = poller.Options{Interval: 5 * time.Millisecond, TransportRetries: 3}
		req = qcm.GenerationRequest{
			SourceText:       "نص عربي",
			QuestionCount:    3,
			ModelID:          "gpt-4o-mini",
			ParagraphIndices: []int{0},
			Level:            1,
			Difficulty:       qcm.DifficultyMedium,
		}
		ctx = context.Background()
	})

	It("delivers questions after pending polls", func() {
		be.script = []func() (qcm.Job, error){pending, pending, completed(q, q, q)}
		h, err := poller.New(be, opts, nil).Submit(ctx, req, rec.callbacks())
		Expect(err).NotTo(HaveOccurred())
		Expect(h.JobID).To(Equal("job-1"))

		Eventually(h.Done()).Should(BeClosed())
		Expect(h.State()).To(Equal(poller.StateCompleted))
		Expect(rec.completed).To(HaveLen(1))
		Expect(rec.completed[0]).To(HaveLen(3))
		Expect(rec.progress).To(Equal([]int{1, 2}))
		Expect(be.Polls()).To(Equal(3))
	})

	It("reports the job id before the first status query", func() {
		be.script = []func() (qcm.Job, error){completed(q)}
		cb := rec.callbacks()
		pollsAtSubmit := -1
		cb.OnSubmitted = func(id string) {
			Expect(id).To(Equal("job-1"))
			pollsAtSubmit = be.Polls()
		}
		h, err := poller.New(be, opts, nil).Submit(ctx, req, cb)
		Expect(err).NotTo(HaveOccurred())
		Expect(pollsAtSubmit).To(Equal(0))
		Eventually(h.Done()).Should(BeClosed())
	})

	It("stops polling after a terminal state", func() {
		be.script = []func() (qcm.Job, error){completed(q)}
		h, err := poller.New(be, opts, nil).Submit(ctx, req, rec.callbacks())
		Expect(err).NotTo(HaveOccurred())
		Eventually(h.Done()).Should(BeClosed())

		Consistently(be.Polls, 50*time.Millisecond).Should(Equal(1))
		h.Cancel()
		Expect(h.State()).To(Equal(poller.StateCompleted))
		Expect(rec.terminal()).To(Equal(1))
	})

	It("never has two status queries in flight", func() {
		be.delay = 15 * time.Millisecond
		be.script = []func() (qcm.Job, error){pending, pending, pending, completed(q)}
		h, err := poller.New(be, opts, nil).Submit(ctx, req, rec.callbacks())
		Expect(err).NotTo(HaveOccurred())
		Eventually(h.Done()).Should(BeClosed())
		Expect(be.overlap.Load()).To(BeFalse())
	})

	It("rejects an invalid request without calling the backend", func() {
		req.ParagraphIndices = nil
		h, err := poller.New(be, opts, nil).Submit(ctx, req, rec.callbacks())
		Expect(err).To(MatchError(qcm.ErrNoParagraphs))
		Expect(h).To(BeNil())
		Expect(be.Submitted()).To(Equal(0))

		req.ParagraphIndices = []int{0}
		req.SourceText = "   "
		_, err = poller.New(be, opts, nil).Submit(ctx, req, rec.callbacks())
		Expect(err).To(MatchError(qcm.ErrEmptyText))
		Expect(be.Submitted()).To(Equal(0))
	})

	It("returns submit errors synchronously", func() {
		be.submitErr = &backend.RejectedError{Op: "generate", Message: "boom"}
		h, err := poller.New(be, opts, nil).Submit(ctx, req, rec.callbacks())
		Expect(h).To(BeNil())
		Expect(errors.Is(err, backend.ErrRejected)).To(BeTrue())
		Expect(be.Polls()).To(Equal(0))
	})

	It("cancels and delivers nothing else", func() {
		be.script = []func() (qcm.Job, error){pending}
		h, err := poller.New(be, opts, nil).Submit(ctx, req, rec.callbacks())
		Expect(err).NotTo(HaveOccurred())
		Eventually(be.Polls).Should(BeNumerically(">=", 1))

		h.Cancel()
		Eventually(h.Done()).Should(BeClosed())
		Expect(h.State()).To(Equal(poller.StateCancelled))

		polls := be.Polls()
		Consistently(be.Polls, 50*time.Millisecond).Should(Equal(polls))
		Expect(rec.cancelled).To(Equal(1))
		Expect(rec.completed).To(BeEmpty())
		Expect(rec.failed).To(BeEmpty())
	})

	It("stops when the parent context is cancelled", func() {
		be.script = []func() (qcm.Job, error){pending}
		cctx, cancel := context.WithCancel(ctx)
		h, err := poller.New(be, opts, nil).Submit(cctx, req, rec.callbacks())
		Expect(err).NotTo(HaveOccurred())
		cancel()
		Eventually(h.Done()).Should(BeClosed())
		Expect(h.State()).To(Equal(poller.StateCancelled))
	})

	It("tolerates transient transport errors", func() {
		be.script = []func() (qcm.Job, error){netDown, netDown, pending, netDown, completed(q)}
		h, err := poller.New(be, opts, nil).Submit(ctx, req, rec.callbacks())
		Expect(err).NotTo(HaveOccurred())
		Eventually(h.Done()).Should(BeClosed())
		Expect(h.State()).To(Equal(poller.StateCompleted))
	})

	It("fails after too many consecutive transport errors", func() {
		be.script = []func() (qcm.Job, error){netDown}
		opts.TransportRetries = 2
		h, err := poller.New(be, opts, nil).Submit(ctx, req, rec.callbacks())
		Expect(err).NotTo(HaveOccurred())
		Eventually(h.Done()).Should(BeClosed())

		Expect(h.State()).To(Equal(poller.StateFailed))
		Expect(h.Err()).To(MatchError(backend.ErrTransport))
		Expect(be.Polls()).To(Equal(3))
		Expect(rec.failed).To(HaveLen(1))
	})

	It("treats a job error as terminal", func() {
		be.script = []func() (qcm.Job, error){func() (qcm.Job, error) {
			return qcm.Job{ID: "job-1", Status: qcm.JobError, Error: "model overloaded"}, nil
		}}
		h, err := poller.New(be, opts, nil).Submit(ctx, req, rec.callbacks())
		Expect(err).NotTo(HaveOccurred())
		Eventually(h.Done()).Should(BeClosed())

		Expect(h.State()).To(Equal(poller.StateFailed))
		Expect(h.Err()).To(MatchError(qcm.ErrJobFailed))
		Expect(h.Err().Error()).To(ContainSubstring("model overloaded"))
		Expect(be.Polls()).To(Equal(1))
	})

	It("gives up when the attempt budget runs out", func() {
		be.script = []func() (qcm.Job, error){pending}
		opts.MaxAttempts = 4
		h, err := poller.New(be, opts, nil).Submit(ctx, req, rec.callbacks())
		Expect(err).NotTo(HaveOccurred())
		Eventually(h.Done()).Should(BeClosed())
		Expect(h.Err()).To(MatchError(poller.ErrPollBudgetExceeded))
		Expect(be.Polls()).To(Equal(4))
	})
})
