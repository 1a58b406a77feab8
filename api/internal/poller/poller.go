package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"qcm-bot/api/internal/logger"
	"qcm-bot/api/internal/qcm"
)

var ErrPollBudgetExceeded = errors.New("job did not finish within poll budget")

// Backend - часть клиента бэкенда, нужная поллеру.
type Backend interface {
	SubmitGenerationJob(ctx context.Context, req qcm.GenerationRequest) (string, error)
	PollJobStatus(ctx context.Context, jobID string) (qcm.Job, error)
}

type Options struct {
	Interval time.Duration
	// 0 - без ограничения
	MaxWait     time.Duration
	MaxAttempts int
	// Сколько подряд сетевых ошибок терпим, прежде чем считать задачу проваленной.
	TransportRetries int
}

func DefaultOptions() Options {
	return Options{
		Interval:         2 * time.Second,
		MaxWait:          5 * time.Minute,
		MaxAttempts:      150,
		TransportRetries: 3,
	}
}

// Callbacks вызываются из горутины поллинга. Терминальный колбэк
// (OnComplete | OnFailure | OnCancel) вызывается ровно один раз.
// OnSubmitted вызывается синхронно из Submit до первого запроса статуса.
type Callbacks struct {
	OnSubmitted func(jobID string)
	OnProgress  func(jobID string, attempt int)
	OnComplete  func(jobID string, questions []qcm.QuestionRecord)
	OnFailure   func(jobID string, err error)
	OnCancel    func(jobID string)
}

type State int

const (
	StatePending State = iota
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Handle struct {
	JobID string

	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	state State
	err   error
}

// Cancel останавливает поллинг; после терминального состояния ничего не делает.
func (h *Handle) Cancel() { h.cancel() }

// Done закрывается, когда цикл поллинга завершился.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err - причина провала (для StateFailed), иначе nil.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) finish(s State, err error) {
	h.mu.Lock()
	h.state = s
	h.err = err
	h.mu.Unlock()
}

type Poller struct {
	be   Backend
	opts Options
	log  *logger.Logger
}

func New(be Backend, opts Options, log *logger.Logger) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultOptions().Interval
	}
	if opts.TransportRetries < 0 {
		opts.TransportRetries = 0
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Poller{be: be, opts: opts, log: log}
}

// Submit валидирует запрос, создаёт задачу на бэкенде и запускает поллинг.
// Ошибка валидации или создания задачи возвращается сразу, Handle при этом nil.
func (p *Poller) Submit(ctx context.Context, req qcm.GenerationRequest, cb Callbacks) (*Handle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	jobID, err := p.be.SubmitGenerationJob(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("submit generation job: %w", err)
	}
	// ctx должен жить столько же, сколько сессия: его отмена останавливает поллинг
	pctx, cancel := context.WithCancel(ctx)

	h := &Handle{JobID: jobID, cancel: cancel, done: make(chan struct{})}
	p.log.Info("generation job submitted", "job_id", jobID, "questions", req.QuestionCount, "paragraphs", len(req.ParagraphIndices))
	if cb.OnSubmitted != nil {
		cb.OnSubmitted(jobID)
	}

	go func() {
		defer cancel()
		p.run(pctx, h, cb)
	}()
	return h, nil
}

func (p *Poller) run(ctx context.Context, h *Handle, cb Callbacks) {
	defer close(h.done)

	log := p.log.With("job_id", h.JobID)
	started := time.Now()
	attempts, transportFails := 0, 0

	// первый запрос статуса - сразу после создания задачи
	timer := time.NewTimer(0)
	defer timer.Stop()

	fail := func(err error) {
		h.finish(StateFailed, err)
		log.Warn("generation job failed", "attempts", attempts, "err", err)
		if cb.OnFailure != nil {
			cb.OnFailure(h.JobID, err)
		}
	}
	cancelled := func() {
		h.finish(StateCancelled, nil)
		log.Info("polling cancelled", "attempts", attempts)
		if cb.OnCancel != nil {
			cb.OnCancel(h.JobID)
		}
	}

	for {
		select {
		case <-ctx.Done():
			cancelled()
			return
		case <-timer.C:
		}

		attempts++
		job, err := p.be.PollJobStatus(ctx, h.JobID)
		if ctx.Err() != nil {
			cancelled()
			return
		}

		if err != nil {
			transportFails++
			if transportFails > p.opts.TransportRetries {
				fail(fmt.Errorf("poll job status: %w", err))
				return
			}
			log.Warn("poll failed, will retry", "attempt", attempts, "consecutive", transportFails, "err", err)
		} else {
			transportFails = 0
			switch job.Status {
			case qcm.JobCompleted:
				h.finish(StateCompleted, nil)
				log.Info("generation job completed", "attempts", attempts, "questions", len(job.Questions))
				if cb.OnComplete != nil {
					cb.OnComplete(h.JobID, job.Questions)
				}
				return
			case qcm.JobError:
				fail(fmt.Errorf("%w: %s", qcm.ErrJobFailed, job.Error))
				return
			}
			if cb.OnProgress != nil {
				cb.OnProgress(h.JobID, attempts)
			}
		}

		if p.opts.MaxAttempts > 0 && attempts >= p.opts.MaxAttempts {
			fail(fmt.Errorf("%w: %d attempts", ErrPollBudgetExceeded, attempts))
			return
		}
		if p.opts.MaxWait > 0 && time.Since(started) >= p.opts.MaxWait {
			fail(fmt.Errorf("%w: %s", ErrPollBudgetExceeded, time.Since(started).Round(time.Second)))
			return
		}
		timer.Reset(p.opts.Interval)
	}
}
