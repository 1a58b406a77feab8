package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"qcm-bot/api/internal/logger"
)

// Pinger - *sql.DB или что угодно с проверкой соединения.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// UpdateParser разбирает тело вебхука; у *tgbotapi.BotAPI это HandleUpdate.
type UpdateParser func(r *http.Request) (*tgbotapi.Update, error)

type Options struct {
	// nil - без БД, /healthz проверяет только сам процесс
	DB Pinger

	// пустой путь - режим long polling, вебхук не монтируется
	WebhookPath string
	ParseUpdate UpdateParser
	Updates     chan<- tgbotapi.Update

	Log *logger.Logger
}

func NewRouter(o Options) http.Handler {
	if o.Log == nil {
		o.Log = logger.Nop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RealIP, middleware.Recoverer)

	r.Get("/healthz", healthz(o.DB))
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("qcm telegram bot"))
	})
	if o.WebhookPath != "" && o.ParseUpdate != nil && o.Updates != nil {
		r.Post(o.WebhookPath, webhook(o.ParseUpdate, o.Updates, o.Log))
	}
	return r
}

func healthz(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("db: not ok\n" + err.Error()))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// webhook отвечает Telegram сразу, обработка идёт в потребителе канала.
func webhook(parse UpdateParser, out chan<- tgbotapi.Update, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		upd, err := parse(r)
		if err != nil {
			log.Warn("webhook: bad update", "err", err)
			http.Error(w, "bad update", http.StatusBadRequest)
			return
		}
		select {
		case out <- *upd:
			w.WriteHeader(http.StatusOK)
		case <-r.Context().Done():
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}
}

// Serve слушает addr до отмены ctx, затем мягко останавливает сервер.
func Serve(ctx context.Context, addr string, h http.Handler, log *logger.Logger) error {
	if log == nil {
		log = logger.Nop()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("http listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		return err
	}
	log.Info("http stopped")
	return nil
}
