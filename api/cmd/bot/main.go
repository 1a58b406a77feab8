package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	"golang.org/x/sync/errgroup"

	"qcm-bot/api/internal/backend"
	"qcm-bot/api/internal/config"
	"qcm-bot/api/internal/httpserver"
	"qcm-bot/api/internal/logger"
	"qcm-bot/api/internal/poller"
	"qcm-bot/api/internal/qcm"
	"qcm-bot/api/internal/session"
	"qcm-bot/api/internal/store"
	"qcm-bot/api/internal/telegram"
)

const (
	exportRetention = 90 * 24 * time.Hour
	janitorEvery    = 24 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Postgres (необязателен: без него нет архива задач и выгрузок) ---
	var (
		db      *sql.DB
		jobs    *store.JobRepo
		exports *store.ExportRepo
	)
	if dsn := resolveDSN(cfg.DatabaseURL); dsn != "" {
		db, err = openDB(ctx, dsn)
		if err != nil {
			log.Fatal("database unavailable", "err", err)
		}
		defer db.Close()
		log.Info("db connected", "summary", safeDSNSummary(dsn))
		jobs = store.NewJobRepo(db)
		exports = store.NewExportRepo(db)
	} else {
		log.Warn("DATABASE_URL is empty: running without archive")
	}

	// --- Backend ---
	be := backend.New(cfg.BackendURL, cfg.BackendTimeout)
	pl := poller.New(be, poller.Options{
		Interval:         cfg.Poll.Interval,
		MaxWait:          cfg.Poll.MaxWait,
		MaxAttempts:      cfg.Poll.MaxAttempts,
		TransportRetries: cfg.Poll.TransportRetries,
	}, log.With("component", "poller"))

	// --- Telegram bot ---
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		log.Fatal("telegram init failed", "err", err)
	}
	bot.Debug = false
	log.Info("telegram authorized", "bot", bot.Self.UserName)

	diff, err := qcm.ParseDifficulty(cfg.Defaults.Difficulty)
	if err != nil {
		diff = qcm.DifficultyMedium
	}
	topts := telegram.Options{
		Bot:     bot,
		Backend: be,
		Poller:  pl,
		Log:     log.With("component", "telegram"),
		Defaults: session.Settings{
			QuestionCount: cfg.Defaults.QuestionCount,
			ModelID:       cfg.Defaults.Model,
			Difficulty:    diff,
			Level:         cfg.Defaults.Level,
			DocumentPath:  cfg.Defaults.DocumentPath,
		},
		MaxDocumentBytes: cfg.MaxDocumentBytes,
	}
	// nil-указатель в интерфейсе не равен nil: архив подключаем только с БД
	if db != nil {
		topts.Jobs = jobs
		topts.Exports = exports
	}
	r := telegram.New(ctx, topts)
	defer r.Sessions.CloseAll()

	updates := make(chan tgbotapi.Update, 64)
	opts := httpserver.Options{Log: log.With("component", "http")}
	if db != nil {
		opts.DB = db
	}

	webhookURL := strings.TrimSpace(cfg.WebhookURL)
	if webhookURL != "" {
		// секретный путь вебхука
		path := "/webhook/" + shortHash(bot.Token)
		if err := setWebhook(bot, strings.TrimRight(webhookURL, "/")+path); err != nil {
			log.Fatal("set webhook failed", "err", err)
		}
		opts.WebhookPath = path
		opts.ParseUpdate = bot.HandleUpdate
		opts.Updates = updates
		log.Info("mode: webhook", "path", path)
	} else {
		if _, err := bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
			log.Warn("delete webhook failed", "err", err)
		}
		log.Info("mode: long polling")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Serve(gctx, "0.0.0.0:"+cfg.Port, httpserver.NewRouter(opts), log)
	})
	if webhookURL == "" {
		g.Go(func() error {
			runPolling(gctx, bot, updates, log)
			return nil
		})
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case upd := <-updates:
				r.HandleUpdate(gctx, upd)
			}
		}
	})
	if exports != nil {
		g.Go(func() error {
			runJanitor(gctx, exports, log)
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("stopped with error", "err", err)
		return
	}
	log.Info("stopped")
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(1 * time.Hour)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db.Ping: %w", err)
	}
	if err := store.Migrate(pctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func setWebhook(bot *tgbotapi.BotAPI, public string) error {
	wh, err := tgbotapi.NewWebhook(public)
	if err != nil {
		return err
	}
	wh.DropPendingUpdates = true
	_, err = bot.Request(wh)
	return err
}

// runJanitor раз в сутки чистит старые выгрузки.
func runJanitor(ctx context.Context, exports *store.ExportRepo, log *logger.Logger) {
	t := time.NewTicker(janitorEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := exports.PurgeOlderThan(ctx, exportRetention)
			if err != nil {
				log.Warn("purge exports failed", "err", err)
				continue
			}
			if n > 0 {
				log.Info("old exports purged", "rows", n)
			}
		}
	}
}

// ---------------- Polling loop -----------------

var reRetryAfter = regexp.MustCompile(`(?i)retry after\s+(\d+)`)

func retryDelayFromError(err error) time.Duration {
	if err == nil {
		return 0
	}
	s := strings.ToLower(err.Error())
	if strings.Contains(s, "too many requests") { // HTTP 429 от Telegram
		if m := reRetryAfter.FindStringSubmatch(s); len(m) == 2 {
			if n, _ := strconv.Atoi(m[1]); n > 0 {
				return time.Duration(n) * time.Second
			}
		}
		return 3 * time.Second
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return 2 * time.Second
	}
	return 1 * time.Second
}

func runPolling(ctx context.Context, bot *tgbotapi.BotAPI, out chan<- tgbotapi.Update, log *logger.Logger) {
	offset := 0
	baseDelay := 1 * time.Second
	maxDelay := 15 * time.Second

	for {
		if ctx.Err() != nil {
			log.Info("polling: context cancelled")
			return
		}

		u := tgbotapi.NewUpdate(offset)
		u.Timeout = 30 // long polling timeout (sec)

		updates, err := bot.GetUpdates(u)
		if err != nil {
			d := min(max(retryDelayFromError(err), baseDelay), maxDelay)
			log.Warn("polling error", "err", err, "retry_in", d)
			if !sleep(ctx, d) {
				return
			}
			continue
		}

		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			select {
			case out <- upd:
			case <-ctx.Done():
				return
			}
		}

		if len(updates) == 0 && !sleep(ctx, 200*time.Millisecond) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// ---------------- Helpers -----------------

// resolveDSN: явный DATABASE_URL, иначе POSTGRES_* / PG*, если задан хост.
func resolveDSN(explicit string) string {
	if v := strings.TrimSpace(explicit); v != "" {
		return v
	}
	host := strings.TrimSpace(os.Getenv("PGHOST"))
	if host == "" {
		return ""
	}
	user := getenvDefault("POSTGRES_USER", "qcmbot")
	pass := os.Getenv("POSTGRES_PASSWORD")
	port := getenvDefault("PGPORT", "5432")
	db := getenvDefault("POSTGRES_DB", "qcmbot")

	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, pass),
		Host:     net.JoinHostPort(host, port),
		Path:     "/" + db,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

func getenvDefault(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func shortHash(s string) string {
	// лёгкий хэш для пути вебхука (не крипто, но стабильно для токена)
	h := uint64(1469598103934665603)
	const prime = 1099511628211
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		out[i] = hexdigits[h&0xF]
		h >>= 4
	}
	return string(out)
}

func safeDSNSummary(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "dsn: parse error"
	}
	user := u.User.Username()
	host := u.Host
	port := ""
	if h, p, err := net.SplitHostPort(u.Host); err == nil {
		host, port = h, p
	}
	db := strings.TrimPrefix(u.Path, "/")
	if port == "" {
		return fmt.Sprintf("host=%s db=%s user=%s", host, db, user)
	}
	return fmt.Sprintf("host=%s port=%s db=%s user=%s", host, port, db, user)
}
