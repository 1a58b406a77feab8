package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"qcm-bot/api/internal/qcm"
)

var ErrEmptyPayload = errors.New("export payload is empty")

type ExportRepo struct{ DB *sql.DB }

func NewExportRepo(db *sql.DB) *ExportRepo { return &ExportRepo{DB: db} }

type ExportRow struct {
	ID         uuid.UUID
	ChatID     int64
	TextID     string
	Filename   string
	Difficulty string
	Level      int
	Questions  int
	CreatedAt  time.Time
}

// ExportFile - сохранённый файл выгрузки, байт-в-байт как его получил пользователь.
type ExportFile struct {
	Filename string
	Payload  []byte
}

// Insert сохраняет копию выгруженного набора - те же байты, что ушли пользователю.
// payload хранится в bytea: jsonb переформатировал бы документ.
func (r *ExportRepo) Insert(ctx context.Context, chatID int64, textID, filename string, level int, difficulty qcm.Difficulty, questions int, payload []byte) (uuid.UUID, error) {
	if len(payload) == 0 {
		return uuid.Nil, ErrEmptyPayload
	}
	if strings.TrimSpace(filename) == "" {
		return uuid.Nil, errors.New("export filename is empty")
	}
	id := uuid.New()
	const q = `
insert into qcm_exports (id, chat_id, text_id, filename, difficulty, level, questions, payload)
values ($1,$2,nullif($3,''),$4,$5,$6,$7,$8)`
	_, err := r.DB.ExecContext(ctx, q, id, chatID, textID, filename, string(difficulty), level, questions, payload)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// ListRecent - последние выгрузки чата, новые сверху.
func (r *ExportRepo) ListRecent(ctx context.Context, chatID int64, limit int) ([]ExportRow, error) {
	if limit <= 0 {
		limit = 10
	}
	const q = `
select id, chat_id, coalesce(text_id,''), filename, difficulty, level, questions, created_at
from qcm_exports
where chat_id=$1
order by created_at desc
limit $2`
	rows, err := r.DB.QueryContext(ctx, q, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExportRow
	for rows.Next() {
		var e ExportRow
		if err := rows.Scan(&e.ID, &e.ChatID, &e.TextID, &e.Filename, &e.Difficulty, &e.Level, &e.Questions, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// File возвращает сохранённую выгрузку; чужие выгрузки для чата не существуют.
func (r *ExportRepo) File(ctx context.Context, chatID int64, id uuid.UUID) (ExportFile, error) {
	if id == uuid.Nil {
		return ExportFile{}, ErrNotFound
	}
	var f ExportFile
	err := r.DB.QueryRowContext(ctx,
		`select filename, payload from qcm_exports where id=$1 and chat_id=$2`, id, chatID,
	).Scan(&f.Filename, &f.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return ExportFile{}, ErrNotFound
	}
	if err != nil {
		return ExportFile{}, err
	}
	return f, nil
}

// PurgeOlderThan удаляет старые выгрузки, чтобы не раздувать БД.
func (r *ExportRepo) PurgeOlderThan(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, errors.New("olderThan must be > 0")
	}
	cutoff := time.Now().Add(-olderThan)
	res, err := r.DB.ExecContext(ctx, `delete from qcm_exports where created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	aff, _ := res.RowsAffected()
	return aff, nil
}
