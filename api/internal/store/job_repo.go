package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"qcm-bot/api/internal/qcm"
)

var ErrNotFound = sql.ErrNoRows

type JobRepo struct{ DB *sql.DB }

func NewJobRepo(db *sql.DB) *JobRepo { return &JobRepo{DB: db} }

type JobRow struct {
	JobID         string
	ChatID        int64
	Status        string
	Error         string
	QuestionCount int
	Difficulty    string
	Level         int
	CreatedAt     time.Time
	FinishedAt    *time.Time
}

var ErrJobStatus = errors.New("unknown final job status")

// Финальные статусы задачи в архиве.
const (
	JobCompleted = string(qcm.JobCompleted)
	JobError     = string(qcm.JobError)
	JobCancelled = "cancelled"
)

// Start записывает созданную задачу генерации.
func (r *JobRepo) Start(ctx context.Context, chatID int64, jobID string, req qcm.GenerationRequest) error {
	if strings.TrimSpace(jobID) == "" {
		return errors.New("job id is empty")
	}
	const q = `
insert into qcm_jobs (job_id, chat_id, status, question_count, difficulty, level)
values ($1,$2,'pending',$3,$4,$5)
on conflict (job_id) do nothing`
	_, err := r.DB.ExecContext(ctx, q, jobID, chatID, req.QuestionCount, string(req.Difficulty), req.Level)
	return err
}

// Finish фиксирует терминальный статус: completed | error | cancelled.
func (r *JobRepo) Finish(ctx context.Context, jobID, status, errMsg string) error {
	switch status {
	case JobCompleted, JobError, JobCancelled:
	default:
		return fmt.Errorf("%w: %q", ErrJobStatus, status)
	}
	const q = `update qcm_jobs set status=$2, error=nullif($3,''), finished_at=now() where job_id=$1 and finished_at is null`
	res, err := r.DB.ExecContext(ctx, q, jobID, status, errMsg)
	if err != nil {
		return err
	}
	aff, _ := res.RowsAffected()
	if aff == 0 {
		return ErrNotFound
	}
	return nil
}

// Get - запись задачи; ErrNotFound, если её нет в архиве.
func (r *JobRepo) Get(ctx context.Context, jobID string) (*JobRow, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, ErrNotFound
	}
	const q = `
select job_id, chat_id, status, coalesce(error,''), question_count, difficulty, level, created_at, finished_at
from qcm_jobs where job_id=$1`
	var (
		row      JobRow
		finished sql.NullTime
	)
	err := r.DB.QueryRowContext(ctx, q, jobID).Scan(
		&row.JobID, &row.ChatID, &row.Status, &row.Error, &row.QuestionCount,
		&row.Difficulty, &row.Level, &row.CreatedAt, &finished,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		t := finished.Time
		row.FinishedAt = &t
	}
	return &row, nil
}
