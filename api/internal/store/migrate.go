package store

import (
	"context"
	"database/sql"
	"fmt"
)

// pgx через database/sql выполняет несколько DDL-операторов одним Exec
const schema = `
create table if not exists qcm_jobs (
  job_id          text primary key,
  chat_id         bigint not null,
  status          text not null default 'pending',
  error           text,
  question_count  int not null default 0,
  difficulty      text not null default 'medium',
  level           int not null default 1,
  created_at      timestamptz not null default now(),
  finished_at     timestamptz
);
create index if not exists qcm_jobs_chat_idx on qcm_jobs (chat_id, created_at desc);

create table if not exists qcm_exports (
  id          uuid primary key,
  chat_id     bigint not null,
  text_id     text,
  filename    text not null,
  difficulty  text not null,
  level       int not null,
  questions   int not null,
  payload     bytea not null,
  created_at  timestamptz not null default now()
);
create index if not exists qcm_exports_chat_idx on qcm_exports (chat_id, created_at desc);

do $$
begin
  if exists (select 1 from information_schema.columns
             where table_name = 'qcm_exports' and column_name = 'payload' and data_type = 'jsonb') then
    alter table qcm_exports alter column payload type bytea using convert_to(payload::text, 'UTF8');
  end if;
end $$;
`

// Migrate создаёт таблицы архива; повторный вызов безопасен.
func Migrate(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("migrate: db is nil")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
