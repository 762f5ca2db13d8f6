package pg

import (
	"context"
	"flag"
	"sync"

	"github.com/ValerySidorin/ferry/pkg/history/record"
	"github.com/go-kit/log"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

type Config struct {
	Conn string `yaml:"conn"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.Conn, flagPrefix+"pg.conn", "", `Postgres connection string`)
}

// Store keeps finished jobs in Postgres. A single connection is shared,
// so every statement holds mu.
type Store struct {
	cfg Config
	log log.Logger

	mu   sync.Mutex
	conn *pgx.Conn
}

func NewStore(ctx context.Context, cfg Config, log log.Logger) (*Store, error) {
	conn, err := pgx.Connect(ctx, cfg.Conn)
	if err != nil {
		return nil, errors.Wrap(err, "pg history store init conn")
	}

	q := `create table if not exists public.job_history
	(id text primary key, source text not null, format text not null, container text not null,
	audio_only boolean not null, status text not null, title text not null, path text not null,
	size bigint not null, object_key text not null, error_kind text not null, error_message text not null,
	created_at timestamptz not null, finished_at timestamptz not null);`
	if _, err := conn.Exec(ctx, q); err != nil {
		_ = conn.Close(ctx)
		return nil, errors.Wrap(err, "pg history store init table")
	}

	return &Store{
		cfg:  cfg,
		log:  log,
		conn: conn,
	}, nil
}

func (s *Store) Save(ctx context.Context, e record.Entry) error {
	q := `insert into job_history(id, source, format, container, audio_only, status, title, path,
	size, object_key, error_kind, error_message, created_at, finished_at)
	values($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	on conflict (id) do update set status = excluded.status, title = excluded.title, path = excluded.path,
	size = excluded.size, object_key = excluded.object_key, error_kind = excluded.error_kind,
	error_message = excluded.error_message, finished_at = excluded.finished_at;`

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(ctx, q, e.ID, e.Source, e.Format, e.Container, e.AudioOnly, e.Status, e.Title,
		e.Path, e.Size, e.ObjectKey, e.ErrorKind, e.ErrorMessage, e.CreatedAt, e.FinishedAt)
	if err != nil {
		return errors.Wrap(err, "pg history store save entry")
	}

	return nil
}

func (s *Store) List(ctx context.Context, limit int) ([]record.Entry, error) {
	q := `select id, source, format, container, audio_only, status, title, path, size, object_key,
	error_kind, error_message, created_at, finished_at
	from job_history order by finished_at desc limit $1;`

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, q, limit)
	if err != nil {
		return nil, errors.Wrap(err, "pg history store query entries")
	}
	defer rows.Close()

	entries := make([]record.Entry, 0)
	for rows.Next() {
		e := record.Entry{}
		if err := scanEntryFromRows(rows, &e); err != nil {
			return nil, errors.Wrap(err, "pg history store scan entries")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "pg history store read entries")
	}

	return entries, nil
}

func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn.Close(ctx)
}

func scanEntryFromRows(rows pgx.Rows, e *record.Entry) error {
	if err := rows.Scan(&e.ID, &e.Source, &e.Format, &e.Container, &e.AudioOnly, &e.Status, &e.Title,
		&e.Path, &e.Size, &e.ObjectKey, &e.ErrorKind, &e.ErrorMessage, &e.CreatedAt, &e.FinishedAt); err != nil {
		return err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.FinishedAt = e.FinishedAt.UTC()

	return nil
}
