package sqlite

import (
	"context"
	"database/sql"
	"flag"
	"time"

	"github.com/ValerySidorin/ferry/pkg/history/record"
	"github.com/go-kit/log"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

type Config struct {
	Path string `yaml:"path"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.Path, flagPrefix+"sqlite.path", "ferry-history.db", `SQLite database file. ":memory:" keeps history in memory.`)
}

type Store struct {
	cfg Config
	log log.Logger
	db  *sql.DB
}

func NewStore(ctx context.Context, cfg Config, log log.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite history store open")
	}
	// An in-memory database lives in a single connection.
	db.SetMaxOpenConns(1)

	q := `create table if not exists job_history
	(id text primary key, source text not null, format text not null, container text not null,
	audio_only integer not null, status text not null, title text not null, path text not null,
	size integer not null, object_key text not null, error_kind text not null, error_message text not null,
	created_at integer not null, finished_at integer not null);`
	if _, err := db.ExecContext(ctx, q); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "sqlite history store init table")
	}

	return &Store{
		cfg: cfg,
		log: log,
		db:  db,
	}, nil
}

func (s *Store) Save(ctx context.Context, e record.Entry) error {
	q := `insert into job_history(id, source, format, container, audio_only, status, title, path,
	size, object_key, error_kind, error_message, created_at, finished_at)
	values(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	on conflict (id) do update set status = excluded.status, title = excluded.title, path = excluded.path,
	size = excluded.size, object_key = excluded.object_key, error_kind = excluded.error_kind,
	error_message = excluded.error_message, finished_at = excluded.finished_at;`

	_, err := s.db.ExecContext(ctx, q, e.ID, e.Source, e.Format, e.Container, e.AudioOnly, e.Status, e.Title,
		e.Path, e.Size, e.ObjectKey, e.ErrorKind, e.ErrorMessage, e.CreatedAt.UnixNano(), e.FinishedAt.UnixNano())
	if err != nil {
		return errors.Wrap(err, "sqlite history store save entry")
	}

	return nil
}

func (s *Store) List(ctx context.Context, limit int) ([]record.Entry, error) {
	q := `select id, source, format, container, audio_only, status, title, path, size, object_key,
	error_kind, error_message, created_at, finished_at
	from job_history order by finished_at desc limit ?;`

	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite history store query entries")
	}
	defer rows.Close()

	entries := make([]record.Entry, 0)
	for rows.Next() {
		var (
			e                 record.Entry
			created, finished int64
		)
		if err := rows.Scan(&e.ID, &e.Source, &e.Format, &e.Container, &e.AudioOnly, &e.Status, &e.Title,
			&e.Path, &e.Size, &e.ObjectKey, &e.ErrorKind, &e.ErrorMessage, &created, &finished); err != nil {
			return nil, errors.Wrap(err, "sqlite history store scan entries")
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		e.FinishedAt = time.Unix(0, finished).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite history store read entries")
	}

	return entries, nil
}

func (s *Store) Close(_ context.Context) error {
	return s.db.Close()
}
