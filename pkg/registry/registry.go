package registry

import (
	"sync"
	"time"

	"github.com/ValerySidorin/ferry/pkg/job"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

type entry struct {
	mu      sync.Mutex
	rec     job.Record
	changed chan struct{}
	removed bool
}

// Registry is the in-memory index of job records. The registry lock
// guards the id mapping only; record mutations take the entry's own lock,
// so unrelated jobs never contend.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	now func() time.Time
}

func New() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Create registers a new queued record. opts run on the record before it
// becomes visible.
func (r *Registry) Create(req job.Request, opts ...func(rec *job.Record)) job.Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := job.NewID()
	for {
		if _, ok := r.entries[id]; !ok {
			break
		}
		id = job.NewID()
	}

	e := &entry{
		rec:     job.New(id, req, r.now().UTC()),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&e.rec)
	}
	e.rec.Revision = 1
	r.entries[id] = e

	return e.rec.Clone()
}

func (r *Registry) Get(id string) (job.Record, error) {
	e, err := r.entry(id)
	if err != nil {
		return job.Record{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return job.Record{}, errors.Wrap(job.ErrNotFound, id)
	}

	return e.rec.Clone(), nil
}

// Update applies fn to a copy of the record and stores the copy only if fn
// succeeds. Watchers are woken after every stored change.
func (r *Registry) Update(id string, fn func(rec *job.Record) error) (job.Record, error) {
	e, err := r.entry(id)
	if err != nil {
		return job.Record{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return job.Record{}, errors.Wrap(job.ErrNotFound, id)
	}

	next := e.rec.Clone()
	if err := fn(&next); err != nil {
		return e.rec.Clone(), err
	}

	next.ID = e.rec.ID
	next.Request = e.rec.Request
	next.CreatedAt = e.rec.CreatedAt
	next.UpdatedAt = r.now().UTC()
	next.Revision = e.rec.Revision + 1
	e.rec = next
	e.notify()

	return e.rec.Clone(), nil
}

// Watch returns the current snapshot together with a channel that is
// closed on the next change (or removal) of the record.
func (r *Registry) Watch(id string) (job.Record, <-chan struct{}, error) {
	e, err := r.entry(id)
	if err != nil {
		return job.Record{}, nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return job.Record{}, nil, errors.Wrap(job.ErrNotFound, id)
	}

	return e.rec.Clone(), e.changed, nil
}

func (r *Registry) List() []job.Record {
	r.mu.RLock()
	entries := lo.Values(r.entries)
	r.mu.RUnlock()

	recs := make([]job.Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			recs = append(recs, e.rec.Clone())
		}
		e.mu.Unlock()
	}

	return recs
}

func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return errors.Wrap(job.ErrNotFound, id)
	}
	delete(r.entries, id)
	r.mu.Unlock()

	e.mu.Lock()
	e.removed = true
	e.notify()
	e.mu.Unlock()

	return nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}

func (r *Registry) entry(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.Wrap(job.ErrNotFound, id)
	}

	return e, nil
}

func (e *entry) notify() {
	close(e.changed)
	e.changed = make(chan struct{})
}
