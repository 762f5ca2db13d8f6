package job

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	StageQueued      = "queued"
	StageStarting    = "starting"
	StageDownloading = "downloading"
	StageProcessing  = "post_processing"
	StageMerging     = "merging"
	StagePlaylist    = "playlist"
	StageFinished    = "finished"
)

const (
	LogInfo  = "info"
	LogWarn  = "warn"
	LogError = "error"

	// MaxLogEntries bounds the per-job log; older entries are dropped first.
	MaxLogEntries = 100
)

type Progress struct {
	DownloadedBytes int64   `json:"downloaded_bytes"`
	TotalBytes      *int64  `json:"total_bytes"`
	SpeedBps        float64 `json:"speed_bps"`
	ETASeconds      *int64  `json:"eta_seconds"`
	Stage           string  `json:"stage"`
}

// LogEntry is a diagnostic line attached to a job, mostly engine warnings
// and errors.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"msg"`
}

type Result struct {
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	ObjectKey string `json:"object_key,omitempty"`
}

// Record is a single download job. Values handed out by the registry are
// copies; only the owning executor task mutates the live record.
type Record struct {
	ID       string     `json:"id"`
	Request  Request    `json:"request"`
	Status   Status     `json:"status"`
	Title    string     `json:"title,omitempty"`
	Progress Progress   `json:"progress"`
	Result   *Result    `json:"result"`
	Error    *Error     `json:"error"`
	Log      []LogEntry `json:"log"`

	// Parent is set on jobs spawned by a playlist job, Children on the
	// playlist job itself.
	Parent   string   `json:"parent,omitempty"`
	Children []string `json:"children,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Revision grows on every successful mutation.
	Revision uint64 `json:"-"`
}

func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}

func New(id string, req Request, now time.Time) Record {
	return Record{
		ID:        id,
		Request:   req,
		Status:    StatusQueued,
		Progress:  Progress{Stage: StageQueued},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	c := r
	c.Progress = r.Progress.clone()
	if r.Result != nil {
		res := *r.Result
		c.Result = &res
	}
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	if r.Log != nil {
		c.Log = append([]LogEntry(nil), r.Log...)
	}
	if r.Children != nil {
		c.Children = append([]string(nil), r.Children...)
	}

	return c
}

func (p Progress) clone() Progress {
	c := p
	if p.TotalBytes != nil {
		v := *p.TotalBytes
		c.TotalBytes = &v
	}
	if p.ETASeconds != nil {
		v := *p.ETASeconds
		c.ETASeconds = &v
	}

	return c
}

// Transition moves the record to a non-terminal status.
func (r *Record) Transition(to Status, stage string) error {
	if err := r.checkTransition(to); err != nil {
		return err
	}
	if to.IsTerminal() {
		return errors.Wrapf(ErrInvalidTransition, "use Complete, Fail or Cancel to reach %s", to)
	}

	r.Status = to
	r.Progress.Stage = stage
	return nil
}

// ApplyProgress merges an engine report into the record. Downloaded bytes
// never go backwards.
func (r *Record) ApplyProgress(p Progress) error {
	if r.Status.IsTerminal() {
		return ErrAlreadyTerminal
	}

	if p.DownloadedBytes > r.Progress.DownloadedBytes {
		r.Progress.DownloadedBytes = p.DownloadedBytes
	}
	r.Progress.TotalBytes = p.TotalBytes
	r.Progress.SpeedBps = p.SpeedBps
	r.Progress.ETASeconds = p.ETASeconds
	if p.Stage != "" && r.Status == StatusRunning {
		r.Progress.Stage = p.Stage
	}

	return nil
}

// AddLog appends a log entry, keeping at most MaxLogEntries.
func (r *Record) AddLog(at time.Time, level, msg string) {
	r.Log = append(r.Log, LogEntry{Time: at, Level: level, Message: msg})
	if n := len(r.Log) - MaxLogEntries; n > 0 {
		r.Log = append([]LogEntry(nil), r.Log[n:]...)
	}
}

func (r *Record) Complete(res Result) error {
	if err := r.checkTransition(StatusCompleted); err != nil {
		return err
	}

	r.Status = StatusCompleted
	r.Result = &res
	r.Error = nil
	r.Progress.Stage = StageFinished
	r.Progress.SpeedBps = 0
	zero := int64(0)
	r.Progress.ETASeconds = &zero

	return nil
}

func (r *Record) Fail(kind ErrorKind, msg string) error {
	if err := r.checkTransition(StatusFailed); err != nil {
		return err
	}

	r.Status = StatusFailed
	r.Error = &Error{Kind: kind, Message: msg}
	r.Result = nil
	r.Progress.SpeedBps = 0
	r.Progress.ETASeconds = nil

	return nil
}

func (r *Record) Cancel() error {
	if err := r.checkTransition(StatusCancelled); err != nil {
		return err
	}

	r.Status = StatusCancelled
	r.Result = nil
	r.Error = nil
	r.Progress.SpeedBps = 0
	r.Progress.ETASeconds = nil

	return nil
}

func (r *Record) checkTransition(to Status) error {
	if r.Status.IsTerminal() {
		return ErrAlreadyTerminal
	}
	if !r.Status.CanTransitionTo(to) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", r.Status, to)
	}

	return nil
}
