package record

import (
	"time"

	"github.com/ValerySidorin/ferry/pkg/job"
)

// Entry is the archived form of a finished job.
type Entry struct {
	ID           string    `json:"id"`
	Source       string    `json:"source"`
	Format       string    `json:"format"`
	Container    string    `json:"container"`
	AudioOnly    bool      `json:"audio_only"`
	Status       string    `json:"status"`
	Title        string    `json:"title,omitempty"`
	Path         string    `json:"path,omitempty"`
	Size         int64     `json:"size,omitempty"`
	ObjectKey    string    `json:"object_key,omitempty"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

func FromJob(rec job.Record) Entry {
	e := Entry{
		ID:         rec.ID,
		Source:     rec.Request.Source,
		Format:     rec.Request.Format,
		Container:  rec.Request.Container,
		AudioOnly:  rec.Request.AudioOnly,
		Status:     rec.Status.String(),
		Title:      rec.Title,
		CreatedAt:  rec.CreatedAt.UTC(),
		FinishedAt: rec.UpdatedAt.UTC(),
	}
	if rec.Result != nil {
		e.Path = rec.Result.Path
		e.Size = rec.Result.Size
		e.ObjectKey = rec.Result.ObjectKey
	}
	if rec.Error != nil {
		e.ErrorKind = string(rec.Error.Kind)
		e.ErrorMessage = rec.Error.Message
	}

	return e
}
