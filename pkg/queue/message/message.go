package message

import (
	"encoding/json"
	"time"

	"github.com/ValerySidorin/ferry/pkg/job"
	"github.com/pkg/errors"
)

const (
	TypeFinished = "job.finished"
	TypeSubmit   = "job.submit"
)

// Finished announces a job that reached a terminal state.
type Finished struct {
	Type       string      `json:"type"`
	ID         string      `json:"id"`
	Status     job.Status  `json:"status"`
	Source     string      `json:"source"`
	Title      string      `json:"title,omitempty"`
	Result     *job.Result `json:"result"`
	Error      *job.Error  `json:"error"`
	FinishedAt time.Time   `json:"finished_at"`
}

func NewFinished(rec job.Record) *Finished {
	rec = rec.Clone()
	return &Finished{
		Type:       TypeFinished,
		ID:         rec.ID,
		Status:     rec.Status,
		Source:     rec.Request.Source,
		Title:      rec.Title,
		Result:     rec.Result,
		Error:      rec.Error,
		FinishedAt: rec.UpdatedAt,
	}
}

func (m *Finished) Bytes() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "encode finished message")
	}

	return b, nil
}

// Submit asks a ferry instance to start a download.
type Submit struct {
	Type    string      `json:"type"`
	Request job.Request `json:"request"`
}

func NewSubmit(raw []byte) (*Submit, error) {
	var m Submit
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, "invalid submit message")
	}
	if m.Type != "" && m.Type != TypeSubmit {
		return nil, errors.Errorf("invalid submit message type %q", m.Type)
	}

	return &m, nil
}

// Subject returns the subject a finished job is announced on.
func Subject(prefix string, status job.Status) string {
	return prefix + "." + string(status)
}
