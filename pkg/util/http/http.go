package http

import (
	"encoding/json"
	"net/http"

	"github.com/ValerySidorin/ferry/pkg/engine"
	"github.com/ValerySidorin/ferry/pkg/job"
	"github.com/pkg/errors"
)

type errorBody struct {
	Error string `json:"error"`
}

// StatusCode maps a control surface error to its HTTP status.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, job.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, job.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, job.ErrAlreadyTerminal), errors.Is(err, job.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInspectUnsupported):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func WriteJSON(w http.ResponseWriter, status int, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return errors.Wrap(err, "encode response")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(b)
	return err
}

func WriteError(w http.ResponseWriter, err error) error {
	return WriteJSON(w, StatusCode(err), errorBody{Error: err.Error()})
}
