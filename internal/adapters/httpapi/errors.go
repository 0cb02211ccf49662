package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"tripsaga/internal/orchestrator"
	"tripsaga/internal/saga"
)

// ResponseError carries the HTTP status an error should be reported with.
type ResponseError struct {
	error
	status int
}

// Status returns the HTTP status code.
func (e ResponseError) Status() int {
	return e.status
}

func (e ResponseError) Unwrap() error {
	return e.error
}

func NewResponseError(status int, err error) ResponseError {
	return ResponseError{status: status, error: err}
}

// StatusFor maps service errors onto HTTP status codes.
func StatusFor(err error) int {
	var respErr ResponseError
	switch {
	case errors.As(err, &respErr):
		return respErr.Status()
	case errors.Is(err, saga.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, saga.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, saga.ErrSelectionConflict):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrInternal):
		return http.StatusInternalServerError
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	if _, ok := saga.IsRejected(err); ok {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error string `json:"error"`
}

type responseWriter struct {
	body   any
	status int
}

func newResponseWriter(body any, status int) *responseWriter {
	return &responseWriter{body: body, status: status}
}

func newResponseWriterFromError(err error) *responseWriter {
	return &responseWriter{body: errorBody{Error: err.Error()}, status: StatusFor(err)}
}

func (rw *responseWriter) write(w http.ResponseWriter, logf func(format string, args ...any)) {
	if rw.body == nil {
		w.WriteHeader(rw.status)
		return
	}
	data, err := json.Marshal(rw.body)
	if err != nil {
		logf("httpapi: encode response: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rw.status)
	if _, err := w.Write(data); err != nil {
		logf("httpapi: write response: %v", err)
	}
}
