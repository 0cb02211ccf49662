// Package httpapi exposes the saga operations over HTTP, with Server-Sent Events and WebSocket
// progress streams.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"tripsaga/internal/orchestrator"
	"tripsaga/internal/realtime"
	"tripsaga/internal/saga"
)

const maxBodyBytes = 1 << 20

// SagaService is the orchestrator surface served over HTTP.
type SagaService interface {
	CreateSaga(ctx context.Context, req saga.Request) (string, error)
	GetSaga(ctx context.Context, id string) (saga.Saga, error)
	OpenStream(ctx context.Context, id string, sink realtime.Sink) (*realtime.Handle, error)
	SubmitSelection(ctx context.Context, id, stepName, selection string) (orchestrator.SelectionResult, error)
	HandleWorkerReply(ctx context.Context, reply saga.Reply) error
	CloseStream(id string)
}

type createResponse struct {
	CorrelationID string `json:"correlationId"`
	StreamURL     string `json:"streamUrl"`
}

type selectionRequest struct {
	StepID    string `json:"stepId"`
	Selection string `json:"selection"`
}

// Handler serves the saga API.
type Handler struct {
	service SagaService
	logf    func(format string, args ...any)
	mux     *http.ServeMux
}

// NewHandler constructs a Handler with its routes registered.
func NewHandler(service SagaService, logf func(format string, args ...any)) *Handler {
	if logf == nil {
		logf = log.Printf
	}
	h := &Handler{service: service, logf: logf, mux: http.NewServeMux()}
	h.mux.HandleFunc("POST /sagas", h.CreateSaga)
	h.mux.HandleFunc("GET /sagas/{id}", h.GetSaga)
	h.mux.HandleFunc("GET /sagas/{id}/stream", h.Stream)
	h.mux.HandleFunc("GET /sagas/{id}/ws", h.WebSocket)
	h.mux.HandleFunc("POST /sagas/{id}/selections", h.SubmitSelection)
	h.mux.HandleFunc("POST /sagas/{id}/close", h.CloseStream)
	h.mux.HandleFunc("POST /replies", h.WorkerReply)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Route returns the pattern that serves r, or "" when no route matches.
func (h *Handler) Route(r *http.Request) string {
	_, pattern := h.mux.Handler(r)
	return pattern
}

func (h *Handler) CreateSaga(w http.ResponseWriter, r *http.Request) {
	var req saga.Request
	if err := decodeJSON(r, &req); err != nil {
		newResponseWriterFromError(err).write(w, h.logf)
		return
	}
	id, err := h.service.CreateSaga(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	newResponseWriter(createResponse{
		CorrelationID: id,
		StreamURL:     "/sagas/" + id + "/stream",
	}, http.StatusCreated).write(w, h.logf)
}

func (h *Handler) GetSaga(w http.ResponseWriter, r *http.Request) {
	sg, err := h.service.GetSaga(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	newResponseWriter(sg, http.StatusOK).write(w, h.logf)
}

func (h *Handler) SubmitSelection(w http.ResponseWriter, r *http.Request) {
	var req selectionRequest
	if err := decodeJSON(r, &req); err != nil {
		newResponseWriterFromError(err).write(w, h.logf)
		return
	}
	res, err := h.service.SubmitSelection(r.Context(), r.PathValue("id"), req.StepID, req.Selection)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	newResponseWriter(res, http.StatusOK).write(w, h.logf)
}

func (h *Handler) CloseStream(w http.ResponseWriter, r *http.Request) {
	h.service.CloseStream(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

// WorkerReply accepts a worker reply delivered as an HTTP callback.
func (h *Handler) WorkerReply(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		newResponseWriterFromError(NewResponseError(http.StatusBadRequest, err)).write(w, h.logf)
		return
	}
	reply, err := saga.ParseReply(body)
	if err != nil {
		newResponseWriterFromError(err).write(w, h.logf)
		return
	}
	if err := h.service.HandleWorkerReply(r.Context(), reply); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Stream serves progress events as Server-Sent Events until the saga terminates, the stream idles
// out or the client disconnects.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.service.GetSaga(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	sink, err := realtime.NewSSESink(w)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	// The registry drops the subscription itself once the request context ends.
	handle, err := h.service.OpenStream(r.Context(), id, sink)
	if err != nil {
		h.logf("httpapi: open stream %s: %v", id, err)
	}
	if handle != nil {
		<-handle.Done()
	}
}

// WebSocket serves the same events as Stream over a WebSocket connection.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.service.GetSaga(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	conn, err := realtime.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logf("httpapi: upgrade %s: %v", id, err)
		return
	}
	sink := realtime.NewWebSocketSink(conn)
	// A hijacked request's context outlives the peer, so the read pump decides when it is gone.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	handle, err := h.service.OpenStream(ctx, id, sink)
	if err != nil {
		h.logf("httpapi: open stream %s: %v", id, err)
		if handle != nil {
			<-handle.Done()
		} else {
			_ = sink.Close()
		}
		return
	}
	// ReadPump returns when the peer goes away or the registry closes the connection.
	_ = sink.ReadPump(handle.Done())
	cancel()
	<-handle.Done()
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logf("httpapi: %s %s: %v", r.Method, r.URL.Path, err)
	}
	newResponseWriterFromError(err).write(w, h.logf)
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is required", saga.ErrInvalidRequest)
		}
		return fmt.Errorf("%w: decode body: %v", saga.ErrInvalidRequest, err)
	}
	return nil
}
