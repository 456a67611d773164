package httpserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/runner/errs"
	"github.com/coachpo/runner/internal/domain/run"
	"github.com/coachpo/runner/internal/observability"
)

type executePayload struct {
	Mode       string `json:"mode"`
	Instrument string `json:"instrument"`
	Brain      string `json:"brain"`
}

type backtestPayload struct {
	Timestamp  string `json:"timestamp"`
	Instrument string `json:"instrument"`
	Brain      string `json:"brain"`
}

type dispatchResponse struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
}

func (s *httpServer) execute(w http.ResponseWriter, r *http.Request) {
	var payload executePayload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	if strings.TrimSpace(payload.Mode) == "" {
		writeError(w, http.StatusBadRequest, "mode required")
		return
	}
	id, err := s.dispatcher.Execute(r.Context(), run.Mode(strings.TrimSpace(payload.Mode)), payload.Instrument, payload.Brain)
	s.writeDispatch(w, "execute", id, err)
}

func (s *httpServer) backtest(w http.ResponseWriter, r *http.Request) {
	var payload backtestPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	if strings.TrimSpace(payload.Timestamp) == "" {
		writeError(w, http.StatusBadRequest, "timestamp required")
		return
	}
	id, err := s.dispatcher.BackTest(r.Context(), payload.Timestamp, payload.Instrument, payload.Brain)
	s.writeDispatch(w, "backtest", id, err)
}

func (s *httpServer) writeDispatch(w http.ResponseWriter, operation string, id uuid.UUID, err error) {
	resp := dispatchResponse{Status: "succeeded"}
	if id != uuid.Nil {
		resp.ID = id.String()
	}
	if err == nil {
		status := http.StatusOK
		if s.dispatcher.Settings().Parallel {
			resp.Status = "accepted"
			status = http.StatusAccepted
		}
		writeJSON(w, status, resp)
		return
	}

	resp.Status = "error"
	resp.Error = err.Error()
	resp.Code = string(errs.CodeOf(err))
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("dispatch failed",
			observability.F("operation", operation),
			observability.F("run", resp.ID),
			observability.F("error", err))
	}
	writeJSON(w, status, resp)
}

// statusFor maps the outermost error code onto an HTTP status.
func statusFor(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeInvalid, errs.CodeMalformedTimestamp, errs.CodeConfiguration:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	case errs.CodeDownstream:
		return http.StatusBadGateway
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	limitRequestBody(w, r)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid JSON payload: " + err.Error())
	}
	return nil
}
