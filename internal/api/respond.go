package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/picamd/picamd/internal/core"
	"github.com/picamd/picamd/internal/device"
	"github.com/picamd/picamd/internal/log"
	"github.com/picamd/picamd/internal/recorder"
)

const (
	statusOK    = 0
	statusError = 1
)

// envelope is the wire format every JSON endpoint answers with.
type envelope struct {
	Status int `json:"status"`
	Msg    any `json:"msg"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, httpStatus int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Error().Err(err).Msg("encoding response failed")
	}
}

func respondOK(w http.ResponseWriter, r *http.Request, msg any) {
	writeJSON(w, r, http.StatusOK, envelope{Status: statusOK, Msg: msg})
}

func respondErr(w http.ResponseWriter, r *http.Request, httpStatus int, msg string) {
	writeJSON(w, r, httpStatus, envelope{Status: statusError, Msg: msg})
}

// respondOperationErr maps component errors onto the envelope: caller misuse
// is 4xx, contention is 503, everything else is 500.
func respondOperationErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, recorder.ErrAlreadyActive),
		errors.Is(err, recorder.ErrNotActive):
		respondErr(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrInvalidConfig):
		respondErr(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrNotFound):
		respondErr(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, device.ErrBusy),
		errors.Is(err, device.ErrUnavailable),
		errors.Is(err, core.ErrConverting),
		errors.Is(err, core.ErrRecording):
		respondErr(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Error().Err(err).Str(log.FieldPath, r.URL.Path).Msg("operation failed")
		respondErr(w, r, http.StatusInternalServerError, "internal error")
	}
}
