package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/vitamin33/agent-poi/internal/apperror"
	"github.com/vitamin33/agent-poi/internal/logging"
	"github.com/vitamin33/agent-poi/internal/protocol"
)

const maxBodyBytes = 2 << 20

func decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxBodyBytes)
	dec := json.NewDecoder(limited)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := apperror.From(err)
	logging.AddField(r.Context(), "error_code", appErr.Code)
	logging.AddField(r.Context(), "error_message", appErr.Message)
	writeJSON(w, appErr.HTTPStatus, protocol.ErrorResponse{Error: protocol.ErrorBody{
		Code:      appErr.Code,
		Message:   appErr.Message,
		Retryable: appErr.Retryable,
	}})
}
