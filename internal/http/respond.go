package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"creatorescrow/internal/domainerr"
)

type errorResponse struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Field    string   `json:"field,omitempty"`
	Current  string   `json:"current,omitempty"`
	Required []string `json:"required,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

// writeDomainError maps the error taxonomy onto HTTP. Unknown errors are
// logged and reported as a generic 500.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, err error) {
	resp := errorResponse{Message: err.Error()}
	status := http.StatusInternalServerError

	var ve *domainerr.ValidationError
	var pe *domainerr.PreconditionError
	switch {
	case errors.As(err, &ve):
		status, resp.Code, resp.Field = http.StatusBadRequest, "validation_failed", ve.Field
	case errors.As(err, &pe):
		status, resp.Code = http.StatusPreconditionFailed, "precondition_failed"
		resp.Current, resp.Required = pe.Current, pe.Required
	case errors.Is(err, domainerr.ErrValidation):
		status, resp.Code = http.StatusBadRequest, "validation_failed"
	case errors.Is(err, domainerr.ErrPreconditionFailed):
		status, resp.Code = http.StatusPreconditionFailed, "precondition_failed"
	case errors.Is(err, domainerr.ErrSignatureInvalid):
		status, resp.Code = http.StatusUnauthorized, "signature_invalid"
	case errors.Is(err, domainerr.ErrForbidden):
		status, resp.Code = http.StatusForbidden, "forbidden"
	case errors.Is(err, domainerr.ErrNotFound):
		status, resp.Code = http.StatusNotFound, "not_found"
	case errors.Is(err, domainerr.ErrConflict):
		status, resp.Code = http.StatusConflict, "conflict"
	case errors.Is(err, domainerr.ErrExternalService):
		status, resp.Code = http.StatusBadGateway, "processor_error"
		resp.Message = "payment processor request failed"
	case errors.Is(err, domainerr.ErrStoreUnavailable):
		status, resp.Code = http.StatusServiceUnavailable, "store_unavailable"
		resp.Message = "temporarily unavailable, retry later"
	default:
		resp.Code, resp.Message = "internal", "internal error"
	}
	if status >= 500 {
		logger.Error("request failed", "event", "http.error", "module", "http", "layer", "handler", "status", status, "error", err)
	}
	writeJSON(w, status, resp)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domainerr.Invalid("body", "invalid json body")
	}
	return nil
}
