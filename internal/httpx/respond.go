package httpx

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/teckw/go-shop-orders/internal/apperr"
	"github.com/teckw/go-shop-orders/internal/logging"
)

// envelope is the body of every JSON response.
type envelope struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter, code int, message string, data any) {
	writeJSON(w, code, envelope{Success: true, Message: message, Data: data})
}

func statusFor(k apperr.Kind) int {
	switch k {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Forbidden:
		return http.StatusForbidden
	case apperr.Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// responder turns service errors into envelopes. Outside production the
// underlying error text is included as detail.
type responder struct {
	Production bool
}

// fail writes err. fallback is the code used for errors outside the
// taxonomy; data, when non-nil, is attached to the body.
func (rs responder) fail(w http.ResponseWriter, r *http.Request, err error, fallback string, data any) {
	body := envelope{Data: data}
	status := http.StatusInternalServerError

	ae, known := apperr.As(err)
	switch {
	case known && ae.Kind != apperr.Internal && ae.Kind != apperr.Gateway:
		status = statusFor(ae.Kind)
		body.Code, body.Message = ae.Code, ae.Message
	case known && ae.Kind == apperr.Gateway:
		body.Code, body.Message = ae.Code, ae.Message
	default:
		body.Code, body.Message = fallback, apperr.ErrInternal.Message
	}
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error("request_failed", zap.String("code", body.Code), zap.Error(err))
	}
	if !rs.Production {
		body.Detail = err.Error()
	}
	writeJSON(w, status, body)
}

func (rs responder) badRequest(w http.ResponseWriter, code, message string) {
	writeJSON(w, http.StatusBadRequest, envelope{Code: code, Message: message})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
}
