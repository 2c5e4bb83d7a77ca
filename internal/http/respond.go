package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/chudopalovba/diplom/internal/apperr"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

var statusByKind = map[error]int{
	apperr.ErrValidation:     http.StatusBadRequest,
	apperr.ErrNotFound:       http.StatusNotFound,
	apperr.ErrConflict:       http.StatusConflict,
	apperr.ErrExternalSystem: http.StatusBadGateway,
	apperr.ErrTimeout:        http.StatusGatewayTimeout,
}

// writeServiceError maps the apperr taxonomy onto HTTP status codes. Unclassified errors
// are logged and hidden behind a generic 500.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	kind := apperr.Kind(err)
	status, ok := statusByKind[kind]
	if !ok {
		r.logger.Error("request failed", "path", req.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	body := map[string]string{"error": err.Error()}
	var ve *apperr.ValidationError
	if errors.As(err, &ve) && ve.Field != "" {
		body["field"] = ve.Field
	}
	writeJSON(w, status, body)
}
