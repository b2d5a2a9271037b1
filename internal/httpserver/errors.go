package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kadirpekel/agentd/internal/apperrors"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    apperrors.Code `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeError maps err to the status codes enumerated in spec §6/§7 and
// writes the stable {error:{code,message,details}} body.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	detail := errorDetail{Code: apperrors.CodeInternal, Message: "internal error"}

	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		status = appErr.HTTPStatus()
		detail = errorDetail{Code: appErr.Code(), Message: appErr.Error(), Details: appErr.Details()}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
