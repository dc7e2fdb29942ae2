package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dmitrijs2005/memoryweaver/internal/common"
)

type errorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Reasons []string `json:"reasons,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err with its code's status. Only the user-facing
// message leaves the process; the cause is logged.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := common.CodeOf(err)
	body := errorBody{Code: string(code), Message: "internal error"}

	var e *common.Error
	if errors.As(err, &e) {
		if e.Message != "" {
			body.Message = e.Message
		}
		body.Reasons = e.Reasons
	} else if code == common.CodeNotFound {
		body.Message = "not found"
	}

	status := code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		s.logger.Error(r.Context(), "request failed", "path", r.URL.Path, "code", code, "error", err)
	}
	writeJSON(w, status, body)
}

func badRequest(message string, reasons ...string) error {
	return &common.Error{Code: common.CodeValidationFailed, Message: message, Reasons: reasons}
}

func unauthorized(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusUnauthorized, errorBody{Code: "UNAUTHENTICATED", Message: message})
}
