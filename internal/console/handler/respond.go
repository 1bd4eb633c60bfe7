package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/xela07ax/spaceai-governance/internal/domain"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError переводит доменные ошибки в HTTP-статусы
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrApprovalNotFound), errors.Is(err, domain.ErrPolicyNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrApprovalExpired):
		status = http.StatusGone
	case errors.Is(err, domain.ErrAlreadyDecided), errors.Is(err, domain.ErrDuplicateApprover),
		errors.Is(err, domain.ErrApprovalConflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrSelfApprovalNotAllowed), errors.Is(err, domain.ErrUnauthorizedApprover):
		status = http.StatusForbidden
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}

// decodeOptional: пустое тело допустимо
func decodeOptional(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
