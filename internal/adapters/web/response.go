package web

import (
	"encoding/json"
	"net/http"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"kingtg-userbot/internal/domain/accounts"
	"kingtg-userbot/internal/domain/commands"
	"kingtg-userbot/internal/domain/plugins"
	"kingtg-userbot/internal/domain/records"
	"kingtg-userbot/internal/domain/session"
)

type errorBody struct {
	Error string `json:"error"`
}

// write пишет тело ответа и логирует сбой записи.
func (s *Server) write(w http.ResponseWriter, data []byte) {
	if _, err := w.Write(data); err != nil {
		s.log.Error("failed to write response", zap.Error(err))
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		s.log.Error("failed to encode response", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	s.write(w, body)
}

// writeError переводит доменную ошибку в HTTP-статус.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.log.Error("Web command failed", zap.Error(err))
	}
	s.writeJSON(w, status, errorBody{Error: err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, plugins.ErrInvalid),
		errors.Is(err, plugins.ErrFileMissing):
		return http.StatusBadRequest
	case errors.Is(err, plugins.ErrNotFound), errors.Is(err, records.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, plugins.ErrDuplicate), errors.Is(err, plugins.ErrCommandTaken),
		errors.Is(err, plugins.ErrAlreadyActive), errors.Is(err, plugins.ErrDisabled),
		errors.Is(err, session.ErrNoCredential):
		return http.StatusConflict
	case errors.Is(err, accounts.ErrOwner), errors.Is(err, accounts.ErrBanned),
		errors.Is(err, plugins.ErrForbidden), errors.Is(err, plugins.ErrRestricted):
		return http.StatusForbidden
	case errors.Is(err, commands.ErrLoginFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
