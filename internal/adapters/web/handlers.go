package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"kingtg-userbot/internal/domain/commands"
	"kingtg-userbot/internal/domain/plugins"
	"kingtg-userbot/internal/domain/records"
)

const (
	shortTimeout = 5 * time.Second
	// longTimeout покрывает обходы пользователей (выгрузка и перезагрузка расширений).
	longTimeout = 50 * time.Second

	defaultLogLimit = 50
	maxLogLimit     = 500
)

var errBadRequest = errors.New("bad request")

// sweepBody — ответ команд, обходящих пользователей.
type sweepBody struct {
	OK       bool `json:"ok"`
	Affected int  `json:"affected"`
	Failed   int  `json:"failed"`
}

func sweepOf(res *commands.SweepResult) sweepBody {
	if res == nil {
		return sweepBody{OK: true}
	}
	return sweepBody{OK: true, Affected: res.Affected, Failed: res.Failed}
}

type okBody struct {
	OK bool `json:"ok"`
}

// dashboardData — данные главной страницы.
type dashboardData struct {
	Stats   *commands.StatsResult
	Plugins []records.Plugin
	Logs    []records.LogEntry
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), shortTimeout)
	defer cancel()

	var data dashboardData
	var err error
	if data.Stats, err = s.executor.Stats(ctx); err != nil {
		s.log.Error("Dashboard stats failed", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if data.Plugins, err = s.executor.ListPlugins(ctx); err != nil {
		s.log.Error("Dashboard plugins failed", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if data.Logs, err = s.executor.Logs(ctx, defaultLogLimit, ""); err != nil {
		s.log.Warn("Dashboard logs failed", zap.Error(err))
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	s.render(w, "dashboard", data)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		s.auth.InvalidateSession(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookieName, Value: "", Path: "/", MaxAge: -1})
	s.writeJSON(w, http.StatusOK, okBody{OK: true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), shortTimeout)
	defer cancel()
	res, err := s.executor.Stats(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, errors.Wrapf(errBadRequest, "invalid limit %q", raw))
			return
		}
		limit = min(n, maxLogLimit)
	}
	ctx, cancel := context.WithTimeout(r.Context(), shortTimeout)
	defer cancel()
	entries, err := s.executor.Logs(ctx, limit, r.URL.Query().Get("kind"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []records.LogEntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), shortTimeout)
	defer cancel()
	list, err := s.executor.ListPlugins(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []records.Plugin{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleShowPlugin(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), shortTimeout)
	defer cancel()
	res, err := s.executor.ShowPlugin(ctx, r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		records.Plugin
		Loaded []int64 `json:"loaded_by"`
	}{res.Plugin, res.Loaded})
}

// addPluginRequest — тело POST /api/plugins. Path — файл на стороне сервера.
type addPluginRequest struct {
	Path         string  `json:"path"`
	Public       bool    `json:"public"`
	AllowedUsers []int64 `json:"allowed_users"`
}

func (s *Server) handleAddPlugin(w http.ResponseWriter, r *http.Request) {
	var req addPluginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.Wrapf(errBadRequest, "decode body: %v", err))
		return
	}
	if req.Path == "" {
		s.writeError(w, errors.Wrap(errBadRequest, "path is required"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), longTimeout)
	defer cancel()
	p, err := s.executor.AddPlugin(ctx, req.Path, plugins.RegisterOptions{
		Public:       req.Public,
		AllowedUsers: req.AllowedUsers,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleDeletePlugin(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), longTimeout)
	defer cancel()
	res, err := s.executor.DeletePlugin(ctx, r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sweepOf(res))
}

// handlePluginAction: enable, disable, public, private, reload, force-on, force-off.
func (s *Server) handlePluginAction(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	ctx, cancel := context.WithTimeout(r.Context(), longTimeout)
	defer cancel()

	var (
		res *commands.SweepResult
		err error
	)
	switch action := r.PathValue("action"); action {
	case "enable":
		err = s.executor.EnablePlugin(ctx, name)
	case "disable":
		res, err = s.executor.DisablePlugin(ctx, name)
	case "public":
		res, err = s.executor.SetPublic(ctx, name, true)
	case "private":
		res, err = s.executor.SetPublic(ctx, name, false)
	case "reload":
		res, err = s.executor.ReloadPlugin(ctx, name)
	case "force-on":
		res, err = s.executor.SetForceActive(ctx, name, true)
	case "force-off":
		res, err = s.executor.SetForceActive(ctx, name, false)
	default:
		err = errors.Wrapf(errBadRequest, "unknown action %q", action)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sweepOf(res))
}

// handlePluginUserAction: allow, revoke, restrict, unrestrict.
func (s *Server) handlePluginUserAction(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUserID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	name := r.PathValue("name")
	ctx, cancel := context.WithTimeout(r.Context(), longTimeout)
	defer cancel()

	var res *commands.SweepResult
	switch action := r.PathValue("action"); action {
	case "allow":
		err = s.executor.AllowUser(ctx, name, userID)
	case "revoke":
		res, err = s.executor.RevokeUser(ctx, name, userID)
	case "restrict":
		res, err = s.executor.RestrictUser(ctx, name, userID)
	case "unrestrict":
		err = s.executor.UnrestrictUser(ctx, name, userID)
	default:
		err = errors.Wrapf(errBadRequest, "unknown action %q", action)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sweepOf(res))
}

// handleUserAction: ban (?reason=), unban, sudo, unsudo, connect (?keep_alive=),
// logout (?terminate=&keep_data=).
func (s *Server) handleUserAction(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUserID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), longTimeout)
	defer cancel()

	switch action := r.PathValue("action"); action {
	case "ban":
		err = s.executor.Ban(ctx, userID, r.URL.Query().Get("reason"))
	case "unban":
		err = s.executor.Unban(ctx, userID)
	case "sudo":
		err = s.executor.SetSudo(ctx, userID, true)
	case "unsudo":
		err = s.executor.SetSudo(ctx, userID, false)
	case "connect":
		var keep bool
		if keep, err = queryBool(r, "keep_alive"); err == nil {
			err = s.executor.ConnectUser(ctx, userID, keep)
		}
	case "logout":
		var terminate, keepData bool
		if terminate, err = queryBool(r, "terminate"); err != nil {
			break
		}
		if keepData, err = queryBool(r, "keep_data"); err != nil {
			break
		}
		err = s.executor.LogoutUser(ctx, userID, terminate, keepData)
	default:
		err = errors.Wrapf(errBadRequest, "unknown action %q", action)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, okBody{OK: true})
}

func (s *Server) handleUserPlugins(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUserID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), shortTimeout)
	defer cancel()
	res, err := s.executor.UserPlugins(ctx, userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleUserPluginAction: enable, disable расширения name у пользователя.
func (s *Server) handleUserPluginAction(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUserID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	name := r.PathValue("name")
	ctx, cancel := context.WithTimeout(r.Context(), longTimeout)
	defer cancel()

	switch action := r.PathValue("action"); action {
	case "enable":
		msg, err := s.executor.EnableUserPlugin(ctx, userID, name)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, userPluginBody{OK: true, Changed: true, Message: msg})
	case "disable":
		changed, err := s.executor.DisableUserPlugin(ctx, userID, name)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, userPluginBody{OK: true, Changed: changed})
	default:
		s.writeError(w, errors.Wrapf(errBadRequest, "unknown action %q", action))
	}
}

// userPluginBody — ответ enable/disable у пользователя.
type userPluginBody struct {
	OK      bool   `json:"ok"`
	Changed bool   `json:"changed"`
	Message string `json:"message,omitempty"`
}

// sessionRequest — тело POST /api/users/{id}/session.
type sessionRequest struct {
	Session  string `json:"session"`
	Variant  string `json:"variant"`
	Remember *bool  `json:"remember"`
}

func (s *Server) handleUserSession(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUserID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.Wrapf(errBadRequest, "decode body: %v", err))
		return
	}
	if req.Session == "" {
		s.writeError(w, errors.Wrap(errBadRequest, "session is required"))
		return
	}
	remember := req.Remember == nil || *req.Remember
	ctx, cancel := context.WithTimeout(r.Context(), longTimeout)
	defer cancel()
	res, err := s.executor.LoginUserSession(ctx, userID, req.Session, req.Variant, remember)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// queryBool разбирает необязательный булев параметр запроса.
func queryBool(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.Wrapf(errBadRequest, "invalid %s %q", name, raw)
	}
	return v, nil
}

func pathUserID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Wrapf(errBadRequest, "invalid user id %q", raw)
	}
	return id, nil
}
