package dashboard

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/memhub/console/internal/apikeys"
	"github.com/memhub/console/internal/models"
	"github.com/memhub/console/internal/session"
)

// msgConfirmMismatch is returned when a revocation's confirm_name does not
// match the key.
const msgConfirmMismatch = "Confirmation does not match the key name"

type sessionResponse struct {
	session.View
	Notice string `json:"notice,omitempty"`
}

type createKeyResponse struct {
	models.KeyView
	Copied bool `json:"copied"`
}

type clipboardResponse struct {
	Available bool `json:"available"`
	Copied    bool `json:"copied"`
}

type expirationOption struct {
	Label   string `json:"label"`
	Value   string `json:"value"`
	Default bool   `json:"default"`
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, sessionResponse{View: s.sessions.Current()})
}

func (s *Server) sessionFailure(w http.ResponseWriter, op string, err error) {
	s.logger.Warn("session request failed", slog.String("op", op), slog.String("error", err.Error()))
	writeError(w, statusFor(err), session.Message(err))
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	view, err := s.sessions.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		s.sessionFailure(w, "signin", err)
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{View: view})
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	view, notice, err := s.sessions.SignUp(r.Context(), req.Email, req.Password)
	if err != nil {
		s.sessionFailure(w, "signup", err)
		return
	}

	status := http.StatusOK
	if notice != "" {
		status = http.StatusAccepted
	}

	writeJSON(w, status, sessionResponse{View: view, Notice: notice})
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	err := s.sessions.SignOut(r.Context())

	// The local session is gone either way.
	s.keys.Reset()

	if err != nil {
		s.logger.Warn("remote sign-out failed", slog.String("error", err.Error()))
	}

	writeJSON(w, http.StatusOK, sessionResponse{View: s.sessions.Current()})
}

func (s *Server) keyFailure(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), apikeys.UserMessage(err))
}

// handleListKeys returns the key list, loading it when asked to or when
// the signed-in user has changed since the last load.
func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	current := s.sessions.Current()
	if !current.Authenticated {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	snap := s.keys.Snapshot()
	if r.URL.Query().Get("refresh") == "true" || !snap.Loaded || snap.UserID != current.UserID {
		if _, err := s.keys.List(r.Context()); err != nil {
			if len(s.keys.Snapshot().Keys) == 0 {
				s.keyFailure(w, err)
				return
			}
		}
	}

	writeJSON(w, http.StatusOK, s.keys.Snapshot())
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	exp, err := apikeys.ParseExpiration(req.Expiration)
	if err != nil {
		s.keyFailure(w, err)
		return
	}

	created, err := s.keys.Create(r.Context(), req.Name, exp)
	if err != nil {
		s.keyFailure(w, err)
		return
	}

	resp := createKeyResponse{KeyView: created}

	if req.Copy {
		resp.Copied = s.copySecret(created.Secret)
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, resp)
}

// copySecret puts a new key on the host clipboard. A failed copy is
// logged only; the key is in the response either way.
func (s *Server) copySecret(secret string) bool {
	if s.clip == nil {
		return false
	}

	method, err := s.clip.Copy(secret)
	if err != nil {
		s.logger.Warn("copying key to clipboard", slog.String("error", err.Error()))
		return false
	}

	s.logger.Debug("key copied", slog.String("method", string(method)))

	return s.clip.Copied()
}

// handleClipboard reports the copied indicator, which stays on for
// clipboard.CopiedFor after a copy.
func (s *Server) handleClipboard(w http.ResponseWriter, _ *http.Request) {
	resp := clipboardResponse{Available: s.clip != nil}
	if s.clip != nil {
		resp.Copied = s.clip.Copied()
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRenameKey(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")

	var req renameKeyRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.keys.Rename(r.Context(), ref, req.Name); err != nil {
		s.keyFailure(w, err)
		return
	}

	key, ok := s.keys.Find(ref)
	if !ok {
		// Revoked by another client between the rename and the lookup.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, key)
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")

	var req revokeKeyRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	confirm := apikeys.ConfirmFunc(func(_ context.Context, key models.KeyView) (bool, error) {
		return key.Name == req.ConfirmName, nil
	})

	err := s.keys.Revoke(r.Context(), ref, confirm)
	if apikeys.IsDeclined(err) {
		writeError(w, http.StatusConflict, msgConfirmMismatch)
		return
	}

	if err != nil {
		s.keyFailure(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExpirations(w http.ResponseWriter, _ *http.Request) {
	all := apikeys.Expirations()
	out := make([]expirationOption, len(all))

	for i, e := range all {
		out[i] = expirationOption{
			Label:   string(e),
			Value:   e.Canonical(),
			Default: e == apikeys.DefaultExpiration,
		}
	}

	writeJSON(w, http.StatusOK, out)
}
