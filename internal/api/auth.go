package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/npezzotti/redischat/internal/repository"
	"github.com/npezzotti/redischat/internal/store"
	"github.com/npezzotti/redischat/internal/types"
)

const sessionCookieKey = "session"

type contextKey string

const (
	userKey    contextKey = "user"
	sessionKey contextKey = "session"
)

func WithIdentity(ctx context.Context, u *types.User, s *types.Session) context.Context {
	ctx = context.WithValue(ctx, userKey, u)
	return context.WithValue(ctx, sessionKey, s)
}

func CurrentUser(ctx context.Context) (*types.User, bool) {
	u, ok := ctx.Value(userKey).(*types.User)
	return u, ok
}

func CurrentSession(ctx context.Context) (*types.Session, bool) {
	s, ok := ctx.Value(sessionKey).(*types.Session)
	return s, ok
}

type LoginRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}

func verifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// resolveSession turns the session cookie into a live session and its
// user. Expiry is enforced here: the store never sweeps sessions.
func (s *ChatApp) resolveSession(r *http.Request) (*types.User, *types.Session, error) {
	cookie, err := r.Cookie(sessionCookieKey)
	if err != nil {
		return nil, nil, err
	}

	session, err := s.repos.Sessions.Filter(r.Context(), repository.Query{Key: cookie.Value})
	if err != nil || session == nil {
		return nil, nil, errors.New("no session for key")
	}

	if session.Expires < time.Now().Unix() {
		return nil, nil, errors.New("session expired")
	}

	user, err := s.repos.Users.GetOne(r.Context(), session.User)
	if err != nil || user == nil {
		return nil, nil, errors.New("no user for session")
	}

	return user, session, nil
}

func (s *ChatApp) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, session, err := s.resolveSession(r)
		if err != nil {
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		ctx := WithIdentity(r.Context(), user, session)
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")

		next(w, r.WithContext(ctx))
	}
}

// startSession persists a fresh session for the user and hands the
// opaque key to the browser.
func (s *ChatApp) startSession(w http.ResponseWriter, r *http.Request, user *types.User) error {
	session := repository.NewSession(user.Id, 0)
	if err := s.repos.Sessions.Save(r.Context(), session); err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieKey,
		Value:    session.Key,
		Path:     "/",
		Expires:  time.Unix(session.Expires, 0),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (s *ChatApp) register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Name == "" || req.Password == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	pwdHash, err := hashPassword(req.Password)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user := &types.User{
		Name:     req.Name,
		Password: pwdHash,
	}
	if err := s.repos.Users.Save(r.Context(), user); err != nil {
		errResp := s.saveError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.startSession(w, r, user); err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, user)
}

func (s *ChatApp) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.repos.Users.Filter(r.Context(), repository.Query{Name: req.Name})
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if user == nil || !verifyPassword(user.Password, req.Password) {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.startSession(w, r, user); err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, user)
}

func (s *ChatApp) logout(w http.ResponseWriter, r *http.Request) {
	session, ok := CurrentSession(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.repos.Sessions.Delete(r.Context(), session); err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieKey,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})

	s.writeJson(w, http.StatusOK, nil)
}

func (s *ChatApp) session(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, user)
}

// saveError maps the store's create failures onto user-facing "try
// another name" and "try again" responses.
func (s *ChatApp) saveError(err error) *ApiError {
	switch {
	case errors.Is(err, store.ErrAlreadyExists):
		return NewConflictError()
	case errors.Is(err, store.ErrContention):
		return NewUnavailableError()
	default:
		return NewInternalServerError(err)
	}
}
