package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/npezzotti/chatrooms/internal/auth"
	"github.com/npezzotti/chatrooms/internal/database"
	"github.com/npezzotti/chatrooms/internal/types"
)

const (
	tokenCookieKey    = "token"
	refreshCookieKey  = "refresh_token"
	refreshCookiePath = "/api/auth"
)

type contextKey string

const identityKey contextKey = "identity"

func WithIdentity(ctx context.Context, identity types.Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

func Identity(ctx context.Context) (types.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(types.Identity)
	return identity, ok
}

type SignupRequest struct {
	Username string `json:"username" validate:"required,min=3,max=32,alphanum"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse carries the access token. The refresh token only travels in
// its HttpOnly cookie.
type LoginResponse struct {
	Token            string     `json:"token"`
	ExpiresAt        time.Time  `json:"expires_at"`
	RefreshExpiresAt time.Time  `json:"refresh_expires_at"`
	User             types.User `json:"user"`
}

// tokenFromRequest prefers the Authorization header and falls back to the
// cookie set at login.
func tokenFromRequest(r *http.Request) (string, bool) {
	if token, ok := auth.BearerToken(r.Header.Get("Authorization")); ok {
		return token, true
	}

	cookie, err := r.Cookie(tokenCookieKey)
	if err != nil || cookie.Value == "" {
		return "", false
	}

	return cookie.Value, true
}

func (s *GoChatApp) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := tokenFromRequest(r)
		if !ok {
			s.writeError(w, NewUnauthorizedError())
			return
		}

		identity, err := s.tokens.Verify(token)
		if err != nil {
			s.log.Debug("rejected token", "error", err, "path", r.URL.Path)
			s.writeError(w, NewUnauthorizedError())
			return
		}

		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		next(w, r.WithContext(WithIdentity(r.Context(), identity)))
	}
}

func (s *GoChatApp) signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if apiErr := s.readJson(r, &req); apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	pwdHash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	user, err := s.db.CreateUser(r.Context(), database.CreateUserParams{
		Username:     req.Username,
		PasswordHash: pwdHash,
	})
	if err != nil {
		s.writeError(w, errorFromStore(err))
		return
	}

	resp, err := s.startSession(w, user)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.log.Info("user signed up", "user_id", user.Id)
	s.writeJson(w, http.StatusCreated, resp)
}

func (s *GoChatApp) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if apiErr := s.readJson(r, &req); apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	user, err := s.db.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		apiErr := errorFromStore(err)
		if apiErr.StatusCode == http.StatusNotFound {
			apiErr = NewUnauthorizedError()
		}
		s.writeError(w, apiErr)
		return
	}

	if !auth.VerifyPassword(user.PasswordHash, req.Password) {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	resp, err := s.startSession(w, user)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	if err := s.db.UpdateLastLogin(r.Context(), user.Id); err != nil {
		s.log.Warn("failed to update last login", "user_id", user.Id, "error", err)
	}

	s.writeJson(w, http.StatusOK, resp)
}

// startSession issues a fresh access and refresh token pair for user and
// sets both cookies.
func (s *GoChatApp) startSession(w http.ResponseWriter, user database.User) (LoginResponse, error) {
	identity := types.Identity{UserId: user.Id, Username: user.Username}

	token, exp, err := s.tokens.Issue(identity)
	if err != nil {
		return LoginResponse{}, fmt.Errorf("issue access token: %w", err)
	}

	refresh, refreshExp, err := s.refresh.Issue(identity)
	if err != nil {
		return LoginResponse{}, fmt.Errorf("issue refresh token: %w", err)
	}

	http.SetCookie(w, createJwtCookie(token, exp))
	http.SetCookie(w, createRefreshCookie(refresh, refreshExp))

	return LoginResponse{
		Token:            token,
		ExpiresAt:        exp,
		RefreshExpiresAt: refreshExp,
		User:             toUser(user),
	}, nil
}

// refreshToken rotates both tokens when the refresh cookie is still valid.
func (s *GoChatApp) refreshToken(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshCookieKey)
	if err != nil || cookie.Value == "" {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	identity, err := s.refresh.Verify(cookie.Value)
	if err != nil {
		s.log.Debug("rejected refresh token", "error", err)
		http.SetCookie(w, createRefreshCookie("", time.Unix(0, 0)))
		s.writeError(w, NewUnauthorizedError())
		return
	}

	user, err := s.db.GetUserById(r.Context(), identity.UserId)
	if err != nil {
		apiErr := errorFromStore(err)
		if apiErr.StatusCode == http.StatusNotFound {
			apiErr = NewUnauthorizedError()
		}
		s.writeError(w, apiErr)
		return
	}

	resp, err := s.startSession(w, user)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.log.Debug("rotated session tokens", "user_id", user.Id)
	s.writeJson(w, http.StatusOK, resp)
}

func (s *GoChatApp) deleteRefreshToken(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, createRefreshCookie("", time.Unix(0, 0)))
	w.WriteHeader(http.StatusNoContent)
}

func createJwtCookie(tokenString string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     tokenCookieKey,
		Value:    tokenString,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

func createRefreshCookie(tokenString string, expires time.Time) *http.Cookie {
	cookie := createJwtCookie(tokenString, expires)
	cookie.Name = refreshCookieKey
	cookie.Path = refreshCookiePath
	return cookie
}

func (s *GoChatApp) logout(w http.ResponseWriter, _ *http.Request) {
	// overwrite the cookies with expired ones
	http.SetCookie(w, createJwtCookie("", time.Unix(0, 0)))
	http.SetCookie(w, createRefreshCookie("", time.Unix(0, 0)))
	w.WriteHeader(http.StatusNoContent)
}

func isAuthError(err error) bool {
	return errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrTokenExpired)
}
