package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/slog"
)

type HandleLoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleLogin exchanges HTTP Basic credentials for an access token.
func (s *APIServer) HandleLogin(w http.ResponseWriter, r *http.Request) error {
	username, password, ok := r.BasicAuth()
	if !ok || username == "" {
		w.Header().Set("WWW-Authenticate", `Basic realm="image-maps"`)
		s.metrics.RecordAuth("login", "missing_credentials")
		return &StatusError{Err: errors.New("missing basic auth credentials"), Status: http.StatusUnauthorized, Code: "unauthorized"}
	}

	user, err := s.store.GetUserByUsername(r.Context(), username)
	if errors.Is(err, ErrNotFound) {
		s.metrics.RecordAuth("login", "failure")
		return &StatusError{Err: ErrUnauthorized, Status: http.StatusUnauthorized, Code: "unauthorized"}
	}
	if err != nil {
		return err
	}

	if !verifyPassword(password, user.PasswordHash) {
		s.metrics.RecordAuth("login", "failure")
		return &StatusError{Err: ErrUnauthorized, Status: http.StatusUnauthorized, Code: "unauthorized"}
	}

	token, err := s.tokens.NewJWTAccessToken(user)
	if err != nil {
		return err
	}

	s.metrics.RecordAuth("login", "success")
	slog.Debug("User logged in", "user_id", user.ID)

	return writeJSON(w, http.StatusOK, HandleLoginResponse{
		Token:     token.Access,
		ExpiresAt: token.ExpiresAt,
	})
}

type HandleRegisterRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64,username"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type HandleRegisterResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

func (s *APIServer) HandleRegister(w http.ResponseWriter, r *http.Request) error {
	var req HandleRegisterRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.metrics.RecordAuth("register", "invalid")
		return err
	}

	hash, err := hashPassword(req.Password, s.bcryptCost)
	if err != nil {
		return err
	}

	user, err := s.store.CreateUser(r.Context(), req.Username, string(hash))
	if errors.Is(err, ErrUsernameTaken) {
		s.metrics.RecordAuth("register", "conflict")
		return &StatusError{Err: ErrUsernameTaken, Status: http.StatusConflict, Code: "username_taken"}
	}
	if err != nil {
		return err
	}

	s.metrics.RecordAuth("register", "success")
	slog.Info("Registered a user", "user_id", user.ID)

	return writeJSON(w, http.StatusCreated, HandleRegisterResponse{ID: user.ID, Username: user.Username})
}

type APIAuthFunc func(userID int64, w http.ResponseWriter, r *http.Request) error

func (s *APIServer) authMiddleware(f APIAuthFunc) APIFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			return &StatusError{Err: ErrUnauthorized, Status: http.StatusUnauthorized, Code: "unauthorized"}
		}

		userID, err := s.tokens.VerifyJWTToken(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			return &StatusError{Err: ErrUnauthorized, Status: http.StatusUnauthorized, Code: "invalid_token"}
		}

		return f(userID, w, r)
	}
}

func hashPassword(pwd string, cost int) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(pwd), cost)
}

func verifyPassword(pwd, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pwd))
	return err == nil
}
