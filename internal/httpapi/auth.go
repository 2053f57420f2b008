package httpapi

import (
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/webforge/internal/store"
)

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := decodeJSON(r, &creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	creds.Username = strings.TrimSpace(creds.Username)
	if creds.Username == "" || len(creds.Password) < 6 {
		writeError(w, http.StatusBadRequest, "username required and password must be at least 6 characters")
		return
	}

	if _, err := s.stores.Users.GetByUsername(r.Context(), creds.Username); err == nil {
		writeError(w, http.StatusConflict, "username already registered")
		return
	}

	hash, err := s.tokens.HashPassword(creds.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}
	user := &store.User{Username: creds.Username, PasswordHash: hash}
	if err := s.stores.Users.Create(r.Context(), user); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"username": creds.Username})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := decodeJSON(r, &creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.stores.Users.GetByUsername(r.Context(), strings.TrimSpace(creds.Username))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "incorrect username or password")
		return
	}
	if err := s.tokens.VerifyPassword(creds.Password, user.PasswordHash); err != nil {
		writeError(w, http.StatusUnauthorized, "incorrect username or password")
		return
	}

	token, err := s.tokens.Generate(user.ID, user.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer"})
}
