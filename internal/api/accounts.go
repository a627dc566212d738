package api

import (
	"encoding/json"
	"net/http"
	"strings"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (credentialsRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return req, false
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "username and password are required")
		return req, false
	}
	return req, true
}

func handleRegister(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeCredentials(w, r)
		if !ok {
			return
		}
		u, err := deps.Accounts.Register(r.Context(), req.Username, req.Password, req.Email)
		if err != nil {
			writeServiceError(w, deps.Logger, "registering user", err)
			return
		}
		writeJSON(w, http.StatusCreated, u)
	}
}

func handleLogin(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeCredentials(w, r)
		if !ok {
			return
		}
		token, u, err := deps.Accounts.Login(r.Context(), req.Username, req.Password)
		if err != nil {
			writeServiceError(w, deps.Logger, "logging in", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token": token,
			"user":  u,
		})
	}
}

func handleLogout(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, _ := bearerToken(r)
		if err := deps.Accounts.Logout(r.Context(), token); err != nil {
			writeServiceError(w, deps.Logger, "logging out", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
	}
}
