package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"chatsync/internal/auth"
	"chatsync/internal/database"
	"chatsync/internal/models"
	"chatsync/pkg/logger"
)

const maxAuthBody = 1 << 16

type AuthHandlers struct {
	authService *auth.Service
}

func NewAuthHandlers(authService *auth.Service) *AuthHandlers {
	return &AuthHandlers{
		authService: authService,
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAuthBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *AuthHandlers) Register(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}

	response, err := h.authService.Register(r.Context(), &req)
	if err != nil {
		if errors.Is(err, database.ErrEmailTaken) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		logger.Warn("Registration rejected for %s: %v", req.Email, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	logger.Info("User %s registered", response.User.ID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(response)
}

func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	response, err := h.authService.Login(r.Context(), &req)
	if err != nil {
		logger.Debug("Login failed for %s: %v", req.Email, err)
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
