package auth

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/postloom/backend/internal/logging"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

type Handler struct {
	svc Service
	log logging.Logger
}

func NewHandler(svc Service, log logging.Logger) *Handler {
	if log == nil {
		log = logging.NewDiscard()
	}
	return &Handler{svc: svc, log: log}
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.Password == "" {
		http.Error(w, "missing username or password", http.StatusBadRequest)
		return
	}
	token, err := h.svc.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			h.log.WithField("username", req.Username).Warn("Operator login rejected")
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		h.log.WithError(err).Error("Operator login failed")
		http.Error(w, "login failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(LoginResponse{Token: token})
}
