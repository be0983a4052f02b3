package registry

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/postloom/backend/internal/logging"
	"github.com/postloom/backend/internal/models"
)

// Reloader re-reads the account files and brings running loops in line.
type Reloader interface {
	Reload(ctx context.Context) error
}

type AccountResponse struct {
	ID            string            `json:"id"`
	DisplayName   string            `json:"display_name"`
	CollectionID  string            `json:"knowledge_collection_id"`
	Platforms     []models.Platform `json:"enabled_platforms"`
	ExemplarCount int               `json:"exemplar_count"`
	PersonaChars  int               `json:"persona_chars"`
}

type listAccountsResponse struct {
	Accounts   []AccountResponse `json:"accounts"`
	LoadErrors []LoadError       `json:"load_errors"`
}

type Handler struct {
	svc      Service
	reloader Reloader
	log      logging.Logger
}

func NewHandler(svc Service, reloader Reloader, log logging.Logger) *Handler {
	if log == nil {
		log = logging.NewDiscard()
	}
	return &Handler{svc: svc, reloader: reloader, log: log}
}

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	list := h.svc.List()
	resp := listAccountsResponse{
		Accounts:   make([]AccountResponse, 0, len(list)),
		LoadErrors: h.svc.LoadErrors(),
	}
	if resp.LoadErrors == nil {
		resp.LoadErrors = []LoadError{}
	}
	for _, a := range list {
		resp.Accounts = append(resp.Accounts, ToResponse(a))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ReloadAccounts(w http.ResponseWriter, r *http.Request) {
	if err := h.reloader.Reload(r.Context()); err != nil {
		h.log.WithError(err).Error("Reload accounts failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "reload accounts failed"})
		return
	}
	h.ListAccounts(w, r)
}

func ToResponse(a *models.Account) AccountResponse {
	return AccountResponse{
		ID:            a.ID,
		DisplayName:   a.DisplayName,
		CollectionID:  a.CollectionID,
		Platforms:     a.Platforms,
		ExemplarCount: len(a.Exemplars),
		PersonaChars:  len([]rune(a.Persona)),
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
