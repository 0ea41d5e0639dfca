package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-sealing-key-provider/kms"
)

// AdminHandler accepts administrator shares that unlock a Shamir root.
type AdminHandler struct {
	root *kms.ShamirRoot
	log  *slog.Logger
}

func NewAdminHandler(root *kms.ShamirRoot, log *slog.Logger) *AdminHandler {
	return &AdminHandler{root: root, log: log}
}

// AdminRouter returns the admin API routes, to be mounted under /admin.
func (h *AdminHandler) AdminRouter() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.handleStatus)
	r.Post("/share", h.handleSubmitShare)
	return r
}

// StatusResponse reports the unlock progress of the root.
type StatusResponse struct {
	State     string `json:"state"`
	Submitted int    `json:"submitted"`
	Threshold int    `json:"threshold"`
}

// Endpoint: GET /admin/status
func (h *AdminHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	submitted, threshold, unlocked := h.root.Status()
	state := "locked"
	if unlocked {
		state = "unlocked"
	}
	writeJSON(w, http.StatusOK, &StatusResponse{
		State:     state,
		Submitted: submitted,
		Threshold: threshold,
	})
}

// Endpoint: POST /admin/share
// Body: {"share": "<hex>", "admin_key": "<hex>", "signature": "<hex>"}
func (h *AdminHandler) handleSubmitShare(w http.ResponseWriter, r *http.Request) {
	var sf kms.ShareFile
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&sf); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.root.SubmitShareFile(sf); err != nil {
		h.log.Warn("Share rejected", "err", err, "adminKey", sf.AdminKey)
		http.Error(w, "Share rejected: "+err.Error(), http.StatusBadRequest)
		return
	}

	h.log.Info("Share accepted", "adminKey", sf.AdminKey)
	h.handleStatus(w, r)
}
