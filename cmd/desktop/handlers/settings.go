package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/coursekit/coursekit/internal/settings"
)

// SettingsHandler reads and writes the lightweight preference slot.
type SettingsHandler struct {
	store *settings.Store
}

// NewSettingsHandler creates a SettingsHandler.
func NewSettingsHandler(store *settings.Store) *SettingsHandler {
	return &SettingsHandler{store: store}
}

// Get handles GET /local/settings
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.Get())
}

// Update handles PUT /local/settings
// Fields absent from the request keep their current value.
func (h *SettingsHandler) Update(w http.ResponseWriter, r *http.Request) {
	var patch struct {
		Theme         *string `json:"theme"`
		Language      *string `json:"language"`
		CurrentUserID *string `json:"current_user_id"`
		UserRole      *string `json:"user_role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	err := h.store.Set(func(v *settings.Values) {
		if patch.Theme != nil {
			v.Theme = *patch.Theme
		}
		if patch.Language != nil {
			v.Language = *patch.Language
		}
		if patch.CurrentUserID != nil {
			v.CurrentUserID = *patch.CurrentUserID
		}
		if patch.UserRole != nil {
			v.UserRole = *patch.UserRole
		}
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.store.Get())
}
