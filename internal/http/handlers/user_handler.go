// User settings handlers.
//
// PUT /users/keys updates a user's provider configuration. Keys are
// encrypted before they reach the store, and every cached credential for
// the user is invalidated so the next request re-resolves.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/doctalk-ai/go-rag-backend/internal/provider"
	"github.com/doctalk-ai/go-rag-backend/internal/services"
)

// SettingsService applies provider-settings changes for a user. The
// implementation owns encryption and credential-cache invalidation.
type SettingsService interface {
	UpdateKeys(ctx context.Context, userID string, s services.KeySettings) error
}

// UpdateKeysRequest is the JSON payload for PUT /users/keys.
type UpdateKeysRequest struct {
	GeminiKey         *string `json:"geminiKey"`
	GroqKey           *string `json:"groqKey"`
	OllamaEndpoint    *string `json:"ollamaEndpoint"`
	PreferredProvider *string `json:"preferredProvider"`
	UseOwnKeys        *bool   `json:"useOwnKeys"`
}

// UpdateKeys godoc
// @ID          updateKeys
// @Summary     Update provider keys and preferences
// @Description Applies the non-null fields; empty strings clear stored values. Keys are encrypted at rest.
// @Tags        Users
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       body  body  handlers.UpdateKeysRequest  true  "Settings to change"
//
// @Success     200  {object}  map[string]bool
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing token"
// @Router      /users/keys [put]
func (h *Handlers) UpdateKeys(c *gin.Context) {
	var body UpdateKeysRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if body.GeminiKey == nil && body.GroqKey == nil && body.OllamaEndpoint == nil &&
		body.PreferredProvider == nil && body.UseOwnKeys == nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "no settings to update")
		return
	}
	if body.PreferredProvider != nil {
		p := provider.Name(*body.PreferredProvider)
		if *body.PreferredProvider != "admin" && !p.Valid() {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown preferred provider")
			return
		}
	}

	err := h.settings.UpdateKeys(c.Request.Context(), userID(c), services.KeySettings{
		GeminiKey:         body.GeminiKey,
		GroqKey:           body.GroqKey,
		OllamaEndpoint:    body.OllamaEndpoint,
		PreferredProvider: body.PreferredProvider,
		UseOwnKeys:        body.UseOwnKeys,
	})
	if err != nil {
		failFrom(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"ok": true})
}
