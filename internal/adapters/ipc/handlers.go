package ipc

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bnema/fedwatch/internal/application"
	"github.com/bnema/fedwatch/internal/domain"
	"github.com/bnema/fedwatch/internal/poll"
	"github.com/gin-gonic/gin"
)

type Handler struct {
	accounts *application.AccountService
	engine   *poll.Engine
}

func NewHandler(accounts *application.AccountService, engine *poll.Engine) *Handler {
	return &Handler{accounts: accounts, engine: engine}
}

type accountView struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	APIBaseURL  string `json:"api_base_url"`
}

type recentItemView struct {
	ID             string    `json:"id"`
	Reason         string    `json:"reason"`
	ActorHandle    string    `json:"actor_handle"`
	ActorAvatarURL string    `json:"actor_avatar_url,omitempty"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
}

// GetStatus reports whether any account is authenticated, for the login
// screen to decide what to show.
func (h *Handler) GetStatus(c *gin.Context) {
	accounts, err := h.accounts.List(c.Request.Context())
	if err != nil {
		slog.Error("ipc: list accounts", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"authenticated": len(accounts) > 0,
		"accounts":      len(accounts),
	})
}

func (h *Handler) GetCounts(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Counts())
}

func (h *Handler) ListAccounts(c *gin.Context) {
	accounts, err := h.accounts.List(c.Request.Context())
	if err != nil {
		slog.Error("ipc: list accounts", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	views := make([]accountView, 0, len(accounts))
	for _, account := range accounts {
		views = append(views, accountView{
			ID:          string(account.ID),
			DisplayName: account.DisplayName,
			APIBaseURL:  account.APIBaseURL,
		})
	}

	c.JSON(http.StatusOK, gin.H{"accounts": views})
}

// RemoveAccount deletes the account; the registry change triggers
// orchestrator reconciliation, so its poll tasks stop without an explicit
// call here.
func (h *Handler) RemoveAccount(c *gin.Context) {
	id := domain.AccountID(c.Param("id"))

	existed, err := h.accounts.Remove(c.Request.Context(), id)
	if err != nil {
		slog.Error("ipc: remove account", "account", id, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	if !existed {
		c.Status(http.StatusNotFound)
		return
	}

	h.engine.DropAccount(id)
	c.Status(http.StatusNoContent)
}

func (h *Handler) GetRecent(c *gin.Context) {
	id := domain.AccountID(c.Param("id"))

	items := h.engine.Recent(id)
	views := make([]recentItemView, 0, len(items))
	for _, item := range items {
		views = append(views, recentItemView{
			ID:             item.ID,
			Reason:         string(item.Reason),
			ActorHandle:    item.ActorHandle,
			ActorAvatarURL: item.ActorAvatarURL,
			IsRead:         item.IsRead,
			CreatedAt:      item.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"items": views})
}

// MarkFeedSeen resets one feed's unread count to zero after the user viewed
// it; the next poll overwrites it with whatever the server reports.
func (h *Handler) MarkFeedSeen(c *gin.Context) {
	id := domain.AccountID(c.Param("id"))
	kind := domain.FeedKind(c.Param("feed"))

	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown feed kind"})
		return
	}

	h.engine.ResetFeed(id, kind)
	c.Status(http.StatusNoContent)
}
