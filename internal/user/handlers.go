package user

import (
	"errors"
	"net/http"
	"strings"

	"skatedm-client/internal/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// UserHandler exposes user lookups so clients can address a conversation by
// name.
type UserHandler struct {
	userStore store.UserStore
	logger    *zap.Logger
}

func NewUserHandler(userStore store.UserStore, logger *zap.Logger) *UserHandler {
	return &UserHandler{userStore: userStore, logger: logger.Named("user")}
}

// GetUserByID returns the public profile for a user.
// GET /users/:id
func (h *UserHandler) GetUserByID(c *gin.Context) {
	h.respond(c, "id", c.Param("id"))
}

// FindUser returns the user with the exact given name.
// GET /users?name=<name>
func (h *UserHandler) FindUser(c *gin.Context) {
	name := strings.TrimSpace(c.Query("name"))
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name query parameter is required"})
		return
	}
	h.respond(c, "name", name)
}

func (h *UserHandler) respond(c *gin.Context, by, value string) {
	lookup := h.userStore.GetUserByID
	if by == "name" {
		lookup = h.userStore.GetUserByName
	}
	user, err := lookup(c.Request.Context(), value)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		h.logger.Error("user lookup failed", zap.String("by", by), zap.String("value", value), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve user information"})
		return
	}
	c.JSON(http.StatusOK, user.ToPublicUser())
}
