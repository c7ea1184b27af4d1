package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"skatedm-client/internal/middleware"
	"skatedm-client/internal/models"
	"skatedm-client/internal/store"
	"skatedm-client/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AuthHandler handles authentication-related HTTP requests.
type AuthHandler struct {
	userStore store.UserStore
	secret    string
	maxAge    time.Duration
	logger    *zap.Logger
}

func NewAuthHandler(userStore store.UserStore, secret string, maxAge time.Duration, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		userStore: userStore,
		secret:    secret,
		maxAge:    maxAge,
		logger:    logger.Named("auth"),
	}
}

// SeedUsers creates one account per name:password pair. Names that already
// exist are left untouched so a persistent store can be reseeded on restart.
func SeedUsers(ctx context.Context, users store.UserStore, creds map[string]string, cost int, logger *zap.Logger) error {
	names := make([]string, 0, len(creds))
	for name := range creds {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		hashed, err := utils.HashPassword(creds[name], cost)
		if err != nil {
			return fmt.Errorf("seed user %s: %w", name, err)
		}
		user := &models.User{
			ID:             uuid.NewString(),
			Name:           name,
			HashedPassword: hashed,
			CreatedAt:      time.Now().UTC(),
		}
		err = users.CreateUser(ctx, user)
		switch {
		case errors.Is(err, store.ErrUsernameExists):
			logger.Debug("dev user already exists", zap.String("name", name))
		case err != nil:
			return fmt.Errorf("seed user %s: %w", name, err)
		default:
			logger.Info("dev user seeded", zap.String("name", name), zap.String("user_id", user.ID))
		}
	}
	return nil
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request data", "details": err.Error()})
		return
	}

	user, err := h.userStore.GetUserByName(c.Request.Context(), req.Username)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid username or password"})
			return
		}
		h.logger.Error("login lookup failed", zap.String("name", req.Username), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Login failed"})
		return
	}

	if !utils.CheckPasswordHash(req.Password, user.HashedPassword) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid username or password"})
		return
	}

	token, err := utils.GenerateJWT(user.ID, h.secret, h.maxAge)
	if err != nil {
		h.logger.Error("token generation failed", zap.String("user_id", user.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Login successful, but failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, models.LoginResponse{Token: token, User: user.ToPublicUser()})
}

func (h *AuthHandler) GetMe(c *gin.Context) {
	userID := middleware.UserID(c)
	user, err := h.userStore.GetUserByID(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User associated with token not found"})
			return
		}
		h.logger.Error("me lookup failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve user information"})
		return
	}

	c.JSON(http.StatusOK, user.ToPublicUser())
}
