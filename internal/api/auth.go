// Package api holds the HTTP endpoints that sit next to the WebSocket
// gateway: session login/logout and the internal event hooks used by the
// request/response services.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/Tyrowin/chatroom/internal/models"
	"github.com/Tyrowin/chatroom/internal/sessions"
	"github.com/Tyrowin/chatroom/internal/store"
)

// SessionCookie must match the cookie the WebSocket gateway reads.
const SessionCookie = "session_id"

// UserStore looks users up for authentication.
type UserStore interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

// Presence receives login and logout triggers.
type Presence interface {
	Login(ctx context.Context, userID int64) error
	Logout(ctx context.Context, userID int64) error
}

// AuthHandler issues and revokes session cookies.
type AuthHandler struct {
	Users        UserStore
	Sessions     sessions.Directory
	Presence     Presence
	SessionTTL   time.Duration
	CookieSecure bool
	Log          *zap.Logger
}

type loginReq struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

func (h *AuthHandler) logger() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

// Login checks the password, creates a session, sets the cookie and
// announces the user online.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid body", "error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	u, err := h.Users.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.logger().Error("login lookup failed", zap.Error(err))
		}
		c.JSON(http.StatusUnauthorized, gin.H{"message": "wrong email/password"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "wrong email/password"})
		return
	}

	token, err := h.Sessions.Create(ctx, u.ID)
	if err != nil {
		h.logger().Error("create session failed", zap.Int64("user_id", u.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "could not create session"})
		return
	}
	if err := h.Presence.Login(ctx, u.ID); err != nil {
		h.logger().Warn("login presence update failed", zap.Int64("user_id", u.ID), zap.Error(err))
	}

	h.setCookie(c, token, int(h.ttl().Seconds()))
	u.Status = models.StatusOnline
	c.JSON(http.StatusOK, gin.H{"user": u, "session_id": token})
}

// Logout closes the user's live connection, marks them offline and deletes
// the session.
func (h *AuthHandler) Logout(c *gin.Context) {
	ctx := c.Request.Context()
	token, userID, ok := h.resolve(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Not authenticated"})
		return
	}

	if err := h.Presence.Logout(ctx, userID); err != nil {
		h.logger().Warn("logout presence update failed", zap.Int64("user_id", userID), zap.Error(err))
	}
	if err := h.Sessions.Delete(ctx, token); err != nil {
		h.logger().Error("delete session failed", zap.Int64("user_id", userID), zap.Error(err))
	}
	h.setCookie(c, "", -1)
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

// Me returns the user behind the session cookie.
func (h *AuthHandler) Me(c *gin.Context) {
	_, userID, ok := h.resolve(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Not authenticated"})
		return
	}
	u, err := h.Users.GetUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "User not found"})
		return
	}
	c.JSON(http.StatusOK, u)
}

func (h *AuthHandler) resolve(c *gin.Context) (string, int64, bool) {
	token, err := c.Cookie(SessionCookie)
	if err != nil || token == "" {
		return "", 0, false
	}
	userID, err := h.Sessions.Resolve(c.Request.Context(), token)
	if err != nil {
		return "", 0, false
	}
	return token, userID, true
}

func (h *AuthHandler) ttl() time.Duration {
	if h.SessionTTL <= 0 {
		return sessions.DefaultTTL
	}
	return h.SessionTTL
}

func (h *AuthHandler) setCookie(c *gin.Context, value string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, value, maxAge, "/", "", h.CookieSecure, true)
}
