package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatroom/internal/models"
	"github.com/Tyrowin/chatroom/internal/notify"
)

// Notifier pushes friend and group events.
type Notifier interface {
	FriendChanged(userID, friendID int64, action string) int
	GroupChanged(ctx context.Context, change notify.GroupChange) (int, error)
}

// InternalAuth accepts only requests carrying an HS256 bearer token signed
// with secret. The token subject is stored as "service".
func InternalAuth(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if h == "" || !strings.HasPrefix(h, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "missing token"})
			return
		}

		tokenStr := strings.TrimPrefix(h, "Bearer ")
		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "invalid token"})
			return
		}

		c.Set("service", claims.Subject)
		c.Next()
	}
}

// EventsHandler receives change events from the request/response services
// and forwards them to connected users.
type EventsHandler struct {
	Notifier Notifier
	Presence Presence
	Log      *zap.Logger
}

type friendEventReq struct {
	UserID   int64  `json:"user_id" binding:"required"`
	FriendID int64  `json:"friend_id" binding:"required"`
	Action   string `json:"action" binding:"required,oneof=added removed"`
}

type groupEventReq struct {
	GroupID   int64          `json:"group_id" binding:"required"`
	Action    string         `json:"action" binding:"required,oneof=created updated deleted member_added member_removed"`
	Data      map[string]any `json:"data"`
	GroupName string         `json:"group_name"`
	MemberIDs []int64        `json:"member_ids"`
}

type presenceEventReq struct {
	UserID int64         `json:"user_id" binding:"required"`
	Status models.Status `json:"status" binding:"required,oneof=online offline"`
}

func (h *EventsHandler) logger() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

func (h *EventsHandler) Friend(c *gin.Context) {
	var req friendEventReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid body", "error": err.Error()})
		return
	}
	n := h.Notifier.FriendChanged(req.UserID, req.FriendID, req.Action)
	c.JSON(http.StatusOK, gin.H{"delivered": n})
}

func (h *EventsHandler) Group(c *gin.Context) {
	var req groupEventReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid body", "error": err.Error()})
		return
	}
	n, err := h.Notifier.GroupChanged(c.Request.Context(), notify.GroupChange{
		GroupID:   req.GroupID,
		Action:    req.Action,
		Data:      req.Data,
		GroupName: req.GroupName,
		MemberIDs: req.MemberIDs,
	})
	if errors.Is(err, notify.ErrGroupNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"message": "group not found"})
		return
	}
	if err != nil {
		h.logger().Error("group event failed", zap.Int64("group_id", req.GroupID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "could not deliver group event"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": n})
}

// PresenceChange handles a login or logout performed outside the chat server.
func (h *EventsHandler) PresenceChange(c *gin.Context) {
	var req presenceEventReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid body", "error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	var err error
	if req.Status == models.StatusOnline {
		err = h.Presence.Login(ctx, req.UserID)
	} else {
		err = h.Presence.Logout(ctx, req.UserID)
	}
	if err != nil {
		h.logger().Warn("presence event failed", zap.Int64("user_id", req.UserID), zap.Error(err))
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": "could not update presence"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}
