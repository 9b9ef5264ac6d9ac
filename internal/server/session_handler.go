package server

import (
	"net/http"

	"cnb.cool/zhiqiangwang/pkg/logx"
	"github.com/gin-gonic/gin"

	"github.com/benjaminmishra/memory-ops/internal/store"
)

// SessionHandler 会话记忆管理接口
type SessionHandler struct {
	store *store.Store
}

// NewSessionHandler 创建 SessionHandler
func NewSessionHandler(contextStore *store.Store) *SessionHandler {
	return &SessionHandler{store: contextStore}
}

// ListSessions 列出全部会话
func (h *SessionHandler) ListSessions(c *gin.Context) {
	sessions, err := h.store.ListSessions(c.Request.Context())
	if err != nil {
		logx.Error("Failed to list sessions: %v", err)
		c.JSON(http.StatusInternalServerError, Response{
			Code:    500,
			Message: "Failed to list sessions: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, Response{
		Code:    200,
		Message: "success",
		Data: gin.H{
			"sessions": sessions,
		},
	})
}

// ListMessages 按插入顺序返回会话的全部消息
func (h *SessionHandler) ListMessages(c *gin.Context) {
	sessionID := c.Param("id")

	messages, err := h.store.Messages(c.Request.Context(), sessionID)
	if err != nil {
		logx.Error("Failed to load session messages: %v", err)
		c.JSON(http.StatusInternalServerError, Response{
			Code:    500,
			Message: "Failed to load session messages: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, Response{
		Code:    200,
		Message: "success",
		Data: gin.H{
			"session_id": sessionID,
			"messages":   messages,
		},
	})
}

// ClearSession 清空会话的全部消息(幂等)
func (h *SessionHandler) ClearSession(c *gin.Context) {
	sessionID := c.Param("id")

	if err := h.store.Clear(c.Request.Context(), sessionID); err != nil {
		logx.Error("Failed to clear session: %v", err)
		c.JSON(http.StatusInternalServerError, Response{
			Code:    500,
			Message: "Failed to clear session: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, Response{
		Code:    200,
		Message: "success",
	})
}
