package httptransport

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"postbox/backend/internal/access"
	"postbox/backend/internal/service"
	"postbox/backend/internal/session"
)

// AdminHandler 运维接口：会话巡查、强制关闭与访问授权管理。
type AdminHandler struct {
	postbox *service.PostBoxService
	grants  *access.Service
	log     *zap.Logger
}

// NewAdminHandler 创建运维处理器。
func NewAdminHandler(postbox *service.PostBoxService, grants *access.Service, log *zap.Logger) *AdminHandler {
	return &AdminHandler{postbox: postbox, grants: grants, log: log}
}

// ListSessions 列出当前所有活跃会话。
func (h *AdminHandler) ListSessions(c *gin.Context) {
	Success(c, h.postbox.Sessions())
}

// ForceClose 强制关闭指定会话，丢弃未落盘的改动。
func (h *AdminHandler) ForceClose(c *gin.Context) {
	handle := session.Handle(c.Param("handle"))

	if err := h.postbox.ForceClose(handle); err != nil {
		NotFound(c, "会话不存在")
		return
	}

	h.log.Warn("session force closed by admin",
		zap.String("handle", string(handle)),
		zap.String("admin", c.GetString("userID")))

	SuccessWithMsg(c, "会话已强制关闭", nil)
}

// grantInput 授权请求
type grantInput struct {
	ViewerID   string `json:"viewerId" binding:"required"`
	OwnerID    string `json:"ownerId" binding:"required"`
	Capability string `json:"capability" binding:"required"`
	TTLSeconds int    `json:"ttlSeconds"`
}

// Grant 给观察者授予打开他人信箱的能力。
func (h *AdminHandler) Grant(c *gin.Context) {
	var input grantInput
	if err := c.ShouldBindJSON(&input); err != nil {
		BadRequest(c, "无效的请求参数")
		return
	}

	capability := access.Capability(input.Capability)
	if capability != access.CapabilityRead && capability != access.CapabilityWrite {
		BadRequest(c, "未知的能力类型")
		return
	}

	ttl := time.Duration(input.TTLSeconds) * time.Second
	if err := h.grants.Grant(c.Request.Context(), input.ViewerID, input.OwnerID, capability, ttl); err != nil {
		Unavailable(c, "授权存储暂时不可用")
		return
	}

	SuccessWithMsg(c, "已授权", nil)
}

// Revoke 撤销观察者的访问能力。
func (h *AdminHandler) Revoke(c *gin.Context) {
	var input grantInput
	if err := c.ShouldBindJSON(&input); err != nil {
		BadRequest(c, "无效的请求参数")
		return
	}

	capability := access.Capability(input.Capability)
	if err := h.grants.Revoke(c.Request.Context(), input.ViewerID, input.OwnerID, capability); err != nil {
		Unavailable(c, "授权存储暂时不可用")
		return
	}

	SuccessWithMsg(c, "已撤销", nil)
}
