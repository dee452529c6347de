package httptransport

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"postbox/backend/internal/domain"
	"postbox/backend/internal/middleware"
	"postbox/backend/internal/profile"
	"postbox/backend/internal/service"
	"postbox/backend/internal/session"
	"postbox/backend/internal/storage"
)

// Handler 聚合信箱相关的 HTTP 处理逻辑。
type Handler struct {
	postbox *service.PostBoxService
	log     *zap.Logger
}

// NewHandler 创建信箱处理器。
func NewHandler(postbox *service.PostBoxService, log *zap.Logger) *Handler {
	return &Handler{postbox: postbox, log: log}
}

// openOwn 打开当前用户自己的信箱，返回会话视图。重复打开返回同一会话。
func (h *Handler) openOwn(c *gin.Context) {
	userID := middleware.UserID(c)

	view, err := h.postbox.OpenOwn(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.postbox.TouchProfile(c.Request.Context(), userID, middleware.UserName(c))
	Success(c, view)
}

// openOtherInput 打开他人信箱请求
type openOtherInput struct {
	OwnerName string `json:"ownerName" binding:"required"`
}

// openOther 按显示名打开他人的信箱，每次创建独立的旁观会话。
func (h *Handler) openOther(c *gin.Context) {
	var input openOtherInput
	if err := c.ShouldBindJSON(&input); err != nil {
		BadRequest(c, "无效的请求参数")
		return
	}

	view, err := h.postbox.OpenOther(c.Request.Context(), middleware.UserID(c), input.OwnerName)
	if err != nil {
		h.writeError(c, err)
		return
	}

	Success(c, view)
}

// getSession 查询会话当前视图
func (h *Handler) getSession(c *gin.Context) {
	handle := session.Handle(c.Param("handle"))

	view, err := h.postbox.SessionView(handle)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if view.ViewerID != middleware.UserID(c) {
		Forbidden(c, "无权访问该会话")
		return
	}

	Success(c, view)
}

// slotEventInput 格子变更请求
type slotEventInput struct {
	Slot  int               `json:"slot"`
	Stack *domain.ItemStack `json:"stack"`
}

// slotEvent 上报会话内一次格子变更（放入、取出或替换）。
func (h *Handler) slotEvent(c *gin.Context) {
	handle := session.Handle(c.Param("handle"))

	view, err := h.postbox.SessionView(handle)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if view.ViewerID != middleware.UserID(c) {
		Forbidden(c, "无权访问该会话")
		return
	}

	var input slotEventInput
	if err := c.ShouldBindJSON(&input); err != nil {
		BadRequest(c, "无效的请求参数")
		return
	}

	if err := h.postbox.SlotEvent(handle, input.Slot, input.Stack); err != nil {
		h.writeError(c, err)
		return
	}

	SuccessWithMsg(c, "已记录", nil)
}

// closeSession 关闭会话并落盘。关闭失败的主人会话保留待重试。
func (h *Handler) closeSession(c *gin.Context) {
	handle := session.Handle(c.Param("handle"))

	view, err := h.postbox.SessionView(handle)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if view.ViewerID != middleware.UserID(c) {
		Forbidden(c, "无权访问该会话")
		return
	}

	if err := h.postbox.Close(c.Request.Context(), handle); err != nil {
		h.writeError(c, err)
		return
	}

	SuccessWithMsg(c, "会话已关闭", nil)
}

// disconnect 关闭当前用户的所有会话（下线清理）。
func (h *Handler) disconnect(c *gin.Context) {
	if err := h.postbox.Disconnect(c.Request.Context(), middleware.UserID(c)); err != nil {
		h.writeError(c, err)
		return
	}
	SuccessWithMsg(c, "所有会话已关闭", nil)
}

// sendInput 投递请求
type sendInput struct {
	OwnerName string            `json:"ownerName" binding:"required"`
	Stack     *domain.ItemStack `json:"stack" binding:"required"`
}

// sendResponse 投递结果
type sendResponse struct {
	Slot int `json:"slot"`
}

// send 向指定显示名的信箱投递一件物品。
func (h *Handler) send(c *gin.Context) {
	var input sendInput
	if err := c.ShouldBindJSON(&input); err != nil {
		BadRequest(c, "无效的请求参数")
		return
	}

	slot, err := h.postbox.Send(c.Request.Context(), middleware.UserID(c), input.OwnerName, input.Stack)
	if err != nil {
		h.writeError(c, err)
		return
	}

	Success(c, sendResponse{Slot: slot})
}

// unreadResponse 未读状态
type unreadResponse struct {
	HasMail   bool `json:"hasMail"`
	ItemCount int  `json:"itemCount"`
}

// unread 查询当前用户信箱中是否有物品（登录提示用）。
func (h *Handler) unread(c *gin.Context) {
	hasMail, count, err := h.postbox.HasMail(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	Success(c, unreadResponse{HasMail: hasMail, ItemCount: count})
}

// writeError 把业务错误映射为统一响应。
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, profile.ErrNameNotFound):
		NotFound(c, "用户不存在")
	case errors.Is(err, service.ErrNotAuthorized):
		Forbidden(c, "没有打开该信箱的权限")
	case errors.Is(err, service.ErrSendThrottled):
		TooManyRequests(c, "投递过于频繁，请稍后再试")
	case errors.Is(err, service.ErrInvalidItem):
		BadRequest(c, "物品不合法")
	case errors.Is(err, session.ErrSessionNotFound):
		NotFound(c, "会话不存在")
	case errors.Is(err, session.ErrSessionNotOpen):
		Conflict(c, "会话已关闭")
	case errors.Is(err, session.ErrReadOnlySession):
		Forbidden(c, "只读会话不允许修改")
	case errors.Is(err, session.ErrOwnerFlushPending):
		Conflict(c, "信箱正在落盘重试，请稍后再试")
	case errors.Is(err, domain.ErrPostboxFull):
		Conflict(c, "信箱已满")
	case errors.Is(err, domain.ErrSlotOutOfRange):
		BadRequest(c, "格子序号超出范围")
	case errors.Is(err, storage.ErrUnavailable):
		Unavailable(c, "存储暂时不可用")
	case errors.Is(err, storage.ErrCorrupt):
		h.log.Error("corrupt postbox record", zap.Error(err))
		InternalError(c, "信箱数据损坏")
	default:
		h.log.Error("unhandled postbox error", zap.Error(err))
		InternalError(c, "服务器内部错误")
	}
}
