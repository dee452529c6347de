package httptransport

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"postbox/backend/internal/auth/jwt"
	"postbox/backend/internal/service"
)

// AuthHandler 令牌签发逻辑。游戏网关用共享密钥为在线用户换取 JWT，
// 之后所有信箱操作都凭该令牌进行。
type AuthHandler struct {
	tokens     *jwt.Manager
	postbox    *service.PostBoxService
	gatewayKey string
	log        *zap.Logger
}

// NewAuthHandler 创建认证处理器。
func NewAuthHandler(tokens *jwt.Manager, postbox *service.PostBoxService, gatewayKey string, log *zap.Logger) *AuthHandler {
	return &AuthHandler{
		tokens:     tokens,
		postbox:    postbox,
		gatewayKey: gatewayKey,
		log:        log,
	}
}

// tokenInput 换取令牌请求
type tokenInput struct {
	GatewayKey string `json:"gatewayKey" binding:"required"`
	UserID     string `json:"userId" binding:"required"`
	Name       string `json:"name" binding:"required"`
}

// tokenResponse 令牌响应
type tokenResponse struct {
	Token string `json:"token"`
}

// IssueToken 用网关共享密钥为指定用户签发访问令牌，并刷新其名字档案。
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var input tokenInput
	if err := c.ShouldBindJSON(&input); err != nil {
		BadRequest(c, "无效的请求参数")
		return
	}

	if subtle.ConstantTimeCompare([]byte(input.GatewayKey), []byte(h.gatewayKey)) != 1 {
		h.log.Warn("gateway key mismatch", zap.String("ip", c.ClientIP()))
		Unauthorized(c, "网关密钥错误")
		return
	}

	if _, err := uuid.Parse(input.UserID); err != nil {
		BadRequest(c, "用户ID必须是合法的UUID")
		return
	}

	token, err := h.tokens.Generate(input.UserID, input.Name)
	if err != nil {
		h.log.Error("failed to generate token", zap.Error(err))
		InternalError(c, "令牌签发失败")
		return
	}

	h.postbox.TouchProfile(c.Request.Context(), input.UserID, input.Name)

	Success(c, tokenResponse{Token: token})
}
