// Package service 是命令边界：把带显示名、授权与限流语义的用户
// 操作翻译成会话层的调用。会话核心只信任这里做完检查后的参数。
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"postbox/backend/internal/access"
	"postbox/backend/internal/domain"
	"postbox/backend/internal/session"
	"postbox/backend/internal/storage"
)

var (
	// ErrNotAuthorized 观察者没有打开目标信箱所需的能力
	ErrNotAuthorized = errors.New("not authorized to open this postbox")
	// ErrSendThrottled 发送者触发投递限流
	ErrSendThrottled = errors.New("send rate limit exceeded")
	// ErrInvalidItem 待投递物品不合法
	ErrInvalidItem = errors.New("invalid item stack")
)

// Authorizer 授权服务边界（access.Service 实现）。
type Authorizer interface {
	IsAuthorized(ctx context.Context, viewerID, ownerID string, capability access.Capability) (bool, error)
}

// NameResolver 显示名解析边界（profile.Resolver 实现）。
type NameResolver interface {
	Resolve(ctx context.Context, name string) (string, error)
	NameOf(ctx context.Context, ownerID string) (string, error)
	Touch(ctx context.Context, ownerID, name string)
}

// DepositNotifier 接收投递成功的通知，推送给订阅收件人信箱的客户端
// （websocket.Hub 实现）。
type DepositNotifier interface {
	NotifyNewItem(ownerID, senderName string, slot int, stack *domain.ItemStack)
}

// PostBoxService 信箱操作的业务入口。
type PostBoxService struct {
	manager  *session.Manager
	store    storage.RecordRepository
	auth     Authorizer
	resolver NameResolver
	notifier DepositNotifier
	log      *zap.Logger

	sendRate  rate.Limit
	sendBurst int

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter // senderID -> limiter
}

// NewPostBoxService 创建信箱业务服务。
func NewPostBoxService(manager *session.Manager, store storage.RecordRepository, auth Authorizer, resolver NameResolver, sendRate float64, sendBurst int, log *zap.Logger) *PostBoxService {
	return &PostBoxService{
		manager:   manager,
		store:     store,
		auth:      auth,
		resolver:  resolver,
		log:       log,
		sendRate:  rate.Limit(sendRate),
		sendBurst: sendBurst,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// SetNotifier 设置投递通知接收方，不设置则不推送。
func (s *PostBoxService) SetNotifier(n DepositNotifier) {
	s.notifier = n
}

// OpenOwn 打开用户自己的信箱。
func (s *PostBoxService) OpenOwn(ctx context.Context, userID string) (session.View, error) {
	return s.manager.OpenOwn(ctx, userID)
}

// OpenOther 按显示名打开他人的信箱。
//
// 先解析名称，再查询授权：read 能力是最低要求，write 能力决定
// 访客是否能修改容器。未授权返回 ErrNotAuthorized。
func (s *PostBoxService) OpenOther(ctx context.Context, viewerID, ownerName string) (session.View, error) {
	ownerID, err := s.resolver.Resolve(ctx, ownerName)
	if err != nil {
		return session.View{}, err
	}

	canRead, err := s.auth.IsAuthorized(ctx, viewerID, ownerID, access.CapabilityRead)
	if err != nil {
		return session.View{}, fmt.Errorf("authorize %s for %s: %w", viewerID, ownerID, err)
	}
	if !canRead {
		return session.View{}, ErrNotAuthorized
	}
	canWrite, err := s.auth.IsAuthorized(ctx, viewerID, ownerID, access.CapabilityWrite)
	if err != nil {
		return session.View{}, fmt.Errorf("authorize %s for %s: %w", viewerID, ownerID, err)
	}

	return s.manager.OpenOther(ctx, viewerID, ownerID, canWrite)
}

// Close 关闭句柄对应的会话。
func (s *PostBoxService) Close(ctx context.Context, handle session.Handle) error {
	return s.manager.Close(ctx, handle)
}

// ForceClose 运维强制关闭会话，丢弃未持久化的编辑。
func (s *PostBoxService) ForceClose(handle session.Handle) error {
	return s.manager.ForceClose(handle)
}

// Disconnect 用户断开：刷新档案离线时间并拆除其全部会话。
func (s *PostBoxService) Disconnect(ctx context.Context, userID string) error {
	return s.manager.CloseAllFor(ctx, userID)
}

// SlotEvent 处理界面上报的槽位变更事件。
func (s *PostBoxService) SlotEvent(handle session.Handle, slot int, stack *domain.ItemStack) error {
	return s.manager.Apply(handle, slot, stack)
}

// Send 按显示名向目标用户的信箱投递物品。
//
// 每个发送者受令牌桶限流；目标无需在线。
func (s *PostBoxService) Send(ctx context.Context, senderID, ownerName string, stack *domain.ItemStack) (int, error) {
	if stack == nil || stack.Type == "" || stack.Amount <= 0 {
		return -1, ErrInvalidItem
	}
	if !s.senderLimiter(senderID).Allow() {
		return -1, ErrSendThrottled
	}

	ownerID, err := s.resolver.Resolve(ctx, ownerName)
	if err != nil {
		return -1, err
	}
	slot, err := s.manager.Send(ctx, ownerID, stack)
	if err != nil {
		return slot, err
	}

	s.notifyDeposit(ctx, ownerID, senderID, slot, stack)
	return slot, nil
}

// notifyDeposit 向订阅收件人信箱的客户端推送投递通知。发送者档案
// 缺失时退回其 ID。
func (s *PostBoxService) notifyDeposit(ctx context.Context, ownerID, senderID string, slot int, stack *domain.ItemStack) {
	if s.notifier == nil {
		return
	}
	senderName, err := s.resolver.NameOf(ctx, senderID)
	if err != nil {
		senderName = senderID
	}
	s.notifier.NotifyNewItem(ownerID, senderName, slot, stack.Clone())
}

// SessionView 返回句柄对应会话的快照。
func (s *PostBoxService) SessionView(handle session.Handle) (session.View, error) {
	return s.manager.ViewOf(handle)
}

// Sessions 返回全部在线会话的快照，供运维接口使用。
func (s *PostBoxService) Sessions() []session.View {
	return s.manager.Registry().Views()
}

// HasMail 查询某用户的信箱当前是否有物品（上线提醒）。
//
// 优先读取在线会话的容器，否则读存储记录。
func (s *PostBoxService) HasMail(ctx context.Context, userID string) (bool, int, error) {
	if owner, ok := s.manager.Registry().OwnerSession(userID); ok {
		view, err := s.manager.ViewOf(owner.Handle())
		if err == nil {
			return countItems(view.Slots) > 0, countItems(view.Slots), nil
		}
	}

	record, err := s.store.Load(ctx, userID)
	if err != nil {
		return false, 0, err
	}
	return !record.IsEmpty(), record.ItemCount(), nil
}

// TouchProfile 刷新用户档案（认证请求到达时调用）。
func (s *PostBoxService) TouchProfile(ctx context.Context, userID, name string) {
	if name == "" {
		return
	}
	s.resolver.Touch(ctx, userID, name)
}

// senderLimiter 返回发送者的限流器，首次访问时创建。
func (s *PostBoxService) senderLimiter(senderID string) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()

	limiter, ok := s.limiters[senderID]
	if !ok {
		limiter = rate.NewLimiter(s.sendRate, s.sendBurst)
		s.limiters[senderID] = limiter
	}
	return limiter
}

func countItems(slots []domain.Slot) int {
	n := 0
	for _, slot := range slots {
		if slot != nil {
			n++
		}
	}
	return n
}
