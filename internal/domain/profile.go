package domain

import "time"

// Profile 表示一个用户的身份档案，用于把显示名解析为稳定的所有者 ID。
//
// 显示名可能随时变化，所有者 ID（UUID）才是信箱记录的主键。
type Profile struct {
	OwnerID    string    `json:"ownerId" gorm:"primaryKey;type:varchar(36)"`
	Name       string    `json:"name" gorm:"type:varchar(100);uniqueIndex"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}
