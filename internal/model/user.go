package model

import "time"

// User 表示目录后台的管理员账号。
type User struct {
	ID        uint      `gorm:"primaryKey"`                     // 用户 ID
	Email     string    `gorm:"type:varchar(191);uniqueIndex"`  // 邮箱（唯一）
	Password  string    `gorm:"not null"`                       // bcrypt 哈希
	Role      string    `gorm:"type:varchar(16);default:admin"` // 角色: admin / viewer
	CreatedAt time.Time // 创建时间
}
