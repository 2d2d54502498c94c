package meta

import (
	"time"

	"gorm.io/datatypes"
)

// Ref 存储一个可变指针 (例如 "HEAD")
type Ref struct {
	// Name 是主键，例如 "HEAD"
	Name string `gorm:"primaryKey;type:varchar(255)"`

	// Hash 指向当前的根 Segment
	Hash string `gorm:"type:char(64);not null"`

	// Version 用于乐观锁并发控制 (CAS)
	// 每次更新时 +1，防止并发覆盖
	Version int64 `gorm:"default:1"`

	UpdatedAt time.Time
}

// HeadRecord 记录每一次 HEAD 前进，用于 `standby log`
type HeadRecord struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	Ref      string `gorm:"index;type:varchar(255);not null"`
	Hash     string `gorm:"type:char(64);not null"`
	Previous string `gorm:"type:varchar(64)"`

	// Stats: 本次同步的统计 (segments / blobs / bytes / duration)
	Stats datatypes.JSON

	CreatedAt time.Time `gorm:"index"`
}

// TableName 强制指定表名
func (HeadRecord) TableName() string {
	return "head_history"
}
