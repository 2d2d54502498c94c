package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"standby/pkg/types"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrRefNotFound      = errors.New("reference not found")
	ErrConcurrentUpdate = errors.New("concurrent update detected (CAS failed)")
)

// Repository 封装所有对 SQL 数据库的操作
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// -----------------------------------------------------------------------------
// 1. 引用管理 (Refs)
// -----------------------------------------------------------------------------

// GetRef 获取引用的当前指向和版本号
func (r *Repository) GetRef(ctx context.Context, name string) (*Ref, error) {
	var ref Ref
	err := r.db.GetConn().WithContext(ctx).
		Where("name = ?", name).
		First(&ref).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRefNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// UpdateRef 原子更新引用 (CAS - Compare And Swap)
// oldVersion: 你之前读到的版本号。如果数据库里现在的版本号不等于这个，说明有人抢先改了，更新失败。
func (r *Repository) UpdateRef(ctx context.Context, name string, newHash types.Hash, oldVersion int64) error {
	return r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 场景 A: 第一次创建 (Create)
		if oldVersion == 0 {
			ref := Ref{
				Name:    name,
				Hash:    newHash.String(),
				Version: 1,
			}
			if err := tx.Create(&ref).Error; err != nil {
				// 兼容性,处理不同数据库(PG与SQLite)的唯一约束错误
				if errors.Is(err, gorm.ErrDuplicatedKey) ||
					strings.Contains(err.Error(), "UNIQUE constraint failed") {
					return ErrConcurrentUpdate
				}
				return fmt.Errorf("failed to create ref: %w", err)
			}
			return nil
		}

		// 场景 B: 更新现有引用 (Update with CAS)
		// SQL: UPDATE refs SET hash = ?, version = version + 1 WHERE name = ? AND version = ?
		result := tx.Model(&Ref{}).
			Where("name = ? AND version = ?", name, oldVersion).
			Updates(map[string]any{
				"hash":       newHash.String(),
				"version":    gorm.Expr("version + 1"),
				"updated_at": time.Now(),
			})
		if result.Error != nil {
			return result.Error
		}

		// 影响行数为 0，说明 version 不匹配（被人抢先改了）
		if result.RowsAffected == 0 {
			return ErrConcurrentUpdate
		}
		return nil
	})
}

// -----------------------------------------------------------------------------
// 2. HEAD 历史 (History)
// -----------------------------------------------------------------------------

// RecordHead 追加一条 HEAD 前进记录，stats 会被序列化成 JSON
func (r *Repository) RecordHead(ctx context.Context, ref string, hash, previous types.Hash, stats any) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}
	rec := HeadRecord{
		Ref:      ref,
		Hash:     hash.String(),
		Previous: previous.String(),
		Stats:    datatypes.JSON(raw),
	}
	if err := r.db.GetConn().WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to record head: %w", err)
	}
	return nil
}

// ListHeads 按时间倒序返回最近 limit 条记录
func (r *Repository) ListHeads(ctx context.Context, ref string, limit int) ([]HeadRecord, error) {
	var recs []HeadRecord
	err := r.db.GetConn().WithContext(ctx).
		Where("ref = ?", ref).
		Order("id DESC").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}
