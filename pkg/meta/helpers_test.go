package meta

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"standby/pkg/types"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// mockHash 生成合法的测试用 Hash
func mockHash(input string) types.Hash {
	sum := sha256.Sum256([]byte(input))
	return types.Hash(hex.EncodeToString(sum[:]))
}

// setupRepo 基于内存 SQLite 搭建测试环境，每个测试一个独立的库
func setupRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	metaDB, err := migrate(db)
	require.NoError(t, err)
	t.Cleanup(func() { metaDB.Close() })
	return NewRepository(metaDB)
}

// mustUpdateRef 强制更新引用，失败则终止
func mustUpdateRef(t *testing.T, repo *Repository, name string, newHash types.Hash, oldVersion int64, msgAndArgs ...any) {
	t.Helper()
	err := repo.UpdateRef(context.Background(), name, newHash, oldVersion)
	require.NoError(t, err, msgAndArgs...)
}
