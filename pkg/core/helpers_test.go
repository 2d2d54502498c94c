package core

import (
	"crypto/sha256"
	"testing"

	"standby/pkg/types"

	"github.com/stretchr/testify/require"
)

// mockHash 生成一个合法的 32 字节 Hex 字符串 (64字符长度)
func mockHash(input string) types.Hash {
	sum := sha256.Sum256([]byte(input))
	return types.HashFromSum(sum[:])
}

// mustNewSegment 创建 Segment，如果失败直接终止测试
func mustNewSegment(t *testing.T, props []Property, children []ChildLink, msgAndArgs ...any) *Segment {
	t.Helper()
	s, err := NewSegment(props, children)
	require.NoError(t, err, msgAndArgs...)
	return s
}
