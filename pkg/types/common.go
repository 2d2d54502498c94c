// pkg/types/common.go
package types

import (
	"encoding/hex"
	"fmt"
)

// HashLen 是十六进制 SHA-256 字符串的长度
const HashLen = 64

// Hash 代表内容的唯一标识符 (SHA256 Hex String)
// Segment 和 Blob 共用这一个 ID 空间：相同的 Hash 一定对应完全相同的字节。
type Hash string

func (h Hash) String() string { return string(h) }

func (h Hash) IsZero() bool { return h == "" }

// IsValid 检查长度以及是否为小写 hex
func (h Hash) IsValid() bool {
	if len(h) != HashLen {
		return false
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Short 返回前 8 位，用于日志
func (h Hash) Short() string {
	if len(h) <= 8 {
		return string(h)
	}
	return string(h[:8])
}

// ParseHash 校验并转换外部输入 (CLI 参数、线上收到的字段)
func ParseHash(s string) (Hash, error) {
	h := Hash(s)
	if !h.IsValid() {
		return "", fmt.Errorf("invalid content id %q", s)
	}
	return h, nil
}

// HashFromSum 把 sha256 的原始摘要转成 Hash
func HashFromSum(sum []byte) Hash {
	return Hash(hex.EncodeToString(sum))
}
