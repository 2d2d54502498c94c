package transfer

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"standby/pkg/core"
	"standby/pkg/faults"
	"standby/pkg/protocol"
	"standby/pkg/types"
)

// VerifySegment 校验收到的 Segment：Hash 一致、大小不超限、能被解码
func VerifySegment(id types.Hash, data []byte) (*core.Segment, error) {
	if got := core.CalculateBlobHash(data); got != id {
		return nil, faults.Integrity(id, fmt.Errorf("hash mismatch, got %s", got.Short()))
	}
	seg, err := core.DecodeSegment(data)
	if err != nil {
		return nil, faults.Integrity(id, err)
	}
	return seg, nil
}

// BlobWriter 是 Blob 最终落盘的目标
type BlobWriter interface {
	WriteBlob(ctx context.Context, id types.Hash, r io.Reader) error
}

// Assembler 把一个 Blob 的分片拼到存储外的临时文件里。
// 只有最后一片到达且长度和 Hash 都对上，Commit 才会把它交给存储。
type Assembler struct {
	id       types.Hash
	expected int64 // 引用方声明的长度，-1 表示未知
	dir      string

	spool    *os.File
	hasher   hash.Hash
	received uint64
	total    uint64
	started  bool
	done     bool
}

// NewAssembler 创建组装器，spool 文件放在 dir 下 (空字符串表示系统临时目录)
func NewAssembler(dir string, id types.Hash, expectedSize int64) *Assembler {
	return &Assembler{
		id:       id,
		expected: expectedSize,
		dir:      dir,
		hasher:   sha256.New(),
	}
}

// Add 追加一个分片，返回 Blob 是否已完整
func (a *Assembler) Add(c protocol.BlobChunkReply) (bool, error) {
	if a.done {
		return true, faults.Integrity(a.id, errors.New("chunk after last"))
	}
	if c.ID != a.id {
		return false, faults.Integrity(a.id, fmt.Errorf("chunk for unexpected id %s", c.ID.Short()))
	}
	if c.Offset != a.received {
		return false, faults.Integrity(a.id, fmt.Errorf("out of sequence chunk: offset %d, expected %d", c.Offset, a.received))
	}

	// 1. 第一片确定总长度，之后每一片都必须一致
	if !a.started {
		if a.expected >= 0 && c.Total != uint64(a.expected) {
			return false, faults.Integrity(a.id, fmt.Errorf("declared length %d, referenced as %d", c.Total, a.expected))
		}
		f, err := os.CreateTemp(a.dir, "standby-blob-*")
		if err != nil {
			return false, err
		}
		a.spool = f
		a.total = c.Total
		a.started = true
	} else if c.Total != a.total {
		return false, faults.Integrity(a.id, fmt.Errorf("declared length changed from %d to %d", a.total, c.Total))
	}

	if a.received+uint64(len(c.Data)) > a.total {
		return false, faults.Integrity(a.id, fmt.Errorf("chunk overruns declared length %d", a.total))
	}

	// 2. 写入 spool，同时增量计算 Hash
	if _, err := a.spool.Write(c.Data); err != nil {
		return false, err
	}
	a.hasher.Write(c.Data)
	a.received += uint64(len(c.Data))

	if !c.Last {
		return false, nil
	}

	// 3. 最后一片：长度和 Hash 都要对上
	if a.received != a.total {
		return false, faults.Integrity(a.id, fmt.Errorf("received %d bytes, declared %d", a.received, a.total))
	}
	if got := types.HashFromSum(a.hasher.Sum(nil)); got != a.id {
		return false, faults.Integrity(a.id, fmt.Errorf("hash mismatch, got %s", got.Short()))
	}
	a.done = true
	return true, nil
}

// Received 返回已经收到的字节数
func (a *Assembler) Received() uint64 { return a.received }

// Commit 把校验过的 Blob 交给存储。调用方仍需 Discard 清理 spool。
func (a *Assembler) Commit(ctx context.Context, w BlobWriter) error {
	if !a.done {
		return fmt.Errorf("blob %s is incomplete (%d/%d bytes)", a.id.Short(), a.received, a.total)
	}
	if _, err := a.spool.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return w.WriteBlob(ctx, a.id, a.spool)
}

// Discard 删除 spool 文件，可以重复调用
func (a *Assembler) Discard() {
	if a.spool == nil {
		return
	}
	a.spool.Close()
	os.Remove(a.spool.Name())
	a.spool = nil
}
