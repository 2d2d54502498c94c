package transfer

import (
	"context"
	"os"
	"testing"

	"standby/pkg/core"
	"standby/pkg/faults"
	"standby/pkg/protocol"
	"standby/pkg/storage/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySegment(t *testing.T) {
	seg, err := core.NewSegment([]core.Property{{Name: "k", Value: []byte("v")}}, nil)
	require.NoError(t, err)

	got, err := VerifySegment(seg.ID(), seg.Bytes())
	require.NoError(t, err)
	assert.Equal(t, seg.ID(), got.ID())

	corrupted := append([]byte{}, seg.Bytes()...)
	corrupted[len(corrupted)-1] ^= 0xff
	_, err = VerifySegment(seg.ID(), corrupted)
	assert.ErrorIs(t, err, faults.ErrIntegrity)

	// Hash 对得上但不是 Segment
	junk := []byte("not cbor")
	_, err = VerifySegment(core.CalculateBlobHash(junk), junk)
	assert.ErrorIs(t, err, faults.ErrIntegrity)
}

func chunksOf(t *testing.T, data []byte, chunkSize int) []protocol.BlobChunkReply {
	t.Helper()
	store := memory.NewStore()
	id := mustWriteBlob(t, store, data)
	rec := &recorder{}
	_, err := NewSender(store, chunkSize).SendBlob(context.Background(), rec, id)
	require.NoError(t, err)

	var out []protocol.BlobChunkReply
	for _, m := range rec.msgs {
		out = append(out, m.(protocol.BlobChunkReply))
	}
	return out
}

func spoolCount(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return len(entries)
}

func TestAssembler_HappyPath(t *testing.T) {
	dir := t.TempDir()
	data := pattern(1000)
	chunks := chunksOf(t, data, 128)
	id := chunks[0].ID

	asm := NewAssembler(dir, id, int64(len(data)))
	for i, c := range chunks {
		done, err := asm.Add(c)
		require.NoError(t, err)
		assert.Equal(t, i == len(chunks)-1, done)
	}

	target := memory.NewStore()
	require.NoError(t, asm.Commit(context.Background(), target))
	asm.Discard()
	assert.Zero(t, spoolCount(t, dir), "spool 必须被清理")

	rc, size, err := target.ReadBlob(context.Background(), id)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, int64(len(data)), size)
}

func TestAssembler_Faults(t *testing.T) {
	data := pattern(500)
	chunks := chunksOf(t, data, 100)
	id := chunks[0].ID

	tests := []struct {
		name     string
		expected int64
		mutate   func([]protocol.BlobChunkReply) []protocol.BlobChunkReply
	}{
		{"out of sequence", -1, func(c []protocol.BlobChunkReply) []protocol.BlobChunkReply {
			return append([]protocol.BlobChunkReply{c[0]}, c[2:]...)
		}},
		{"total changes", -1, func(c []protocol.BlobChunkReply) []protocol.BlobChunkReply {
			c[2].Total = 600
			return c
		}},
		{"referenced size differs", 499, func(c []protocol.BlobChunkReply) []protocol.BlobChunkReply {
			return c
		}},
		{"truncated last", -1, func(c []protocol.BlobChunkReply) []protocol.BlobChunkReply {
			c[4].Data = c[4].Data[:50]
			return c
		}},
		{"flipped byte", -1, func(c []protocol.BlobChunkReply) []protocol.BlobChunkReply {
			c[3].Data = append([]byte{}, c[3].Data...)
			c[3].Data[7] ^= 0xff
			return c
		}},
		{"wrong id", -1, func(c []protocol.BlobChunkReply) []protocol.BlobChunkReply {
			c[1].ID = core.CalculateBlobHash([]byte("other"))
			return c
		}},
		{"overrun", -1, func(c []protocol.BlobChunkReply) []protocol.BlobChunkReply {
			c[4].Data = append(append([]byte{}, c[4].Data...), 1, 2, 3)
			return c
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			input := tt.mutate(append([]protocol.BlobChunkReply{}, chunks...))

			asm := NewAssembler(dir, id, tt.expected)
			var err error
			for _, c := range input {
				if _, err = asm.Add(c); err != nil {
					break
				}
			}
			require.ErrorIs(t, err, faults.ErrIntegrity)
			assert.Equal(t, id, faults.IDOf(err))

			target := memory.NewStore()
			assert.Error(t, asm.Commit(context.Background(), target), "失败的 Blob 不能提交")
			asm.Discard()
			assert.Zero(t, target.Len())
			assert.Zero(t, spoolCount(t, dir))
		})
	}
}

func TestAssembler_EmptyBlob(t *testing.T) {
	chunks := chunksOf(t, nil, 64)
	require.Len(t, chunks, 1)

	asm := NewAssembler(t.TempDir(), chunks[0].ID, 0)
	defer asm.Discard()
	done, err := asm.Add(chunks[0])
	require.NoError(t, err)
	assert.True(t, done)
	require.NoError(t, asm.Commit(context.Background(), memory.NewStore()))
}
