package core

import "standby/pkg/types"

// ObjectType 定义了存储中的对象类型
type ObjectType string

const (
	TypeSegment ObjectType = "segment" // 不可变的记录块，引用其他 Segment / Blob
	TypeBlob    ObjectType = "blob"    // 任意长度的二进制对象 (叶子)
)

// Object 是可以被内容寻址的对象的通用接口
type Object interface {
	Type() ObjectType

	// ID 返回对象的哈希值 (CID)
	ID() types.Hash

	// Bytes 返回对象的序列化数据 (用于存储和传输)
	Bytes() []byte
}
