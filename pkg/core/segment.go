package core

import (
	"errors"
	"fmt"
	"sort"

	"standby/pkg/types"
)

// MaxSegmentSize 是单个 Segment 编码后的上限。
// 大于这个尺寸的数据必须作为 Blob 存储。
const MaxSegmentSize = 256 * 1024

var ErrSegmentTooLarge = errors.New("segment exceeds maximum size")

// BlobLink 描述一个二进制属性对 Blob 的引用
type BlobLink struct {
	Cid  Link  `cbor:"h"`
	Size int64 `cbor:"s"` // Blob 的总长度，接收方用它校验是否被截断
}

// Property 是节点上的一个属性：要么是内联值，要么是 Blob 引用
type Property struct {
	Name  string    `cbor:"n"`
	Value []byte    `cbor:"v,omitempty"`
	Blob  *BlobLink `cbor:"b,omitempty"`
}

// IsBinary 报告属性是否指向 Blob
func (p Property) IsBinary() bool { return p.Blob != nil }

// ChildLink 指向子节点所在的 Segment
type ChildLink struct {
	Name string `cbor:"n"`
	Cid  Link   `cbor:"h"`
}

// Segment 是存储的基本单位：一个节点的属性 + 子节点引用。
// 一旦写入永不修改，只能通过 ID 引用。
type Segment struct {
	hash     types.Hash `cbor:"-"`
	rawBytes []byte     `cbor:"-"`

	TypeVal  ObjectType  `cbor:"t"`
	Props    []Property  `cbor:"p"`
	Children []ChildLink `cbor:"c"`
}

// NewSegment 创建并密封一个 Segment。
// 属性和子节点按名字排序，保证相同内容得到相同 Hash。
func NewSegment(props []Property, children []ChildLink) (*Segment, error) {
	props = append([]Property(nil), props...)
	children = append([]ChildLink(nil), children...)
	sort.Slice(props, func(i, j int) bool { return props[i].Name < props[j].Name })
	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })

	s := &Segment{
		TypeVal:  TypeSegment,
		Props:    props,
		Children: children,
	}
	h, b, err := CalculateHash(s)
	if err != nil {
		return nil, err
	}
	if len(b) > MaxSegmentSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrSegmentTooLarge, len(b))
	}
	s.hash = h
	s.rawBytes = b
	return s, nil
}

// DecodeSegment 从原始字节还原 Segment，ID 由字节本身计算
func DecodeSegment(data []byte) (*Segment, error) {
	if len(data) > MaxSegmentSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrSegmentTooLarge, len(data))
	}
	var s Segment
	if err := DecodeObject(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode segment: %w", err)
	}
	if s.TypeVal != TypeSegment {
		return nil, fmt.Errorf("object is not a segment, got: %q", s.TypeVal)
	}
	s.hash = CalculateBlobHash(data)
	s.rawBytes = data
	return &s, nil
}

func (s *Segment) Type() ObjectType { return TypeSegment }
func (s *Segment) ID() types.Hash   { return s.hash }
func (s *Segment) Bytes() []byte    { return s.rawBytes }

// References 返回这个 Segment 直接依赖的 Segment ID 和 Blob 引用
func (s *Segment) References() (segments []types.Hash, blobs []BlobLink) {
	for _, c := range s.Children {
		segments = append(segments, c.Cid.Hash)
	}
	for _, p := range s.Props {
		if p.Blob != nil {
			blobs = append(blobs, *p.Blob)
		}
	}
	return segments, blobs
}

// Child 按名字查找子节点
func (s *Segment) Child(name string) (types.Hash, bool) {
	for _, c := range s.Children {
		if c.Name == name {
			return c.Cid.Hash, true
		}
	}
	return "", false
}

// Property 按名字查找属性
func (s *Segment) Property(name string) (Property, bool) {
	for _, p := range s.Props {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}
