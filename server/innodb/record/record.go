package record

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xrowcache/server/innodb/basic"
	"github.com/zhukovaskychina/xrowcache/server/innodb/storage/codec"
)

// TombstoneBalance marks a node as deleted.
const TombstoneBalance int8 = -2

// Node is a row's place in one AVL index. Links are row positions.
type Node struct {
	Balance int8
	Left    int64
	Right   int64
	Parent  int64
}

// NewNode 创建没有任何链接的节点
func NewNode() Node {
	return Node{Left: basic.NoPos, Right: basic.NoPos, Parent: basic.NoPos}
}

func (n Node) IsDeleted() bool {
	return n.Balance == TombstoneBalance
}

// Row is a table row with one AVL node per index. Node i of the row at
// position p is the node at p in index i.
type Row struct {
	pos         int64
	storageSize int
	payload     []byte // codec 编码后的列数据

	Nodes  []Node
	Values [][]byte

	changed  bool
	inMemory bool
	keep     bool
}

var _ basic.CachedObject = (*Row)(nil)

// NewRow encodes values through c and sizes the record for scale. The row has
// no position until SetPos and is marked changed.
func NewRow(values [][]byte, indexCount int, c codec.Codec, scale int) (*Row, error) {
	if indexCount <= 0 || indexCount > MaxIndexes {
		return nil, errors.Errorf("invalid index count %d", indexCount)
	}
	if len(values) > MaxColumns {
		return nil, errors.Errorf("too many columns: %d", len(values))
	}
	payload, err := c.Encode(encodeColumns(values))
	if err != nil {
		return nil, errors.Wrap(err, "encode row payload")
	}
	size := recordSize(indexCount, len(payload), scale)
	if size > MaxRecordSize {
		return nil, errors.Errorf("row of %d bytes exceeds %d", size, MaxRecordSize)
	}
	nodes := make([]Node, indexCount)
	for i := range nodes {
		nodes[i] = NewNode()
	}
	return &Row{
		pos:         basic.NoPos,
		storageSize: size,
		payload:     payload,
		Nodes:       nodes,
		Values:      values,
		changed:     true,
	}, nil
}

func (r *Row) GetPos() int64 {
	return r.pos
}

func (r *Row) SetPos(pos int64) {
	r.pos = pos
}

func (r *Row) GetStorageSize() int {
	return r.storageSize
}

func (r *Row) HasChanged() bool {
	return r.changed
}

func (r *Row) SetChanged(changed bool) {
	r.changed = changed
}

func (r *Row) IsInMemory() bool {
	return r.inMemory
}

func (r *Row) SetInMemory(in bool) {
	r.inMemory = in
}

func (r *Row) IsKeepInMemory() bool {
	return r.keep
}

func (r *Row) KeepInMemory(keep bool) bool {
	if !keep && !r.keep {
		return false
	}
	r.keep = keep
	return true
}

// Node returns the row's node in index i.
func (r *Row) Node(i int) *Node {
	return &r.Nodes[i]
}

// IsDeleted reports whether the row is a tombstone in index i.
func (r *Row) IsDeleted(i int) bool {
	return r.Nodes[i].IsDeleted()
}

func (r *Row) Value(col int) []byte {
	if col < 0 || col >= len(r.Values) {
		return nil
	}
	return r.Values[col]
}
