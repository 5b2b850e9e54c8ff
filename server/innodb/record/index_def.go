package record

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// IndexDef describes one AVL index of a table.
type IndexDef struct {
	Name    string
	Columns []int
	Unique  bool
}

func (d IndexDef) Validate() error {
	if d.Name == "" {
		return errors.New("index without a name")
	}
	if len(d.Columns) == 0 {
		return errors.Errorf("index %s has no columns", d.Name)
	}
	for _, c := range d.Columns {
		if c < 0 || c >= MaxColumns {
			return errors.Errorf("index %s: bad column %d", d.Name, c)
		}
	}
	return nil
}

func (d IndexDef) String() string {
	var b strings.Builder
	b.WriteString(d.Name)
	b.WriteByte('(')
	for i, c := range d.Columns {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(c))
	}
	b.WriteByte(')')
	if d.Unique {
		b.WriteString(" unique")
	}
	return b.String()
}

// RowComparator orders rows within an index.
type RowComparator interface {
	Compare(a, b *Row) int
}

// IndexComparator compares the index columns bytewise, in order. A
// non-unique index breaks ties by position so it stays a strict total order.
type IndexComparator struct {
	def IndexDef
}

var _ RowComparator = (*IndexComparator)(nil)

func NewIndexComparator(def IndexDef) *IndexComparator {
	return &IndexComparator{def: def}
}

func (c *IndexComparator) Compare(a, b *Row) int {
	if cmp := c.CompareKeys(a, b); cmp != 0 || c.def.Unique {
		return cmp
	}
	switch {
	case a.pos < b.pos:
		return -1
	case a.pos > b.pos:
		return 1
	}
	return 0
}

// CompareKeys ignores positions.
func (c *IndexComparator) CompareKeys(a, b *Row) int {
	for _, col := range c.def.Columns {
		if cmp := bytes.Compare(a.Value(col), b.Value(col)); cmp != 0 {
			return cmp
		}
	}
	return 0
}

// CompareKey compares a search key, one value per index column, with row. A
// shorter key compares as a prefix.
func (c *IndexComparator) CompareKey(key [][]byte, row *Row) int {
	for i, col := range c.def.Columns {
		if i >= len(key) {
			return 0
		}
		if cmp := bytes.Compare(key[i], row.Value(col)); cmp != 0 {
			return cmp
		}
	}
	return 0
}

// Key extracts the index columns of row.
func (c *IndexComparator) Key(row *Row) [][]byte {
	key := make([][]byte, len(c.def.Columns))
	for i, col := range c.def.Columns {
		key[i] = row.Value(col)
	}
	return key
}

func (c *IndexComparator) Def() IndexDef {
	return c.def
}

// ParseIndexDefs reads a comma separated list of name:columns[:unique], the
// columns joined by '+', e.g. "pk:0:unique,by_name:1+2".
func ParseIndexDefs(text string) ([]IndexDef, error) {
	var defs []IndexDef
	for _, item := range strings.Split(text, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, errors.Errorf("index %q: want name:columns[:unique]", item)
		}
		def := IndexDef{Name: parts[0]}
		if len(parts) == 3 {
			if parts[2] != "unique" {
				return nil, errors.Errorf("index %q: unknown flag %q", item, parts[2])
			}
			def.Unique = true
		}
		for _, col := range strings.Split(parts[1], "+") {
			c, err := strconv.Atoi(col)
			if err != nil {
				return nil, errors.Wrapf(err, "index %q column", item)
			}
			def.Columns = append(def.Columns, c)
		}
		if err := def.Validate(); err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
