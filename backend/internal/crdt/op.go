package crdt

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ID 全局唯一的字符标识：Lamport 时钟 + 产生它的站点（一个客户端实例）
type ID struct {
	Clock uint64 `json:"c"`
	Site  string `json:"s"`
}

// Head 表示文档开头，插入的 origin 为 Head 时即插到最前面
var Head = ID{}

func (a ID) IsHead() bool { return a.Clock == 0 && a.Site == "" }

// Less 先比较时钟，时钟相同再比较站点，得到一个全序
func (a ID) Less(b ID) bool {
	if a.Clock != b.Clock {
		return a.Clock < b.Clock
	}
	return a.Site < b.Site
}

func (a ID) String() string { return fmt.Sprintf("%d@%s", a.Clock, a.Site) }

type OpKind string

const (
	OpInsert OpKind = "ins"
	OpDelete OpKind = "del"
)

// Op 是在网络上传递的最小操作单元
// - insert: ID 为新字符的标识，Origin 为插入时左侧字符的标识
// - delete: ID 为被删除字符的标识
type Op struct {
	Kind   OpKind `json:"k"`
	ID     ID     `json:"id"`
	Origin ID     `json:"o"`
	Value  string `json:"v,omitempty"` // 单个 rune
}

// Update 是一次本地编辑产生的一组操作，也是副本之间交换的增量
type Update struct {
	Ops []Op `json:"ops"`
}

func (u Update) Empty() bool { return len(u.Ops) == 0 }

var (
	ErrInvalidOp       = errors.New("INVALID_OP")
	ErrPositionOutside = errors.New("POSITION_OUT_OF_RANGE")
)

func (op Op) validate() error {
	if op.ID.IsHead() {
		return fmt.Errorf("%w: missing id", ErrInvalidOp)
	}
	switch op.Kind {
	case OpInsert:
		if utf8.RuneCountInString(op.Value) != 1 {
			return fmt.Errorf("%w: insert %s carries %q", ErrInvalidOp, op.ID, op.Value)
		}
	case OpDelete:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOp, op.Kind)
	}
	return nil
}
