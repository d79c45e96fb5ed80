package collab

import (
	"fmt"
	"strings"

	"collabSession/backend/internal/ot/delta"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	// 从 original 还是 add 上截取
	buf    bufferKind
	offset int
	length int
}

// PieceTable 是编辑器侧的文本缓冲区，和副本里的 CRDT 文本保持一致
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) String() string {
	var sb strings.Builder
	for _, p := range pt.pieces {
		sb.WriteString(string(pt.source(p.buf)[p.offset : p.offset+p.length]))
	}
	return sb.String()
}

func (pt *PieceTable) source(k bufferKind) []rune {
	if k == bufAdd {
		return pt.add
	}
	return pt.original
}

// Apply 按 retain/insert/delete 从左到右扫描一次 delta。
// 越界的 retain/delete 直接报错，缓冲区不做任何修改
func (pt *PieceTable) Apply(d delta.Delta) error {
	if err := checkBounds(d, pt.Len()); err != nil {
		return err
	}
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
		case delta.KindInsert:
			pos += pt.insert(pos, op.Text)
		case delta.KindDelete:
			pt.remove(pos, op.Count)
		}
	}
	return nil
}

func checkBounds(d delta.Delta, length int) error {
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
			if op.Count < 0 || pos > length {
				return fmt.Errorf("%w: retain to %d, len %d", ErrDeltaOutOfRange, pos, length)
			}
		case delta.KindInsert:
			n := len([]rune(op.Text))
			pos += n
			length += n
		case delta.KindDelete:
			if op.Count < 0 || pos+op.Count > length {
				return fmt.Errorf("%w: delete [%d,%d), len %d", ErrDeltaOutOfRange, pos, pos+op.Count, length)
			}
			length -= op.Count
		default:
			return fmt.Errorf("%w: unknown kind %q", ErrDeltaOutOfRange, op.Kind)
		}
	}
	return nil
}

// insert 把 text 追加到 add，再在 pos 处把目标 piece 拆成 左/新/右 三段
func (pt *PieceTable) insert(pos int, text string) int {
	r := []rune(text)
	if len(r) == 0 {
		return 0
	}
	np := piece{buf: bufAdd, offset: len(pt.add), length: len(r)}
	pt.add = append(pt.add, r...)

	idx, offset := pt.locate(pos)
	if idx == len(pt.pieces) {
		pt.pieces = append(pt.pieces, np)
		return len(r)
	}
	cur := pt.pieces[idx]
	repl := make([]piece, 0, 3)
	if offset > 0 {
		repl = append(repl, piece{buf: cur.buf, offset: cur.offset, length: offset})
	}
	repl = append(repl, np)
	repl = append(repl, piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset})
	pt.splice(idx, repl)
	return len(r)
}

// remove 从 pos 开始删 n 个字符，跨 piece 时逐段裁剪
func (pt *PieceTable) remove(pos, n int) {
	for n > 0 {
		idx, offset := pt.locate(pos)
		if idx == len(pt.pieces) {
			return
		}
		cur := pt.pieces[idx]
		take := min(n, cur.length-offset)
		repl := make([]piece, 0, 2)
		if offset > 0 {
			repl = append(repl, piece{buf: cur.buf, offset: cur.offset, length: offset})
		}
		if rest := cur.length - offset - take; rest > 0 {
			repl = append(repl, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rest})
		}
		pt.splice(idx, repl)
		n -= take
	}
}

// splice 用 repl 替换下标 idx 处的一个 piece
func (pt *PieceTable) splice(idx int, repl []piece) {
	out := make([]piece, 0, len(pt.pieces)+len(repl))
	out = append(out, pt.pieces[:idx]...)
	out = append(out, repl...)
	out = append(out, pt.pieces[idx+1:]...)
	pt.pieces = out
}

// 根据逻辑位置 pos，找到对应的 piece 下标 idx 和在该 piece 内的偏移 offset
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
