package crdt

import (
	"fmt"
	"strings"
)

/*
Doc 是一个 RGA（Replicated Growable Array）文本序列：

  - 每个字符带一个全局唯一 ID，插入时记录左邻居 origin
  - 整合插入：从 origin 后面开始，跳过所有 ID 比自己大的字符，再放下自己
  - 删除只打墓碑（deleted=true），字符本身保留，供之后的插入做 origin

示例：两个站点同时在 "ab" 的 a 后面插入

	site x: 插入 X，ID=3@x，origin=1@s
	site y: 插入 Y，ID=3@y，origin=1@s

两边整合后都是 "aYXb"（3@y > 3@x，大的排在前面），与到达顺序无关。
*/
type Doc struct {
	site  string
	clock uint64

	elems []element
	seen  map[ID]struct{}

	// 目标字符还没到达的删除
	tombs map[ID]struct{}
	// origin 还没到达的插入
	pending []Op

	version uint64
}

type element struct {
	id      ID
	value   rune
	deleted bool
}

// Change 描述一次整合在可见文本上的效果，用于驱动编辑器缓冲区
type Change struct {
	Kind OpKind
	Pos  int
	Text string
}

func New(site string) *Doc {
	return &Doc{
		site:  site,
		seen:  make(map[ID]struct{}),
		tombs: make(map[ID]struct{}),
	}
}

// Seed 用模板生成一份种子增量。种子只在 relay 确认胜出之后才会被应用
func Seed(site, template string) Update {
	d := New(site)
	u, _ := d.Insert(0, template)
	return u
}

func (d *Doc) Site() string    { return d.site }
func (d *Doc) Clock() uint64   { return d.clock }
func (d *Doc) Version() uint64 { return d.version }
func (d *Doc) Pending() int    { return len(d.pending) + len(d.tombs) }

func (d *Doc) Len() int {
	n := 0
	for _, e := range d.elems {
		if !e.deleted {
			n++
		}
	}
	return n
}

func (d *Doc) String() string {
	var sb strings.Builder
	for _, e := range d.elems {
		if !e.deleted {
			sb.WriteRune(e.value)
		}
	}
	return sb.String()
}

// Insert 在可见位置 pos 插入 text，立即整合到本地并返回需要广播的增量
func (d *Doc) Insert(pos int, text string) (Update, error) {
	if pos < 0 || pos > d.Len() {
		return Update{}, fmt.Errorf("%w: insert at %d, len %d", ErrPositionOutside, pos, d.Len())
	}
	origin := Head
	if pos > 0 {
		origin = d.elems[d.indexOfVisible(pos-1)].id
	}
	u := Update{}
	for _, r := range text {
		d.clock++
		op := Op{Kind: OpInsert, ID: ID{Clock: d.clock, Site: d.site}, Origin: origin, Value: string(r)}
		d.integrate(op)
		u.Ops = append(u.Ops, op)
		origin = op.ID
	}
	return u, nil
}

// Delete 删除可见位置 [pos, pos+n) 的字符
func (d *Doc) Delete(pos, n int) (Update, error) {
	if n <= 0 {
		return Update{}, nil
	}
	if pos < 0 || pos+n > d.Len() {
		return Update{}, fmt.Errorf("%w: delete [%d,%d), len %d", ErrPositionOutside, pos, pos+n, d.Len())
	}
	idx := d.indexOfVisible(pos)
	u := Update{}
	for removed := 0; removed < n; idx++ {
		e := &d.elems[idx]
		if e.deleted {
			continue
		}
		e.deleted = true
		d.version++
		u.Ops = append(u.Ops, Op{Kind: OpDelete, ID: e.id})
		removed++
	}
	return u, nil
}

// Apply 合并远端增量。合并满足交换律、结合律和幂等：
// 重复投递的操作会被忽略，依赖尚未到达的操作先挂起，等依赖到达后再整合
func (d *Doc) Apply(u Update) ([]Change, error) {
	for _, op := range u.Ops {
		if err := op.validate(); err != nil {
			return nil, err
		}
	}
	var changes []Change
	for _, op := range u.Ops {
		switch op.Kind {
		case OpInsert:
			changes = append(changes, d.applyInsert(op)...)
		case OpDelete:
			if c, ok := d.applyDelete(op); ok {
				changes = append(changes, c)
			}
		}
	}
	return changes, nil
}

func (d *Doc) applyInsert(op Op) []Change {
	if _, ok := d.seen[op.ID]; ok {
		return nil
	}
	if !d.ready(op) {
		d.park(op)
		return nil
	}
	var changes []Change
	if c, ok := d.integrate(op); ok {
		changes = append(changes, c)
	}
	// 新字符可能是挂起操作的 origin，反复扫描直到没有进展
	for progress := true; progress; {
		progress = false
		rest := d.pending[:0]
		for _, p := range d.pending {
			if _, ok := d.seen[p.ID]; ok {
				progress = true
				continue
			}
			if d.ready(p) {
				if c, ok := d.integrate(p); ok {
					changes = append(changes, c)
				}
				progress = true
				continue
			}
			rest = append(rest, p)
		}
		d.pending = rest
	}
	return changes
}

func (d *Doc) applyDelete(op Op) (Change, bool) {
	if _, ok := d.seen[op.ID]; !ok {
		d.tombs[op.ID] = struct{}{}
		return Change{}, false
	}
	idx := d.indexOf(op.ID)
	if d.elems[idx].deleted {
		return Change{}, false
	}
	pos := d.visibleBefore(idx)
	d.elems[idx].deleted = true
	d.version++
	return Change{Kind: OpDelete, Pos: pos}, true
}

func (d *Doc) ready(op Op) bool {
	if op.Origin.IsHead() {
		return true
	}
	_, ok := d.seen[op.Origin]
	return ok
}

func (d *Doc) park(op Op) {
	for _, p := range d.pending {
		if p.ID == op.ID {
			return
		}
	}
	d.pending = append(d.pending, op)
}

// integrate 把 origin 已知的插入放到确定的位置；ok=false 表示字符插入时已经被删除
func (d *Doc) integrate(op Op) (Change, bool) {
	idx := 0
	if !op.Origin.IsHead() {
		idx = d.indexOf(op.Origin) + 1
	}
	for idx < len(d.elems) && op.ID.Less(d.elems[idx].id) {
		idx++
	}

	_, deleted := d.tombs[op.ID]
	delete(d.tombs, op.ID)

	r := []rune(op.Value)[0]
	d.elems = append(d.elems, element{})
	copy(d.elems[idx+1:], d.elems[idx:])
	d.elems[idx] = element{id: op.ID, value: r, deleted: deleted}

	d.seen[op.ID] = struct{}{}
	if op.ID.Clock > d.clock {
		d.clock = op.ID.Clock
	}
	d.version++
	if deleted {
		d.version++
		return Change{}, false
	}
	return Change{Kind: OpInsert, Pos: d.visibleBefore(idx), Text: op.Value}, true
}

func (d *Doc) indexOf(id ID) int {
	for i, e := range d.elems {
		if e.id == id {
			return i
		}
	}
	return -1
}

// 第 pos 个可见字符在 elems 中的下标
func (d *Doc) indexOfVisible(pos int) int {
	n := 0
	for i, e := range d.elems {
		if e.deleted {
			continue
		}
		if n == pos {
			return i
		}
		n++
	}
	return len(d.elems)
}

func (d *Doc) visibleBefore(idx int) int {
	n := 0
	for _, e := range d.elems[:idx] {
		if !e.deleted {
			n++
		}
	}
	return n
}
