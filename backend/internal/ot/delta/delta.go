package delta

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

type Op struct {
	Kind  Kind           `json:"kind"`            // "retain" / "insert" / "delete"
	Count int            `json:"count,omitempty"` // retain/delete 的长度（按 rune 计）
	Text  string         `json:"text,omitempty"`  // insert 的文本
	Attrs map[string]any `json:"attrs,omitempty"` // 样式属性，代码编辑器里一般为空
}

// Delta 是编辑器一次本地变更的描述，按位置从左到右扫描
// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]
type Delta []Op

// At 构造 "在 pos 处插入 text" 的 delta
func At(pos int, text string) Delta {
	d := make(Delta, 0, 2)
	if pos > 0 {
		d = append(d, Op{Kind: KindRetain, Count: pos})
	}
	return append(d, Op{Kind: KindInsert, Text: text})
}

// Remove 构造 "从 pos 开始删除 n 个字符" 的 delta
func Remove(pos, n int) Delta {
	d := make(Delta, 0, 2)
	if pos > 0 {
		d = append(d, Op{Kind: KindRetain, Count: pos})
	}
	return append(d, Op{Kind: KindDelete, Count: n})
}
