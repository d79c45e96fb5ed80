package collab

import (
	"collabSession/backend/internal/ot/delta"
)

// 编辑器内容缓冲区接口
type Buffer interface {
	Len() int
	Apply(d delta.Delta) error
	String() string
}

/*
PieceTable 结构示例

初始模板 `def solve():`：

- original = `def solve():`
- add 为空
- piece 表：

	[ (orig, offset=0, length=12) ]

对端在位置 12 插入 `\n    pass`，CRDT 整合后换算成 delta [retain 12, insert "\n    pass"]：

- add = `\n    pass`
- piece 表：

	[
	  (orig, offset=0, length=12),  // "def solve():"
	  (add,  offset=0, length=9),   // "\n    pass"
	]
*/
