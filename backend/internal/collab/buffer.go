package collab

import (
	"unicode/utf8"

	"collabClient/backend/internal/ot/delta"
)

// 抽象文档内容缓冲区接口，Document 只通过它修改文本
type Buffer interface {
	Len() int
	Apply(d delta.Delta) error
	String() string
	Reset(content string)
}

const (
	BufferPieceTable = "piece_table"
	BufferString     = "string"
)

// NewBuffer 按配置选择实现，默认 piece table
func NewBuffer(kind, content string) Buffer {
	if kind == BufferString {
		return &stringBuffer{text: content}
	}
	return NewPieceTable(content)
}

// stringBuffer 直接用 delta.Apply 回放，文本小的时候足够
type stringBuffer struct {
	text string
}

func (b *stringBuffer) Len() int              { return utf8.RuneCountInString(b.text) }
func (b *stringBuffer) String() string        { return b.text }
func (b *stringBuffer) Reset(content string)  { b.text = content }

func (b *stringBuffer) Apply(d delta.Delta) error {
	if err := delta.Validate(d, b.Len()); err != nil {
		return err
	}
	b.text = delta.Apply(b.text, d)
	return nil
}

/*
piece table 结构示例

初始文档内容 `"Hello world"`：
[ (orig, offset=0, length=11) ]

在位置 5 插入 `" collaborative"`，add buffer 追加文本，piece 拆成三段：
[
  (orig, offset=0, length=5),       // "Hello"
  (add,  offset=0, length=14),      // " collaborative"
  (orig, offset=5, length=6),       // " world"
]
*/
