package delta

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

var (
	ErrSpanOverflow = errors.New("SPAN_OVERFLOW")
	ErrInvalidOp    = errors.New("INVALID_OP")
)

type Op struct {
	Kind  Kind           `json:"kind"`            // "retain" / "insert" / "delete"
	Count int            `json:"count,omitempty"` // retain/delete 的长度（按 rune 计）
	Text  string         `json:"text,omitempty"`  // insert 的文本
	Attrs map[string]any `json:"attrs,omitempty"` // 样式属性（粗体/颜色等）
}

// 一次编辑对应一个 Delta（OperationBatch）
// 末尾未覆盖的部分视为隐式 retain，不写出来
// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":" world"}]
type Delta []Op

func Retain(n int) Op      { return Op{Kind: KindRetain, Count: n} }
func Insert(s string) Op   { return Op{Kind: KindInsert, Text: s} }
func Delete(n int) Op      { return Op{Kind: KindDelete, Count: n} }
func (o Op) runeLen() int  { return utf8.RuneCountInString(o.Text) }
func (o Op) isEmpty() bool { return (o.Kind == KindInsert && o.Text == "") || (o.Kind != KindInsert && o.Count <= 0) }

// Len 返回这个 op 在自己一侧占的长度：insert 为文本长度，其余为 Count
func (o Op) Len() int {
	if o.Kind == KindInsert {
		return o.runeLen()
	}
	return o.Count
}

// BaseLen 旧文本中被显式消费（retain + delete）的长度
func (d Delta) BaseLen() int {
	n := 0
	for _, op := range d {
		if op.Kind == KindRetain || op.Kind == KindDelete {
			n += op.Count
		}
	}
	return n
}

// TargetLen 应用到长度为 baseLen 的文本之后的新长度
func (d Delta) TargetLen(baseLen int) int {
	n := baseLen
	for _, op := range d {
		switch op.Kind {
		case KindInsert:
			n += op.runeLen()
		case KindDelete:
			n -= op.Count
		}
	}
	return n
}

func (d Delta) IsNoop() bool {
	for _, op := range d {
		if op.Kind != KindRetain && !op.isEmpty() {
			return false
		}
	}
	return true
}

// Validate 检查 batch 是否能完整作用在长度为 length 的文本上
func Validate(d Delta, length int) error {
	if err := CheckOps(d); err != nil {
		return err
	}
	if n := d.BaseLen(); n > length {
		return fmt.Errorf("batch consumes %d of %d: %w", n, length, ErrSpanOverflow)
	}
	return nil
}

// CheckOps 只检查 op 的种类和长度，不看文本长度。Transform 会吞掉非法 op，变换前先检查
func CheckOps(d Delta) error {
	for i, op := range d {
		switch op.Kind {
		case KindRetain, KindDelete:
			if op.Count < 0 {
				return fmt.Errorf("op %d: negative count %d: %w", i, op.Count, ErrInvalidOp)
			}
		case KindInsert:
		default:
			return fmt.Errorf("op %d: unknown kind %q: %w", i, op.Kind, ErrInvalidOp)
		}
	}
	return nil
}

// Normalize 合并相邻同类 op，丢掉空 op 和末尾 retain
func Normalize(d Delta) Delta {
	var b builder
	for _, op := range d {
		b.push(op)
	}
	return b.done()
}

// builder 逐个追加 op，顺手做合并
type builder struct {
	ops Delta
}

func (b *builder) push(op Op) {
	if op.isEmpty() {
		return
	}
	if n := len(b.ops); n > 0 {
		last := &b.ops[n-1]
		if last.Kind == op.Kind && len(last.Attrs) == 0 && len(op.Attrs) == 0 {
			if op.Kind == KindInsert {
				last.Text += op.Text
			} else {
				last.Count += op.Count
			}
			return
		}
	}
	b.ops = append(b.ops, op)
}

func (b *builder) retain(n int)      { b.push(Retain(n)) }
func (b *builder) insert(s string)   { b.push(Insert(s)) }
func (b *builder) delete(n int)      { b.push(Delete(n)) }
func (b *builder) done() Delta {
	for len(b.ops) > 0 && b.ops[len(b.ops)-1].Kind == KindRetain {
		b.ops = b.ops[:len(b.ops)-1]
	}
	if len(b.ops) == 0 {
		return Delta{}
	}
	return b.ops
}
