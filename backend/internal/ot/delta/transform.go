package delta

import "math"

// 迭代器耗尽后视为无限长的 retain（隐式末尾 retain）
const infinity = math.MaxInt

type iter struct {
	ops Delta
	i   int
	off int // 当前 op 已经消费的长度
}

func newIter(d Delta) *iter { return &iter{ops: Normalize(d)} }

func (it *iter) hasNext() bool { return it.i < len(it.ops) }

func (it *iter) peekKind() Kind {
	if !it.hasNext() {
		return KindRetain
	}
	return it.ops[it.i].Kind
}

func (it *iter) peekLen() int {
	if !it.hasNext() {
		return infinity
	}
	return it.ops[it.i].Len() - it.off
}

// next 取出当前 op 的前 n 个单位，不足 n 时取完整个剩余部分
func (it *iter) next(n int) Op {
	if !it.hasNext() {
		return Retain(n)
	}
	op := it.ops[it.i]
	from := it.off
	to := op.Len()
	if n < to-from {
		to = from + n
		it.off = to
	} else {
		it.i++
		it.off = 0
	}
	if op.Kind == KindInsert {
		r := []rune(op.Text)
		return Op{Kind: KindInsert, Text: string(r[from:to]), Attrs: op.Attrs}
	}
	return Op{Kind: op.Kind, Count: to - from, Attrs: op.Attrs}
}

// Transform 处理基于同一版本的两个并发 batch。
// 返回的 a2 作用在 Apply(S, b) 之后，b2 作用在 Apply(S, a) 之后，两边结果一致：
//
//	Apply(Apply(S, a), b2) == Apply(Apply(S, b), a2)
//
// 同一位置的两个 insert：aFirst 为 true 时 a 的文本排在前面。
func Transform(a, b Delta, aFirst bool) (Delta, Delta) {
	ia, ib := newIter(a), newIter(b)
	var a2, b2 builder

	for ia.hasNext() || ib.hasNext() {
		if ia.peekKind() == KindInsert && (aFirst || ib.peekKind() != KindInsert) {
			op := ia.next(infinity)
			a2.push(op)
			b2.retain(op.Len())
			continue
		}
		if ib.peekKind() == KindInsert {
			op := ib.next(infinity)
			a2.retain(op.Len())
			b2.push(op)
			continue
		}

		n := min(ia.peekLen(), ib.peekLen())
		opA, opB := ia.next(n), ib.next(n)
		switch {
		case opA.Kind == KindDelete && opB.Kind == KindDelete:
			// 两边删掉的是同一段，都不用再删
		case opA.Kind == KindDelete:
			a2.delete(n)
		case opB.Kind == KindDelete:
			b2.delete(n)
		default:
			a2.retain(n)
			b2.retain(n)
		}
	}
	return a2.done(), b2.done()
}

// TransformIndex 把旧文本里的光标位置映射到应用 d 之后的位置。
// 插入点正好等于 index 时，shiftOnTie 决定光标是否被推到插入文本之后。
func TransformIndex(d Delta, index int, shiftOnTie bool) int {
	pos, out := 0, index
	for _, op := range d {
		if pos > index {
			break
		}
		switch op.Kind {
		case KindRetain:
			pos += op.Count
		case KindInsert:
			if pos < index || (pos == index && shiftOnTie) {
				out += op.runeLen()
			}
		case KindDelete:
			if pos < index {
				out -= min(op.Count, index-pos)
			}
			pos += op.Count
		}
	}
	return max(out, 0)
}

// Invert 生成撤销用的反向 batch，base 是 d 作用之前的文本
func Invert(d Delta, base string) Delta {
	src := []rune(base)
	pos := 0
	var b builder
	for _, op := range d {
		switch op.Kind {
		case KindRetain:
			end := clamp(pos+op.Count, pos, len(src))
			b.retain(end - pos)
			pos = end
		case KindInsert:
			b.delete(op.runeLen())
		case KindDelete:
			end := clamp(pos+op.Count, pos, len(src))
			b.insert(string(src[pos:end]))
			pos = end
		}
	}
	return b.done()
}
