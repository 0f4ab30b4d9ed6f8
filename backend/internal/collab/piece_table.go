package collab

import (
	"strings"

	"collabClient/backend/internal/ot/delta"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	buf    bufferKind
	offset int
	length int
}

// PieceTable 以 rune 为单位的 piece table，插入只追加到 add buffer
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
	length   int
}

func NewPieceTable(initial string) *PieceTable {
	pt := &PieceTable{}
	pt.Reset(initial)
	return pt
}

// Reset 整体替换内容（全量同步时使用），旧的 add buffer 一并丢弃
func (pt *PieceTable) Reset(content string) {
	r := []rune(content)
	pt.original = r
	pt.add = nil
	pt.pieces = nil
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	pt.length = len(r)
}

func (pt *PieceTable) Len() int { return pt.length }

func (pt *PieceTable) String() string {
	var sb strings.Builder
	for _, p := range pt.pieces {
		sb.WriteString(string(pt.source(p)[p.offset : p.offset+p.length]))
	}
	return sb.String()
}

// Apply 先整体校验，越界的 batch 不会只应用一半
func (pt *PieceTable) Apply(d delta.Delta) error {
	if err := delta.Validate(d, pt.length); err != nil {
		return err
	}
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
		case delta.KindInsert:
			text := []rune(op.Text)
			if len(text) == 0 {
				continue
			}
			np := piece{buf: bufAdd, offset: len(pt.add), length: len(text)}
			pt.add = append(pt.add, text...)
			idx := pt.splitAt(pos)
			pt.pieces = append(pt.pieces[:idx], append([]piece{np}, pt.pieces[idx:]...)...)
			pt.length += len(text)
			pos += len(text)
		case delta.KindDelete:
			if op.Count <= 0 {
				continue
			}
			from := pt.splitAt(pos)
			to := pt.splitAt(pos + op.Count)
			pt.pieces = append(pt.pieces[:from], pt.pieces[to:]...)
			pt.length -= op.Count
		}
	}
	return nil
}

func (pt *PieceTable) source(p piece) []rune {
	if p.buf == bufAdd {
		return pt.add
	}
	return pt.original
}

// splitAt 保证 pos 落在 piece 边界上，返回从 pos 开始的第一个 piece 下标
func (pt *PieceTable) splitAt(pos int) int {
	cur := 0
	for i, p := range pt.pieces {
		if pos == cur {
			return i
		}
		if pos < cur+p.length {
			off := pos - cur
			left := piece{buf: p.buf, offset: p.offset, length: off}
			right := piece{buf: p.buf, offset: p.offset + off, length: p.length - off}
			pt.pieces = append(pt.pieces[:i], append([]piece{left, right}, pt.pieces[i+1:]...)...)
			return i + 1
		}
		cur += p.length
	}
	return len(pt.pieces)
}
