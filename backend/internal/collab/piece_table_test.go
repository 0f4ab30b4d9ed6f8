package collab

import (
	"errors"
	"math/rand"
	"testing"

	"collabClient/backend/internal/ot/delta"
)

func TestPieceTable_BasicString(t *testing.T) {
	pt := NewPieceTable("Hello world")
	if got := pt.String(); got != "Hello world" {
		t.Fatalf("String() = %q, want %q", got, "Hello world")
	}
	if gotLen := pt.Len(); gotLen != len([]rune("Hello world")) {
		t.Fatalf("Len() = %d, want %d", gotLen, len([]rune("Hello world")))
	}
}

func TestPieceTable_InsertMiddle(t *testing.T) {
	pt := NewPieceTable("Hello world")

	d := delta.Delta{
		{Kind: delta.KindRetain, Count: 5},               // 跳过 "Hello"
		{Kind: delta.KindInsert, Text: " collaborative"}, // 在 pos=5 插入
	}
	if err := pt.Apply(d); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	want := "Hello collaborative world"
	if got := pt.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestPieceTable_DeleteAcrossPieces(t *testing.T) {
	pt := NewPieceTable("Hello world")
	_ = pt.Apply(delta.Delta{delta.Retain(5), delta.Insert(" collaborative")})

	// 删除 "o collaborative w"，跨越三个 piece
	if err := pt.Apply(delta.Delta{delta.Retain(4), delta.Delete(17)}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got, want := pt.String(), "Hellorld"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	if got, want := pt.Len(), 8; got != want {
		t.Fatalf("Len() = %d, want %d", got, want)
	}
}

func TestPieceTable_OverflowLeavesContentUntouched(t *testing.T) {
	pt := NewPieceTable("abc")
	err := pt.Apply(delta.Delta{delta.Insert("x"), delta.Retain(2), delta.Delete(5)})
	if !errors.Is(err, delta.ErrSpanOverflow) {
		t.Fatalf("Apply() error = %v, want ErrSpanOverflow", err)
	}
	if got := pt.String(); got != "abc" {
		t.Fatalf("String() = %q, want %q", got, "abc")
	}
}

func TestPieceTable_Reset(t *testing.T) {
	pt := NewPieceTable("old")
	_ = pt.Apply(delta.Delta{delta.Insert(">> ")})
	pt.Reset("")
	if pt.Len() != 0 || pt.String() != "" {
		t.Fatalf("after Reset(\"\") = %q (len %d)", pt.String(), pt.Len())
	}
	_ = pt.Apply(delta.Delta{delta.Insert("new")})
	if got := pt.String(); got != "new" {
		t.Fatalf("String() = %q, want %q", got, "new")
	}
}

// piece table 与纯函数 delta.Apply 的结果必须一致
func TestBuffers_MatchPureApply(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	words := []string{"", "a", "hello", "héllo wörld", "line1\nline2"}
	for _, kind := range []string{BufferPieceTable, BufferString} {
		text := "seed text"
		buf := NewBuffer(kind, text)
		for i := 0; i < 200; i++ {
			next := words[rng.Intn(len(words))]
			r := []rune(text)
			cut := rng.Intn(len(r) + 1)
			// 替换 [cut, end) 这一段，文本长度保持有界
			end := cut + rng.Intn(len(r)-cut+1)
			next = string(r[:cut]) + next + string(r[end:])
			d := delta.Generate(text, next)
			if err := buf.Apply(d); err != nil {
				t.Fatalf("%s: Apply() error = %v", kind, err)
			}
			text = delta.Apply(text, d)
			if got := buf.String(); got != text {
				t.Fatalf("%s: String() = %q, want %q", kind, got, text)
			}
			if buf.Len() != len([]rune(text)) {
				t.Fatalf("%s: Len() = %d, want %d", kind, buf.Len(), len([]rune(text)))
			}
		}
	}
}
