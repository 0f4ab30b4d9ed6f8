package delta

import (
	"encoding/json"
	"errors"
	"math/rand"
	"reflect"
	"testing"
)

func TestGenerate_Scenarios(t *testing.T) {
	cases := []struct {
		name     string
		old, new string
		want     Delta
	}{
		{"append", "hello", "hello world", Delta{Retain(5), Insert(" world")}},
		{"delete tail", "hello world", "hello", Delta{Retain(5), Delete(6)}},
		{"prepend", "world", "hello world", Delta{Insert("hello ")}},
		{"delete head", "hello world", "world", Delta{Delete(6)}},
		{"replace all", "abc", "xyz", Delta{Delete(3), Insert("xyz")}},
		{"replace middle", "the cat sat", "the dog sat", Delta{Retain(4), Delete(3), Insert("dog")}},
		{"repeated char", "aaa", "aaaa", Delta{Retain(3), Insert("a")}},
		{"from empty", "", "abc", Delta{Insert("abc")}},
		{"to empty", "abc", "", Delta{Delete(3)}},
		{"unicode", "héllo", "héllo wörld", Delta{Retain(5), Insert(" wörld")}},
		{"no change", "same", "same", Delta{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Generate(tc.old, tc.new)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Generate(%q, %q) = %v, want %v", tc.old, tc.new, got, tc.want)
			}
			if res := Apply(tc.old, got); res != tc.new {
				t.Fatalf("Apply(%q, %v) = %q, want %q", tc.old, got, res, tc.new)
			}
		})
	}
}

func TestGenerate_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		a := randomText(rng, 12)
		b := randomText(rng, 12)
		d := Generate(a, b)
		if got := Apply(a, d); got != b {
			t.Fatalf("Apply(%q, Generate(%q, %q)) = %q", a, a, b, got)
		}
		if err := Validate(d, len([]rune(a))); err != nil {
			t.Fatalf("Validate(Generate(%q, %q)) error = %v", a, b, err)
		}
	}
}

func TestApply_NoopBatch(t *testing.T) {
	if got := Apply("hello", Delta{}); got != "hello" {
		t.Fatalf("Apply(empty) = %q, want %q", got, "hello")
	}
	if d := Generate("hello", "hello"); len(d) != 0 || !d.IsNoop() {
		t.Fatalf("Generate(A, A) = %v, want empty batch", d)
	}
}

func TestApply_ClampsOverflow(t *testing.T) {
	cases := []struct {
		name string
		d    Delta
		want string
	}{
		{"retain past end", Delta{Retain(10), Insert("!")}, "abc!"},
		{"delete past end", Delta{Retain(1), Delete(10)}, "a"},
		{"negative count", Delta{Retain(-3), Insert("x")}, "xabc"},
	}
	for _, tc := range cases {
		if got := Apply("abc", tc.d); got != tc.want {
			t.Fatalf("%s: Apply() = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(Delta{Retain(3), Delete(2)}, 4); !errors.Is(err, ErrSpanOverflow) {
		t.Fatalf("Validate() error = %v, want ErrSpanOverflow", err)
	}
	if err := Validate(Delta{{Kind: "move", Count: 1}}, 4); !errors.Is(err, ErrInvalidOp) {
		t.Fatalf("Validate() error = %v, want ErrInvalidOp", err)
	}
	if err := Validate(Delta{Retain(2), Insert("zz"), Delete(2)}, 4); err != nil {
		t.Fatalf("Validate() error = %v, want nil", err)
	}
}

func TestCheckOps(t *testing.T) {
	cases := []struct {
		name string
		d    Delta
		ok   bool
	}{
		{"empty", nil, true},
		{"retain past any length", Delta{Retain(99), Insert("x")}, true},
		{"negative retain", Delta{Retain(-3), Insert("x")}, false},
		{"negative delete", Delta{Delete(-1)}, false},
		{"unknown kind", Delta{{Kind: "bogus", Count: 2}}, false},
	}
	for _, tc := range cases {
		err := CheckOps(tc.d)
		if tc.ok && err != nil {
			t.Fatalf("%s: CheckOps() error = %v, want nil", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidOp) {
			t.Fatalf("%s: CheckOps() error = %v, want ErrInvalidOp", tc.name, err)
		}
	}
}

func TestNormalize(t *testing.T) {
	in := Delta{Retain(2), Retain(0), Insert("a"), Insert("b"), Delete(1), Delete(2), Retain(4)}
	want := Delta{Retain(2), Insert("ab"), Delete(3)}
	if got := Normalize(in); !reflect.DeepEqual(got, want) {
		t.Fatalf("Normalize() = %v, want %v", got, want)
	}
}

func TestDelta_JSON(t *testing.T) {
	raw := `[{"kind":"retain","count":5},{"kind":"insert","text":" world"}]`
	var d Delta
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got := Apply("hello", d); got != "hello world" {
		t.Fatalf("Apply() = %q, want %q", got, "hello world")
	}
}

func TestInvert(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 300; i++ {
		base := randomText(rng, 10)
		d := randomDelta(rng, base)
		next := Apply(base, d)
		if got := Apply(next, Invert(d, base)); got != base {
			t.Fatalf("undo of %v on %q = %q, want %q", d, base, got, base)
		}
	}
}

func randomText(rng *rand.Rand, maxLen int) string {
	const alphabet = "abcxyz é"
	r := []rune(alphabet)
	n := rng.Intn(maxLen + 1)
	out := make([]rune, n)
	for i := range out {
		out[i] = r[rng.Intn(len(r))]
	}
	return string(out)
}

// randomDelta 生成多段的 batch，而不只是 Generate 能产出的单区间形式
func randomDelta(rng *rand.Rand, base string) Delta {
	remain := len([]rune(base))
	var d Delta
	for remain > 0 || rng.Intn(3) == 0 {
		switch rng.Intn(3) {
		case 0:
			d = append(d, Insert(randomText(rng, 3)+"+"))
			if remain == 0 {
				return d
			}
		case 1:
			if remain == 0 {
				continue
			}
			n := 1 + rng.Intn(remain)
			d = append(d, Retain(n))
			remain -= n
		default:
			if remain == 0 {
				continue
			}
			n := 1 + rng.Intn(remain)
			d = append(d, Delete(n))
			remain -= n
		}
	}
	return d
}
