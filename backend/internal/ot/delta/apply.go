package delta

import "strings"

// Apply 纯函数：按 op 顺序回放到 text 上。
// retain/delete 超出文本长度时截断而不是报错，是否越界由 Validate 判断。
func Apply(text string, d Delta) string {
	src := []rune(text)
	var out strings.Builder
	out.Grow(len(text))

	pos := 0
	for _, op := range d {
		switch op.Kind {
		case KindRetain:
			end := clamp(pos+op.Count, pos, len(src))
			out.WriteString(string(src[pos:end]))
			pos = end
		case KindInsert:
			out.WriteString(op.Text)
		case KindDelete:
			pos = clamp(pos+op.Count, pos, len(src))
		}
	}
	// 隐式的末尾 retain
	out.WriteString(string(src[pos:]))
	return out.String()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
