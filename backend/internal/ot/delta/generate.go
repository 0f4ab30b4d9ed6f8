package delta

// Generate 用公共前缀/公共后缀把 old -> new 的变化描述成 retain/delete/insert。
// 不是最小编辑（不做 LCS），单次按键这种局部修改足够；整段粘贴会得到偏大的 batch。
func Generate(oldText, newText string) Delta {
	if oldText == newText {
		return Delta{}
	}
	o := []rune(oldText)
	n := []rune(newText)

	limit := min(len(o), len(n))
	p := 0
	for p < limit && o[p] == n[p] {
		p++
	}
	// 后缀不能和前缀重叠：p + s <= min(len(old), len(new))
	s := 0
	for s < limit-p && o[len(o)-1-s] == n[len(n)-1-s] {
		s++
	}

	var b builder
	b.retain(p)
	b.delete(len(o) - p - s)
	b.insert(string(n[p : len(n)-s]))
	return b.done()
}
