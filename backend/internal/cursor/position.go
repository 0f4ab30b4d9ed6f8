package cursor

import (
	"strings"
)

// Position 0 起始，按 rune 计；行以 '\n' 分隔
type Position struct {
	Offset int `json:"offset"`
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Locate 把 offset 换算成行列，越界时钳到 [0, len]
func Locate(content string, offset int) Position {
	if offset < 0 {
		offset = 0
	}
	pos := Position{}
	for _, r := range content {
		if pos.Offset == offset {
			return pos
		}
		pos.Offset++
		if r == '\n' {
			pos.Line++
			pos.Column = 0
		} else {
			pos.Column++
		}
	}
	return pos
}

// Point 相对编辑区域左上角的像素坐标
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Measurer interface {
	Measure(content string, pos Position) Point
}

// Monospace 行高 × 行号、字宽 × 列号的近似，只适用于等宽字体
type Monospace struct {
	LineHeight  float64
	CharWidth   float64
	PaddingTop  float64
	PaddingLeft float64
}

func (m Monospace) Measure(_ string, pos Position) Point {
	return Point{
		X: m.PaddingLeft + float64(pos.Column)*m.CharWidth,
		Y: m.PaddingTop + float64(pos.Line)*m.LineHeight,
	}
}

// Proportional 逐字符累加宽度，Width 由调用方的字体度量提供
type Proportional struct {
	LineHeight  float64
	PaddingTop  float64
	PaddingLeft float64
	Width       func(r rune) float64
}

func (m Proportional) Measure(content string, pos Position) Point {
	line := nthLine(content, pos.Line)
	x := m.PaddingLeft
	col := 0
	for _, r := range line {
		if col == pos.Column {
			break
		}
		if m.Width != nil {
			x += m.Width(r)
		} else {
			x++
		}
		col++
	}
	return Point{X: x, Y: m.PaddingTop + float64(pos.Line)*m.LineHeight}
}

func nthLine(content string, n int) string {
	for i := 0; i < n; i++ {
		idx := strings.IndexByte(content, '\n')
		if idx < 0 {
			return ""
		}
		content = content[idx+1:]
	}
	if idx := strings.IndexByte(content, '\n'); idx >= 0 {
		return content[:idx]
	}
	return content
}
