package format

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var ErrUnknownFormat = errors.New("UNKNOWN_FORMAT")

const (
	Plain      = "plain"
	Screenplay = "screenplay"
	Novel      = "novel"
	Business   = "business"
)

// Strategy 本地编辑在 diff 之前先过一遍排版规则；caret 按 rune 计，返回排版后的位置
type Strategy interface {
	Name() string
	Format(text string, caret int) (string, int)
}

func Lookup(name string) (Strategy, error) {
	switch strings.ToLower(name) {
	case "", Plain:
		return plain{}, nil
	case Screenplay:
		return screenplay{}, nil
	case Novel:
		return novel{}, nil
	case Business:
		return business{}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, name)
}

func Names() []string { return []string{Plain, Screenplay, Novel, Business} }

type plain struct{}

func (plain) Name() string                                { return Plain }
func (plain) Format(text string, caret int) (string, int) { return text, caret }

// screenplay 场景标题（INT. / EXT.）和角色提示（"name:"）整行大写，长度不变
type screenplay struct{}

func (screenplay) Name() string { return Screenplay }

func (screenplay) Format(text string, caret int) (string, int) {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if isSceneHeading(line) || isCharacterCue(line) {
			lines[i] = strings.Map(unicode.ToUpper, line)
		}
	}
	return strings.Join(lines, "\n"), caret
}

func isSceneHeading(line string) bool {
	l := strings.ToLower(strings.TrimSpace(line))
	for _, p := range []string{"int.", "ext.", "int./ext.", "i/e."} {
		if strings.HasPrefix(l, p) {
			return true
		}
	}
	return false
}

func isCharacterCue(line string) bool {
	l := strings.TrimSpace(line)
	name, ok := strings.CutSuffix(l, ":")
	if !ok || name == "" || len([]rune(name)) > 30 {
		return false
	}
	for _, r := range name {
		if !unicode.IsLetter(r) && r != ' ' && r != '.' && r != '\'' {
			return false
		}
	}
	return true
}

// novel "--" 换成破折号，直引号换成弯引号
type novel struct{}

func (novel) Name() string { return Novel }

func (novel) Format(text string, caret int) (string, int) {
	src := []rune(text)
	out := make([]rune, 0, len(src))
	newCaret := -1
	for i := 0; i < len(src); i++ {
		if i == caret {
			newCaret = len(out)
		}
		r := src[i]
		switch {
		case r == '-' && i+1 < len(src) && src[i+1] == '-':
			out = append(out, '—')
			if caret == i+1 {
				newCaret = len(out)
			}
			i++
		case r == '"':
			out = append(out, quote(out, '“', '”'))
		case r == '\'':
			out = append(out, quote(out, '‘', '’'))
		default:
			out = append(out, r)
		}
	}
	if newCaret < 0 {
		newCaret = len(out)
	}
	return string(out), newCaret
}

func quote(prev []rune, open, close rune) rune {
	if len(prev) == 0 {
		return open
	}
	last := prev[len(prev)-1]
	if unicode.IsSpace(last) || strings.ContainsRune("([{—“‘", last) {
		return open
	}
	return close
}

// business 句首字母大写，长度不变
type business struct{}

func (business) Name() string { return Business }

func (business) Format(text string, caret int) (string, int) {
	src := []rune(text)
	start := true
	for i, r := range src {
		switch {
		case unicode.IsLetter(r):
			if start {
				src[i] = unicode.ToUpper(r)
			}
			start = false
		case r == '.' || r == '!' || r == '?' || r == '\n':
			start = true
		case unicode.IsSpace(r):
		default:
			start = false
		}
	}
	return string(src), caret
}
