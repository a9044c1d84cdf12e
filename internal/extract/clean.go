package extract

import (
	"strings"
	"unicode"
)

// Clean normalizes raw page text: control characters are dropped, lines
// wrapped mid-paragraph are joined (removing end-of-line hyphenation), runs
// of whitespace collapse to one space, and blank-line paragraph breaks are
// kept as "\n\n".
func Clean(raw string) string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\r", "\n")
	raw = stripControl(raw)

	paragraphs := splitParagraphs(raw)
	out := make([]string, 0, len(paragraphs))
	for _, p := range paragraphs {
		if joined := joinLines(p); joined != "" {
			out = append(out, joined)
		}
	}
	return strings.Join(out, "\n\n")
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n':
			return r
		case r == '\t', r == '\f', r == '\v', r == ' ':
			return ' '
		case r == '\u00ad': // soft hyphen
			return -1
		case unicode.IsControl(r), r == unicode.ReplacementChar:
			return -1
		}
		return r
	}, s)
}

// splitParagraphs splits on lines that are empty after trimming.
func splitParagraphs(s string) [][]string {
	var paras [][]string
	var cur []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if len(cur) > 0 {
				paras = append(paras, cur)
				cur = nil
			}
			continue
		}
		cur = append(cur, line)
	}
	if len(cur) > 0 {
		paras = append(paras, cur)
	}
	return paras
}

func joinLines(lines []string) string {
	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			prev := b.String()
			if dehyphenate(prev, line) {
				s := prev[:len(prev)-1]
				b.Reset()
				b.WriteString(s)
			} else {
				b.WriteByte(' ')
			}
		}
		b.WriteString(line)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// dehyphenate reports whether prev ends with a word broken by a hyphen
// that continues in next with a lowercase letter.
func dehyphenate(prev, next string) bool {
	if len(prev) < 2 || prev[len(prev)-1] != '-' {
		return false
	}
	before := []rune(prev[:len(prev)-1])
	if !unicode.IsLetter(before[len(before)-1]) {
		return false
	}
	first := []rune(next)[0]
	return unicode.IsLower(first)
}
