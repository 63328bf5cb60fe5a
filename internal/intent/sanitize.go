package intent

import "strings"

// stripFences removes markdown code fence markers, including a language tag
// directly after the opening fence.
func stripFences(text string) string {
	var b strings.Builder
	for {
		idx := strings.Index(text, "```")
		if idx < 0 {
			b.WriteString(text)
			break
		}
		b.WriteString(text[:idx])
		text = text[idx+3:]
		// 去掉紧跟的语言标记，如 ```json
		end := 0
		for end < len(text) && isTagChar(text[end]) {
			end++
		}
		text = text[end:]
	}
	return strings.TrimSpace(b.String())
}

func isTagChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// firstJSONObject returns the first balanced {...} substring, honouring
// string literals and escapes. ok is false when no balanced object exists.
func firstJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	for start >= 0 {
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(text); i++ {
			c := text[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					return text[start : i+1], true
				}
			}
		}
		// 未闭合，尝试下一个起点。
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}
