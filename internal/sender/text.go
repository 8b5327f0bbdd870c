package sender

import (
	"html"
	"strings"
)

const (
	markdownV2Special      = "_*[]()~`>#+-=|{}.!\\"
	discordMarkdownSpecial = "\\*_~`|>#-[]()"
)

// EscapeMarkdownV2 escapes every character Telegram reserves in MarkdownV2.
func EscapeMarkdownV2(s string) string { return escapeSet(s, markdownV2Special) }

// EscapeDiscordMarkdown escapes the characters Discord treats as markdown so
// post text renders literally.
func EscapeDiscordMarkdown(s string) string { return escapeSet(s, discordMarkdownSpecial) }

func escapeSet(s, special string) string {
	if !strings.ContainsAny(s, special) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + len(s)/8)
	for _, r := range s {
		if strings.ContainsRune(special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// FormatText prepares user text for the given parse mode.
func FormatText(s, parseMode string) string {
	switch strings.ToLower(strings.TrimSpace(parseMode)) {
	case ParseModeMarkdownV2:
		return EscapeMarkdownV2(s)
	case ParseModeHTML:
		return html.EscapeString(s)
	case ParseModeMarkdown:
		return EscapeDiscordMarkdown(s)
	default:
		return s
	}
}

// UTF16Len is the length of s in UTF-16 code units, the unit Telegram
// counts message and caption limits in.
func UTF16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16Width(r)
	}
	return n
}

func utf16Width(r rune) int {
	if r >= 0x10000 {
		return 2
	}
	return 1
}

func runeWidth(rune) int { return 1 }

// SplitText splits s into chunks of at most limit runes, preferring newline
// boundaries. Chunks never end inside an HTML tag or on a dangling escape
// backslash.
func SplitText(s string, limit int) []string { return splitText(s, limit, runeWidth) }

// SplitTextUTF16 is SplitText with limit counted in UTF-16 code units.
func SplitTextUTF16(s string, limit int) []string { return splitText(s, limit, utf16Width) }

func splitText(s string, limit int, width func(rune) int) []string {
	rs := []rune(s)
	total := 0
	for _, r := range rs {
		total += width(r)
	}
	if limit <= 0 || total <= limit {
		return []string{s}
	}

	out := make([]string, 0, total/limit+1)
	start := 0
	for start < len(rs) {
		end, n := start, 0
		for end < len(rs) && n+width(rs[end]) <= limit {
			n += width(rs[end])
			end++
		}
		if end == start {
			end++
		}
		window := end - start

		if end < len(rs) {
			// Prefer a newline in the last two thirds of the window.
			for i := end - 1; i > start+window/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}

			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}

			slashes := 0
			for i := end - 1; i >= start && rs[i] == '\\'; i-- {
				slashes++
			}
			if slashes%2 == 1 && end-1 > start {
				end--
			}
		}

		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		if chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	if len(out) == 0 {
		return []string{""}
	}
	return out
}
