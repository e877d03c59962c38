// Copyright 2024-2026 Aiku AI

// Package telegramfmt makes user-supplied text safe to embed in Telegram
// MarkdownV2 messages.
//
// There are three modes. [Escape] keeps the text visible as-is inside a
// formatted message. [Strip] removes all markup for the plain-text fallback.
// [CleanForMention] produces a short display name that can sit inside a
// `[name](tg://user?id=ID)` link without breaking the link syntax.
package telegramfmt

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// Placeholder replaces names that are empty after cleaning.
	Placeholder = "User"
	// MaxMentionLength is the maximum rune length of a cleaned mention name.
	MaxMentionLength = 20
	// Ellipsis marks a truncated mention name.
	Ellipsis = "…"
)

// MarkupChars lists every MarkdownV2 character that must be escaped.
const MarkupChars = "_*[]()~`>#+-=|{}.!"

// linkBreakingChars can close or corrupt a link even when unescaped text is
// otherwise harmless.
const linkBreakingChars = `[]()\`

func isMarkup(r rune) bool {
	return r < utf8.RuneSelf && strings.IndexByte(MarkupChars, byte(r)) >= 0
}

func isLinkBreaking(r rune) bool {
	return r < utf8.RuneSelf && strings.IndexByte(linkBreakingChars, byte(r)) >= 0
}

// isUnprintable reports control characters other than newline, carriage
// return and tab.
func isUnprintable(r rune) bool {
	if r == '\n' || r == '\r' || r == '\t' {
		return false
	}
	return unicode.IsControl(r) || r == utf8.RuneError
}

// Escape prefixes every markup character (and the backslash itself) with a
// backslash. Applying it twice escapes the escapes, so callers must apply it
// exactly once.
func Escape(text string) string {
	if text == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for _, r := range text {
		if isMarkup(r) || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Strip removes every markup character, backslashes and unprintable control
// characters. The result is meant to be sent with no parse mode at all.
func Strip(text string) string {
	if text == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		if isMarkup(r) || r == '\\' || isUnprintable(r) {
			return -1
		}
		return r
	}, text)
}

// CleanForMention turns a profile name into a display name for a deep-link
// mention. Markup and link-breaking characters are removed rather than
// escaped, whitespace is collapsed, and the result is capped at
// MaxMentionLength runes. It never returns an empty string.
func CleanForMention(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		if isMarkup(r) || isLinkBreaking(r) || isUnprintable(r) {
			return -1
		}
		return r
	}, name)
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if cleaned == "" {
		return Placeholder
	}
	return truncate(cleaned, MaxMentionLength)
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimRight(string(runes[:limit-1]), " ") + Ellipsis
}

// CleanHandle normalizes a public handle to the username alphabet
// (letters, digits and underscore) without the leading '@'. It returns an
// empty string if nothing usable remains.
func CleanHandle(handle string) string {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return -1
	}, handle)
}
