// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/aiku/telegram-mentionbot/pkg/connector/telegramfmt"
	"github.com/aiku/telegram-mentionbot/pkg/registry"
)

// MentionsPerLine is how many mention tokens share a line.
const MentionsPerLine = 5

// historyTimeFormat is the day-first layout used in the registration log.
const historyTimeFormat = "02/01/2006 15:04"

// Alert is the header of a mention block.
type Alert struct {
	Title  string
	Notice []string
}

var (
	AlertGeneral = Alert{Title: "🔔 GENERAL MENTION 🔔"}
	AlertBug     = Alert{
		Title:  "🚨 BUG ALERT 🚨",
		Notice: []string{"⚠️ A critical bug needs immediate attention"},
	}
	AlertQuota = Alert{
		Title: "💥 QUOTA ERROR ALERT 💥",
		Notice: []string{
			"⚠️ The system quota limit has been reached",
			"🔧 The technical team needs to step in now",
		},
	}
)

// batchTokens joins tokens into lines of at most perLine tokens.
func batchTokens(tokens []string, perLine int) []string {
	if perLine <= 0 {
		perLine = MentionsPerLine
	}
	lines := make([]string, 0, (len(tokens)+perLine-1)/perLine)
	for start := 0; start < len(tokens); start += perLine {
		end := min(start+perLine, len(tokens))
		lines = append(lines, strings.Join(tokens[start:end], " "))
	}
	return lines
}

// MaxMessageLength is the Bot API limit on message text, in UTF-16 code
// units.
const MaxMessageLength = 4096

// utf16Len counts s the way the Bot API measures message length.
func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if l := utf16.RuneLen(r); l > 0 {
			n += l
		} else {
			n++
		}
	}
	return n
}

// chunkLines packs header and lines into messages of at most limit UTF-16
// units. The header only opens the first message and lines are never
// split, so a single oversized line gets a message of its own.
func chunkLines(header string, lines []string, limit int) []string {
	var chunks []string
	var sb strings.Builder
	sb.WriteString(header)
	size := utf16Len(header)
	for _, line := range lines {
		n := utf16Len(line) + 1
		if size > 0 && size+n > limit {
			chunks = append(chunks, sb.String())
			sb.Reset()
			size = 0
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
		size += n
	}
	if size > 0 {
		chunks = append(chunks, sb.String())
	}
	return chunks
}

// renderMentionBlock renders an alert followed by the batched mentions as
// MarkdownV2 messages no longer than MaxMessageLength. memberCount < 0
// omits the member total.
func renderMentionBlock(alert Alert, memberCount, registered int, list MentionList) []string {
	var sb strings.Builder
	sb.WriteString(telegramfmt.Escape(alert.Title))
	sb.WriteString("\n\n")
	if memberCount >= 0 {
		sb.WriteString(telegramfmt.Escape(fmt.Sprintf("Total members: %d", memberCount)))
		sb.WriteByte('\n')
	}
	sb.WriteString(telegramfmt.Escape(fmt.Sprintf("📝 Registered users: %d", registered)))
	sb.WriteString("\n\n")
	for _, line := range alert.Notice {
		sb.WriteString(telegramfmt.Escape(line))
		sb.WriteByte('\n')
	}
	if len(alert.Notice) > 0 {
		sb.WriteByte('\n')
	}
	return chunkLines(sb.String(), list.Lines(MentionsPerLine), MaxMessageLength)
}

// renderAdminBlock renders the administrators-only mention.
func renderAdminBlock(list MentionList) []string {
	header := telegramfmt.Escape("🔔 ADMINISTRATOR MENTION 🔔") + "\n\n"
	return chunkLines(header, list.Lines(MentionsPerLine), MaxMessageLength)
}

// renderGroupStats renders the /count reply.
func renderGroupStats(memberCount, humanAdmins, registered int) string {
	return telegramfmt.Escape(fmt.Sprintf(
		"📊 GROUP INFO\n\nTotal members: %d\nAdministrators: %d\nRegular members: %d\n📝 Registered users: %d",
		memberCount, humanAdmins, max(0, memberCount-humanAdmins), registered,
	))
}

// displayName picks the handle, else the full name, else the placeholder.
func displayName(u registry.User) string {
	if u.Username != "" {
		return u.Username
	}
	if name := u.FullName(); name != "" {
		return name
	}
	return telegramfmt.Placeholder
}

// renderRegistered renders the most recent registrations. total is the size
// of the whole registry.
func renderRegistered(total int, recent []registry.User) string {
	var sb strings.Builder
	sb.WriteString(telegramfmt.Escape(fmt.Sprintf("📊 REGISTERED USERS\n\nTotal registered: %d\n\nLatest registrations:\n", total)))
	for i, u := range recent {
		line := fmt.Sprintf("%d. %s (ID: %d)\n", i+1, displayName(u), u.ID)
		sb.WriteString(telegramfmt.Escape(line))
	}
	if rest := total - len(recent); rest > 0 {
		sb.WriteString(telegramfmt.Escape(fmt.Sprintf("\n... and %d more\n", rest)))
	}
	sb.WriteString(telegramfmt.Escape("\nRegistered users are included in every alert command."))
	return sb.String()
}

func actionEmoji(action registry.Action) string {
	switch action {
	case registry.ActionRegister:
		return "✅"
	case registry.ActionUpdate:
		return "🔄"
	case registry.ActionRemove:
		return "❌"
	default:
		return "📝"
	}
}

// renderHistory renders registration events, newest first. limit is the
// page size the events were fetched with.
func renderHistory(events []registry.Event, limit int) string {
	var sb strings.Builder
	sb.WriteString(telegramfmt.Escape("📊 REGISTRATION HISTORY"))
	sb.WriteString("\n\n")
	for _, evt := range events {
		fmt.Fprintf(&sb, "%s *%s* %s\n",
			actionEmoji(evt.Action),
			telegramfmt.Escape(string(evt.Action)),
			telegramfmt.Escape(fmt.Sprintf("- User %d", evt.UserID)))
		sb.WriteString(telegramfmt.Escape("   📅 " + evt.Timestamp.UTC().Format(historyTimeFormat)))
		sb.WriteByte('\n')
		if evt.Details != "" {
			sb.WriteString(telegramfmt.Escape("   📝 " + evt.Details))
			sb.WriteByte('\n')
		}
		sb.WriteByte('\n')
	}
	if len(events) == limit {
		sb.WriteString(telegramfmt.Escape(fmt.Sprintf("... (showing the last %d entries)", limit)))
	}
	return sb.String()
}

// renderRegistration renders the /register confirmation.
func renderRegistration(u registry.User, created bool) string {
	var sb strings.Builder
	if created {
		sb.WriteString("✅ Registration successful!\n\n")
	} else {
		sb.WriteString("🔄 Registration updated.\n\n")
	}
	if u.Username != "" {
		fmt.Fprintf(&sb, "User: @%s\n", u.Username)
	} else {
		fmt.Fprintf(&sb, "Name: %s\n", displayName(u))
	}
	fmt.Fprintf(&sb, "ID: %d\n\n", u.ID)
	sb.WriteString("You will now be mentioned by the alert commands.")
	return telegramfmt.Escape(sb.String())
}
