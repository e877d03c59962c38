// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/aiku/telegram-mentionbot/pkg/connector/telegramfmt"
)

const (
	recentRegistrationsLimit = 10
	historyLimit             = 20
)

const helpText = `Mention Bot - Help

Available commands:
• /all - Mention every group member
• /allbug - Bug alert (mentions everyone)
• /allerror - Quota error alert (mentions everyone)
• /admins - Mention the administrators only
• /register - Get mentioned by the alert commands
• /unregister - Stop being mentioned
• /registered - Show registered users
• /historial - Show the registration history
• /backup - Back up the database
• /count - Show group statistics
• /help - Show this help

Notes:
• The bot must be a group administrator
• Mention commands only work in groups and supergroups
• Registered users are mentioned on top of the administrators
• Registrations are stored permanently`

const startText = `🤖 Hi! I'm the Mention Bot

I mention everyone in your group when something needs attention.

Main commands:
• /all - Mention everyone
• /allbug - Bug alert
• /allerror - Quota error alert
• /register - Register for mentions
• /unregister - Unregister
• /help - Full help

Add me to a group and make me an administrator to get started!`

// User-visible replies.
const (
	replyGroupOnly        = "❌ This command only works in groups."
	replyFailed           = "❌ Something went wrong while processing the request."
	replyNoMembers        = "❌ Could not resolve any group members."
	replyNoAdmins         = "❌ No administrators found."
	replyStorageFailed    = "❌ Could not save your registration. Please try again."
	replyUnregistered     = "✅ You will no longer be mentioned."
	replyNotRegistered    = "❌ You are not registered."
	replyNoRegistrations  = "📝 No users are registered."
	replyNoHistory        = "📝 No registration history yet."
	replyBackupFailed     = "❌ Failed to back up the database."
	replyBackupDoneFormat = "✅ Database backup written to %s"
)

// handleUpdate dispatches a polled update to the matching command handler.
func (b *MentionBot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil || !msg.IsCommand() {
		return
	}
	if target := commandTarget(msg); target != "" && !strings.EqualFold(target, b.Self().Username) {
		return
	}

	command := strings.ToLower(msg.Command())
	log := b.Log.With().
		Str("command", command).
		Int64("chat_id", msg.Chat.ID).
		Int("message_id", msg.MessageID).
		Logger()
	if msg.From != nil {
		log = log.With().Int64("user_id", msg.From.ID).Logger()
	}
	ctx = log.WithContext(ctx)

	switch command {
	case "start":
		b.replyPlain(ctx, msg, startText)
	case "help":
		b.replyPlain(ctx, msg, helpText)
	case "all":
		b.handleMentionAll(ctx, msg, AlertGeneral)
	case "allbug":
		b.handleMentionAll(ctx, msg, AlertBug)
	case "allerror":
		b.handleMentionAll(ctx, msg, AlertQuota)
	case "admins":
		b.handleMentionAdmins(ctx, msg)
	case "count":
		b.handleCount(ctx, msg)
	case "register":
		b.handleRegister(ctx, msg)
	case "unregister":
		b.handleUnregister(ctx, msg)
	case "registered":
		b.handleRegistered(ctx, msg)
	case "historial", "logs":
		b.handleHistory(ctx, msg)
	case "backup", "respaldo":
		b.handleBackup(ctx, msg)
	default:
		log.Trace().Msg("Unhandled command")
	}
}

// commandTarget returns the bot username a command is addressed to, as in
// /all@somebot, or "".
func commandTarget(msg *tgbotapi.Message) string {
	_, target, _ := strings.Cut(msg.CommandWithAt(), "@")
	return target
}

// reply sends MarkdownV2 text as a reply to msg.
func (b *MentionBot) reply(ctx context.Context, msg *tgbotapi.Message, text string) Outcome {
	out := b.Transport.Reply(ctx, msg.Chat.ID, msg.MessageID, text)
	if !out.OK {
		zerolog.Ctx(ctx).Error().Err(out.Err).
			Stringer("kind", out.Kind).
			Int("attempts", out.Attempts).
			Msg("Failed to deliver reply")
	}
	return out
}

// replyPlain escapes text and replies with it.
func (b *MentionBot) replyPlain(ctx context.Context, msg *tgbotapi.Message, text string) Outcome {
	return b.reply(ctx, msg, telegramfmt.Escape(text))
}

// replyFailure logs err and acknowledges the failure to the user.
func (b *MentionBot) replyFailure(ctx context.Context, msg *tgbotapi.Message, err error, text string) {
	zerolog.Ctx(ctx).Error().Err(err).Stringer("kind", KindOf(err)).Msg("Command failed")
	b.replyPlain(ctx, msg, text)
}

func (b *MentionBot) requireGroup(ctx context.Context, msg *tgbotapi.Message) bool {
	if isGroupChat(msg.Chat) {
		return true
	}
	b.replyPlain(ctx, msg, replyGroupOnly)
	return false
}

// memberCount returns the chat size, or -1 if it could not be fetched.
func (b *MentionBot) memberCount(ctx context.Context, chatID int64) int {
	count, out := doValue(ctx, b.Transport, "getChatMemberCount", func(ctx context.Context) (int, error) {
		return b.API.MemberCount(ctx, chatID)
	})
	if !out.OK {
		zerolog.Ctx(ctx).Warn().Err(out.Err).Msg("Failed to get member count")
		return -1
	}
	return count
}

func (b *MentionBot) handleMentionAll(ctx context.Context, msg *tgbotapi.Message, alert Alert) {
	if !b.requireGroup(ctx, msg) {
		return
	}
	chatID := msg.Chat.ID
	count := b.memberCount(ctx, chatID)
	list, err := b.Mentions.Build(ctx, chatID)
	if errors.Is(err, ErrNoMentions) {
		b.replyPlain(ctx, msg, replyNoMembers)
		return
	} else if err != nil {
		b.replyFailure(ctx, msg, err, replyFailed)
		return
	}

	sent, err := b.sendChunks(ctx, chatID, renderMentionBlock(alert, count, b.Registry.Count(), list))
	if err != nil {
		b.replyFailure(ctx, msg, err, replyFailed)
		return
	}
	zerolog.Ctx(ctx).Info().
		Int("mentions", list.Count()).
		Int("skipped", list.Skipped).
		Int("messages", sent).
		Msg("Sent mention block")
}

// sendChunks sends every chunk in order. A failed chunk does not stop the
// rest; the first failure is returned after all were attempted.
func (b *MentionBot) sendChunks(ctx context.Context, chatID int64, chunks []string) (int, error) {
	var firstErr error
	sent := 0
	for i, chunk := range chunks {
		out := b.Transport.Send(ctx, chatID, chunk)
		if !out.OK {
			zerolog.Ctx(ctx).Warn().Err(out.Err).
				Int("chunk", i+1).
				Int("chunks", len(chunks)).
				Msg("Failed to deliver mention chunk")
			if firstErr == nil {
				firstErr = out.Err
			}
			if ctx.Err() != nil {
				break
			}
			continue
		}
		sent++
	}
	return sent, firstErr
}

func (b *MentionBot) handleMentionAdmins(ctx context.Context, msg *tgbotapi.Message) {
	if !b.requireGroup(ctx, msg) {
		return
	}
	list, err := b.Mentions.BuildAdmins(ctx, msg.Chat.ID)
	if errors.Is(err, ErrNoMentions) {
		b.replyPlain(ctx, msg, replyNoAdmins)
		return
	} else if err != nil {
		b.replyFailure(ctx, msg, err, replyFailed)
		return
	}
	if _, err = b.sendChunks(ctx, msg.Chat.ID, renderAdminBlock(list)); err != nil {
		b.replyFailure(ctx, msg, err, replyFailed)
	}
}

func (b *MentionBot) handleCount(ctx context.Context, msg *tgbotapi.Message) {
	if !b.requireGroup(ctx, msg) {
		return
	}
	chatID := msg.Chat.ID
	count, out := doValue(ctx, b.Transport, "getChatMemberCount", func(ctx context.Context) (int, error) {
		return b.API.MemberCount(ctx, chatID)
	})
	if !out.OK {
		b.replyFailure(ctx, msg, out.Err, replyFailed)
		return
	}
	admins, out := doValue(ctx, b.Transport, "getChatAdministrators", func(ctx context.Context) ([]Member, error) {
		return b.API.ListAdministrators(ctx, chatID)
	})
	if !out.OK {
		b.replyFailure(ctx, msg, out.Err, replyFailed)
		return
	}
	humans := 0
	for _, admin := range admins {
		if !admin.IsBot {
			humans++
		}
	}
	b.reply(ctx, msg, renderGroupStats(count, humans, b.Registry.Count()))
}

func (b *MentionBot) handleRegister(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	user := userFromTelegram(msg.From)
	created, err := b.Registry.Upsert(ctx, user)
	if err != nil {
		b.replyFailure(ctx, msg, err, replyStorageFailed)
		return
	}
	b.reply(ctx, msg, renderRegistration(user, created))
}

func (b *MentionBot) handleUnregister(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	removed, err := b.Registry.Remove(ctx, msg.From.ID)
	switch {
	case err != nil:
		b.replyFailure(ctx, msg, err, replyStorageFailed)
	case removed:
		b.replyPlain(ctx, msg, replyUnregistered)
	default:
		b.replyPlain(ctx, msg, replyNotRegistered)
	}
}

func (b *MentionBot) handleRegistered(ctx context.Context, msg *tgbotapi.Message) {
	total := b.Registry.Count()
	if total == 0 {
		b.replyPlain(ctx, msg, replyNoRegistrations)
		return
	}
	recent, err := b.Registry.Recent(ctx, recentRegistrationsLimit)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to list recent registrations")
		recent = nil
	}
	b.reply(ctx, msg, renderRegistered(total, recent))
}

func (b *MentionBot) handleHistory(ctx context.Context, msg *tgbotapi.Message) {
	events, err := b.Registry.History(ctx, historyLimit)
	if err != nil {
		b.replyFailure(ctx, msg, err, replyFailed)
		return
	} else if len(events) == 0 {
		b.replyPlain(ctx, msg, replyNoHistory)
		return
	}
	b.reply(ctx, msg, renderHistory(events, historyLimit))
}

func (b *MentionBot) handleBackup(ctx context.Context, msg *tgbotapi.Message) {
	dest, err := b.backupPath()
	if err == nil {
		err = b.Registry.Backup(ctx, dest)
	}
	if err != nil {
		b.replyFailure(ctx, msg, err, replyBackupFailed)
		return
	}
	zerolog.Ctx(ctx).Info().Str("path", dest).Msg("Database backup written")
	b.replyPlain(ctx, msg, fmt.Sprintf(replyBackupDoneFormat, dest))
}

// backupPath creates the backup directory and returns a fresh file name in it.
func (b *MentionBot) backupPath() (string, error) {
	dir := b.Config.BackupDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}
	ext := ".yaml"
	if b.Config.Database.Type == DatabaseSQLite {
		ext = ".db"
	}
	name := "registry-" + b.now().UTC().Format("20060102-150405") + ext
	return filepath.Join(dir, name), nil
}
