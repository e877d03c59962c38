// Copyright 2024-2026 Aiku AI

package connector

import (
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/aiku/telegram-mentionbot/pkg/registry"
)

// Telegram chat member statuses.
const (
	StatusCreator       = "creator"
	StatusAdministrator = "administrator"
	StatusMember        = "member"
	StatusRestricted    = "restricted"
	StatusLeft          = "left"
	StatusKicked        = "kicked"
)

// Member is a chat participant as reported by the roster calls.
type Member struct {
	UserID    int64
	Username  string
	FirstName string
	LastName  string
	IsBot     bool
	Status    string
	// IsMember is only meaningful for restricted members.
	IsMember bool
}

// memberFromChatMember converts a Bot API chat member. A missing user
// yields a zero Member.
func memberFromChatMember(cm tgbotapi.ChatMember) Member {
	if cm.User == nil {
		return Member{Status: cm.Status}
	}
	return Member{
		UserID:    cm.User.ID,
		Username:  cm.User.UserName,
		FirstName: cm.User.FirstName,
		LastName:  cm.User.LastName,
		IsBot:     cm.User.IsBot,
		Status:    cm.Status,
		IsMember:  cm.IsMember,
	}
}

func membersFromChatMembers(cms []tgbotapi.ChatMember) []Member {
	members := make([]Member, 0, len(cms))
	for _, cm := range cms {
		members = append(members, memberFromChatMember(cm))
	}
	return members
}

// IsCurrentMember reports whether the status means the user is in the chat
// right now.
func (m Member) IsCurrentMember() bool {
	switch m.Status {
	case StatusCreator, StatusAdministrator, StatusMember:
		return true
	case StatusRestricted:
		return m.IsMember
	default:
		return false
	}
}

// IsAdmin reports whether the member is the creator or an administrator.
func (m Member) IsAdmin() bool {
	return m.Status == StatusCreator || m.Status == StatusAdministrator
}

// FullName joins the first and last name.
func (m Member) FullName() string {
	return strings.TrimSpace(m.FirstName + " " + m.LastName)
}

// userFromTelegram converts the sender of a message to a registry record.
func userFromTelegram(u *tgbotapi.User) registry.User {
	return registry.User{
		ID:        u.ID,
		Username:  u.UserName,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
}

// isGroupChat reports whether mention commands are allowed in the chat.
func isGroupChat(chat *tgbotapi.Chat) bool {
	return chat != nil && (chat.IsGroup() || chat.IsSuperGroup())
}
