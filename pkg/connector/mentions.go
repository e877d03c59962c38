// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aiku/telegram-mentionbot/pkg/connector/telegramfmt"
)

// ErrNoMentions is returned when neither the roster nor the opt-in registry
// resolved to a single mentionable user.
var ErrNoMentions = errors.New("no members resolved")

// OptInSource lists the users who asked to be mentioned, in registration
// order. *registry.Registry implements it.
type OptInSource interface {
	IDs() []int64
}

// MentionToken is one rendered reference to a user.
type MentionToken struct {
	// Key identifies the target for deduplication: "@handle" in lower case,
	// or "user_<id>" for deep links.
	Key string
	// Text is the MarkdownV2 rendering, either "@handle" or
	// "[Name](tg://user?id=ID)".
	Text string
	// UserID is the target's account ID.
	UserID int64
}

// MentionList is the ordered result of a build. Admins come first, then
// opt-ins, each in input order.
type MentionList struct {
	Tokens []MentionToken
	// Skipped counts opt-ins whose membership lookup failed.
	Skipped int
}

// Count returns the number of unique mentions.
func (l MentionList) Count() int {
	return len(l.Tokens)
}

// Texts returns the rendered tokens.
func (l MentionList) Texts() []string {
	texts := make([]string, len(l.Tokens))
	for i, tok := range l.Tokens {
		texts[i] = tok.Text
	}
	return texts
}

// Lines batches the rendered tokens, perLine per line.
func (l MentionList) Lines(perLine int) []string {
	return batchTokens(l.Texts(), perLine)
}

// mentionSet accumulates tokens and rejects duplicate targets.
type mentionSet struct {
	list  MentionList
	keys  map[string]struct{}
	users map[int64]struct{}
	name  func(Member) string
}

func newMentionSet(name func(Member) string) *mentionSet {
	if name == nil {
		name = Member.FullName
	}
	return &mentionSet{
		keys:  make(map[string]struct{}),
		users: make(map[int64]struct{}),
		name:  name,
	}
}

func (s *mentionSet) seen(userID int64) bool {
	_, ok := s.users[userID]
	return ok
}

// add appends the member's token unless it is a bot or already present.
func (s *mentionSet) add(m Member) bool {
	if m.UserID == 0 || m.IsBot || s.seen(m.UserID) {
		return false
	}
	tok := mentionToken(m, s.name(m))
	if _, ok := s.keys[tok.Key]; ok {
		return false
	}
	s.keys[tok.Key] = struct{}{}
	s.users[m.UserID] = struct{}{}
	s.list.Tokens = append(s.list.Tokens, tok)
	return true
}

// mentionToken renders a member as a handle when it has a usable one,
// otherwise as a deep link labelled with the cleaned display name.
func mentionToken(m Member, displayName string) MentionToken {
	if handle := telegramfmt.CleanHandle(m.Username); handle != "" {
		return MentionToken{
			Key:    MakeHandleKey(handle),
			Text:   "@" + telegramfmt.Escape(handle),
			UserID: m.UserID,
		}
	}
	name := telegramfmt.CleanForMention(displayName)
	return MentionToken{
		Key:    MakeUserKey(m.UserID),
		Text:   fmt.Sprintf("[%s](%s)", name, MakeUserLink(m.UserID)),
		UserID: m.UserID,
	}
}

// MentionBuilder resolves the mention targets of a group.
type MentionBuilder struct {
	// Displayname labels deep-link mentions. Nil uses Member.FullName.
	Displayname func(Member) string

	api       ChatAPI
	transport *Transport
	optIns    OptInSource
	log       zerolog.Logger
}

// NewMentionBuilder creates a builder. Roster calls go through transport
// under the admin retry policy.
func NewMentionBuilder(api ChatAPI, transport *Transport, optIns OptInSource, log zerolog.Logger) *MentionBuilder {
	return &MentionBuilder{
		api:       api,
		transport: transport,
		optIns:    optIns,
		log:       log.With().Str("component", "mentions").Logger(),
	}
}

// Build returns the administrators followed by the opt-ins that are still
// in the chat. Failing to list the administrators fails the build; a failed
// membership lookup only skips that user.
func (b *MentionBuilder) Build(ctx context.Context, chatID int64) (MentionList, error) {
	set := newMentionSet(b.Displayname)
	if err := b.addAdmins(ctx, chatID, set); err != nil {
		return MentionList{}, err
	}

	log := b.log.With().Int64("chat_id", chatID).Logger()
	for _, userID := range b.optIns.IDs() {
		if ctx.Err() != nil {
			return MentionList{}, ctx.Err()
		}
		if set.seen(userID) {
			continue
		}
		member, out := doValue(ctx, b.transport, "getChatMember", func(ctx context.Context) (Member, error) {
			return b.api.GetMember(ctx, chatID, userID)
		})
		switch {
		case errors.Is(out.Err, ErrMemberNotFound):
			log.Debug().Int64("user_id", userID).Msg("Registered user is not in the chat")
			continue
		case !out.OK:
			set.list.Skipped++
			log.Warn().Err(out.Err).
				Int64("user_id", userID).
				Stringer("kind", out.Kind).
				Msg("Failed to look up registered user, skipping")
			continue
		}
		if !member.IsCurrentMember() {
			continue
		}
		set.add(member)
	}

	if set.list.Count() == 0 {
		return set.list, ErrNoMentions
	}
	log.Debug().
		Int("mentions", set.list.Count()).
		Int("skipped", set.list.Skipped).
		Msg("Built mention list")
	return set.list, nil
}

// BuildAdmins returns only the human administrators of the chat.
func (b *MentionBuilder) BuildAdmins(ctx context.Context, chatID int64) (MentionList, error) {
	set := newMentionSet(b.Displayname)
	if err := b.addAdmins(ctx, chatID, set); err != nil {
		return MentionList{}, err
	}
	if set.list.Count() == 0 {
		return set.list, ErrNoMentions
	}
	return set.list, nil
}

func (b *MentionBuilder) addAdmins(ctx context.Context, chatID int64, set *mentionSet) error {
	admins, out := doValue(ctx, b.transport, "getChatAdministrators", func(ctx context.Context) ([]Member, error) {
		return b.api.ListAdministrators(ctx, chatID)
	})
	if !out.OK {
		return fmt.Errorf("failed to list administrators: %w", out.Err)
	}
	for _, admin := range admins {
		set.add(admin)
	}
	return nil
}
