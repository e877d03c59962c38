// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// OutgoingMessage is one message to deliver. ParseMode is empty for plain
// text.
type OutgoingMessage struct {
	ChatID    int64
	Text      string
	ParseMode string
	// ReplyTo is the message ID to reply to, or 0.
	ReplyTo int
}

// WebhookStatus describes the passive delivery endpoint registered for the
// bot token.
type WebhookStatus struct {
	URL            string
	PendingUpdates int
	LastError      string
}

// ChatAPI is the subset of the Bot API the bot depends on. Every error it
// returns is an *OpError.
type ChatAPI interface {
	// FetchUpdates long-polls for updates with ID >= offset. A second
	// consumer on the same token surfaces as KindConsumerConflict.
	FetchUpdates(ctx context.Context, offset int, timeout time.Duration) ([]tgbotapi.Update, error)
	Send(ctx context.Context, msg OutgoingMessage) error
	ListAdministrators(ctx context.Context, chatID int64) ([]Member, error)
	// GetMember returns an error wrapping ErrMemberNotFound for unknown users.
	GetMember(ctx context.Context, chatID, userID int64) (Member, error)
	MemberCount(ctx context.Context, chatID int64) (int, error)
	ClearWebhook(ctx context.Context) error
	WebhookStatus(ctx context.Context) (WebhookStatus, error)
	// Ping verifies the token and returns the bot's own account.
	Ping(ctx context.Context) (Member, error)
}

// contextDoer binds every request made through it to ctx, so cancelling
// ctx aborts an in-flight long poll.
type contextDoer struct {
	ctx    context.Context
	client *http.Client
}

func (d contextDoer) Do(req *http.Request) (*http.Response, error) {
	return d.client.Do(req.WithContext(d.ctx))
}

// TelegramClient implements ChatAPI on top of telegram-bot-api.
type TelegramClient struct {
	bot            *tgbotapi.BotAPI
	http           *http.Client
	requestTimeout time.Duration

	selfMu sync.RWMutex
	self   Member

	log zerolog.Logger
}

var _ ChatAPI = (*TelegramClient)(nil)

// NewTelegramClient creates a client without contacting the API. endpoint
// is a format string like tgbotapi.APIEndpoint; empty uses the default.
func NewTelegramClient(token, endpoint string, requestTimeout time.Duration, log zerolog.Logger) *TelegramClient {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	httpClient := &http.Client{}
	bot := &tgbotapi.BotAPI{
		Token:  token,
		Client: httpClient,
		Buffer: 100,
	}
	bot.SetAPIEndpoint(endpoint)
	return &TelegramClient{
		bot:            bot,
		http:           httpClient,
		requestTimeout: requestTimeout,
		log:            log.With().Str("component", "tg_client").Logger(),
	}
}

// api returns a copy of the bot bound to ctx.
func (c *TelegramClient) api(ctx context.Context) *tgbotapi.BotAPI {
	bound := *c.bot
	bound.Client = contextDoer{ctx: ctx, client: c.http}
	return &bound
}

// withTimeout applies the per-request timeout to ctx.
func (c *TelegramClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.requestTimeout)
}

// Self returns the bot account learned by the last successful Ping.
func (c *TelegramClient) Self() Member {
	c.selfMu.RLock()
	defer c.selfMu.RUnlock()
	return c.self
}

func (c *TelegramClient) Ping(ctx context.Context) (Member, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	me, err := c.api(ctx).GetMe()
	if err != nil {
		return Member{}, wrapAPIError("getMe", err)
	}
	self := Member{UserID: me.ID, Username: me.UserName, FirstName: me.FirstName, IsBot: me.IsBot}
	c.selfMu.Lock()
	c.self = self
	c.selfMu.Unlock()
	return self, nil
}

func (c *TelegramClient) FetchUpdates(ctx context.Context, offset int, timeout time.Duration) ([]tgbotapi.Update, error) {
	// Leave headroom over the server-side long-poll timeout.
	ctx, cancel := context.WithTimeout(ctx, timeout+c.requestTimeout)
	defer cancel()
	cfg := tgbotapi.NewUpdate(offset)
	cfg.Timeout = int(timeout / time.Second)
	cfg.AllowedUpdates = []string{"message"}
	updates, err := c.api(ctx).GetUpdates(cfg)
	if err != nil {
		return nil, wrapAPIError("getUpdates", err)
	}
	return updates, nil
}

func (c *TelegramClient) Send(ctx context.Context, msg OutgoingMessage) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cfg := tgbotapi.NewMessage(msg.ChatID, msg.Text)
	cfg.ParseMode = msg.ParseMode
	cfg.DisableWebPagePreview = true
	if msg.ReplyTo != 0 {
		cfg.ReplyToMessageID = msg.ReplyTo
		cfg.AllowSendingWithoutReply = true
	}
	_, err := c.api(ctx).Send(cfg)
	return wrapAPIError("sendMessage", err)
}

func (c *TelegramClient) ListAdministrators(ctx context.Context, chatID int64) ([]Member, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	admins, err := c.api(ctx).GetChatAdministrators(tgbotapi.ChatAdministratorsConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: chatID},
	})
	if err != nil {
		return nil, wrapAPIError("getChatAdministrators", err)
	}
	return membersFromChatMembers(admins), nil
}

func (c *TelegramClient) GetMember(ctx context.Context, chatID, userID int64) (Member, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cm, err := c.api(ctx).GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: userID},
	})
	if err != nil {
		if isMemberNotFound(err) {
			return Member{}, &OpError{
				Op:   "getChatMember",
				Kind: KindFatal,
				Err:  fmt.Errorf("%w: %w", ErrMemberNotFound, err),
			}
		}
		return Member{}, wrapAPIError("getChatMember", err)
	}
	return memberFromChatMember(cm), nil
}

func isMemberNotFound(err error) bool {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusBadRequest {
		return false
	}
	desc := strings.ToLower(apiErr.Message)
	return strings.Contains(desc, "not found") || strings.Contains(desc, "participant_id_invalid")
}

func (c *TelegramClient) MemberCount(ctx context.Context, chatID int64) (int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	count, err := c.api(ctx).GetChatMembersCount(tgbotapi.ChatMemberCountConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: chatID},
	})
	if err != nil {
		return 0, wrapAPIError("getChatMemberCount", err)
	}
	return count, nil
}

func (c *TelegramClient) ClearWebhook(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.api(ctx).Request(tgbotapi.DeleteWebhookConfig{})
	return wrapAPIError("deleteWebhook", err)
}

func (c *TelegramClient) WebhookStatus(ctx context.Context) (WebhookStatus, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	info, err := c.api(ctx).GetWebhookInfo()
	if err != nil {
		return WebhookStatus{}, wrapAPIError("getWebhookInfo", err)
	}
	return WebhookStatus{
		URL:            info.URL,
		PendingUpdates: info.PendingUpdateCount,
		LastError:      info.LastErrorMessage,
	}, nil
}
