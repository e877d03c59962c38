// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/aiku/telegram-mentionbot/pkg/registry"
)

const testToken = "123456:test-token"

// endpointCall records which Bot API methods were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Form   map[string]string
}

// apiFailure is a canned Bot API error response.
type apiFailure struct {
	Code        int
	Description string
	RetryAfter  int
}

// fakeTG is a test helper that wraps an httptest.Server simulating the
// Telegram Bot API. It records calls and provides canned responses.
type fakeTG struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	Me tgbotapi.User
	// Admins maps chat ID to the administrator roster.
	Admins map[int64][]tgbotapi.ChatMember
	// Members maps chat ID and user ID to a membership.
	Members map[int64]map[int64]tgbotapi.ChatMember
	// MemberCounts maps chat ID to the member count.
	MemberCounts map[int64]int
	// Updates is served by getUpdates, filtered by offset.
	Updates    []tgbotapi.Update
	WebhookURL string
	// FailMethods makes specific methods answer with an error.
	FailMethods map[string]apiFailure
	// RawResponses makes specific methods answer with a raw body.
	RawResponses map[string]string
}

func newFakeTG() *fakeTG {
	f := &fakeTG{
		Me:           tgbotapi.User{ID: 999, IsBot: true, FirstName: "Mention", UserName: "mention_bot"},
		Admins:       make(map[int64][]tgbotapi.ChatMember),
		Members:      make(map[int64]map[int64]tgbotapi.ChatMember),
		MemberCounts: make(map[int64]int),
		FailMethods:  make(map[string]apiFailure),
		RawResponses: make(map[string]string),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeTG) Close() {
	f.Server.Close()
}

// Endpoint is the format string to pass to NewTelegramClient.
func (f *fakeTG) Endpoint() string {
	return f.Server.URL + "/bot%s/%s"
}

func (f *fakeTG) record(call endpointCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeTG) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeTG) CallsTo(method string) []endpointCall {
	var out []endpointCall
	for _, c := range f.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeTG) CalledMethod(method string) bool {
	return len(f.CallsTo(method)) > 0
}

func (f *fakeTG) ok(w http.ResponseWriter, result any) {
	raw, _ := json.Marshal(result)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": json.RawMessage(raw)})
}

func (f *fakeTG) fail(w http.ResponseWriter, failure apiFailure) {
	body := map[string]any{
		"ok":          false,
		"error_code":  failure.Code,
		"description": failure.Description,
	}
	if failure.RetryAfter > 0 {
		body["parameters"] = map[string]any{"retry_after": failure.RetryAfter}
	}
	w.WriteHeader(failure.Code)
	_ = json.NewEncoder(w).Encode(body)
}

func (f *fakeTG) handler(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	form := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}
	path := r.URL.Path
	method := path[strings.LastIndex(path, "/")+1:]
	f.record(endpointCall{Method: method, Path: path, Form: form})

	if !strings.HasPrefix(path, "/bot"+testToken+"/") {
		f.fail(w, apiFailure{Code: http.StatusUnauthorized, Description: "Unauthorized"})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if failure, ok := f.FailMethods[method]; ok {
		f.fail(w, failure)
		return
	}
	if raw, ok := f.RawResponses[method]; ok {
		_, _ = w.Write([]byte(raw))
		return
	}

	chatID, _ := strconv.ParseInt(form["chat_id"], 10, 64)
	switch method {
	case "getMe":
		f.ok(w, f.Me)
	case "getUpdates":
		offset, _ := strconv.Atoi(form["offset"])
		updates := []tgbotapi.Update{}
		for _, u := range f.Updates {
			if u.UpdateID >= offset {
				updates = append(updates, u)
			}
		}
		f.ok(w, updates)
	case "sendMessage":
		f.ok(w, tgbotapi.Message{MessageID: len(f.calls), Chat: &tgbotapi.Chat{ID: chatID}, Text: form["text"]})
	case "getChatAdministrators":
		admins := f.Admins[chatID]
		if admins == nil {
			admins = []tgbotapi.ChatMember{}
		}
		f.ok(w, admins)
	case "getChatMember":
		userID, _ := strconv.ParseInt(form["user_id"], 10, 64)
		member, ok := f.Members[chatID][userID]
		if !ok {
			f.fail(w, apiFailure{Code: http.StatusBadRequest, Description: "Bad Request: user not found"})
			return
		}
		f.ok(w, member)
	case "getChatMemberCount", "getChatMembersCount":
		f.ok(w, f.MemberCounts[chatID])
	case "deleteWebhook":
		f.WebhookURL = ""
		f.ok(w, true)
	case "getWebhookInfo":
		f.ok(w, tgbotapi.WebhookInfo{URL: f.WebhookURL, PendingUpdateCount: 3})
	default:
		f.fail(w, apiFailure{Code: http.StatusNotFound, Description: "Not Found: method not found"})
	}
}

func newFakeTGClient(f *fakeTG) *TelegramClient {
	return NewTelegramClient(testToken, f.Endpoint(), 2*time.Second, zerolog.Nop())
}

func tgUser(id int64, username, first, last string) *tgbotapi.User {
	return &tgbotapi.User{ID: id, UserName: username, FirstName: first, LastName: last}
}

func tgMember(user *tgbotapi.User, status string) tgbotapi.ChatMember {
	return tgbotapi.ChatMember{User: user, Status: status}
}

// apiError builds the error TelegramClient would return for a Bot API
// failure.
func apiError(op string, code int, description string) error {
	return wrapAPIError(op, &tgbotapi.Error{Code: code, Message: description})
}

// fetchResult is one scripted FetchUpdates answer.
type fetchResult struct {
	updates []tgbotapi.Update
	err     error
}

// fakeChatAPI is an in-memory ChatAPI with scripted failures.
type fakeChatAPI struct {
	mu sync.Mutex

	self     Member
	pingErrs []error

	admins    map[int64][]Member
	adminErr  error
	members   map[int64]map[int64]Member
	memberErr map[int64]error
	counts    map[int64]int
	countErr  error

	// sendErrs is consumed one per Send call; nil entries succeed.
	sendErrs []error
	sent     []OutgoingMessage

	// fetches is consumed one per FetchUpdates call. Once it is empty,
	// FetchUpdates blocks until its context is done.
	fetches      []fetchResult
	fetchOffsets []int
	// onFetch runs before every scripted fetch with the call number.
	onFetch func(n int)

	clearErrs     []error
	clearCalls    int
	webhookURL    string
	webhookChecks int

	memberCalls map[int64]int
}

var _ ChatAPI = (*fakeChatAPI)(nil)

func newFakeChatAPI() *fakeChatAPI {
	return &fakeChatAPI{
		self:        Member{UserID: 999, Username: "mention_bot", IsBot: true},
		admins:      make(map[int64][]Member),
		members:     make(map[int64]map[int64]Member),
		memberErr:   make(map[int64]error),
		counts:      make(map[int64]int),
		memberCalls: make(map[int64]int),
	}
}

func popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *fakeChatAPI) addMember(chatID int64, m Member) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[chatID] == nil {
		f.members[chatID] = make(map[int64]Member)
	}
	f.members[chatID][m.UserID] = m
}

func (f *fakeChatAPI) FetchUpdates(ctx context.Context, offset int, _ time.Duration) ([]tgbotapi.Update, error) {
	f.mu.Lock()
	f.fetchOffsets = append(f.fetchOffsets, offset)
	n := len(f.fetchOffsets)
	if len(f.fetches) == 0 {
		f.mu.Unlock()
		<-ctx.Done()
		return nil, wrapAPIError("getUpdates", ctx.Err())
	}
	next := f.fetches[0]
	f.fetches = f.fetches[1:]
	hook := f.onFetch
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return next.updates, next.err
}

func (f *fakeChatAPI) Send(_ context.Context, msg OutgoingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return popErr(&f.sendErrs)
}

func (f *fakeChatAPI) Sent() []OutgoingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]OutgoingMessage, len(f.sent))
	copy(cp, f.sent)
	return cp
}

func (f *fakeChatAPI) ListAdministrators(_ context.Context, chatID int64) ([]Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.adminErr != nil {
		return nil, f.adminErr
	}
	return f.admins[chatID], nil
}

func (f *fakeChatAPI) GetMember(_ context.Context, chatID, userID int64) (Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memberCalls[userID]++
	if err := f.memberErr[userID]; err != nil {
		return Member{}, err
	}
	m, ok := f.members[chatID][userID]
	if !ok {
		return Member{}, &OpError{Op: "getChatMember", Kind: KindFatal, Err: ErrMemberNotFound}
	}
	return m, nil
}

func (f *fakeChatAPI) MemberCount(_ context.Context, chatID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.counts[chatID], nil
}

func (f *fakeChatAPI) ClearWebhook(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearCalls++
	if err := popErr(&f.clearErrs); err != nil {
		return err
	}
	f.webhookURL = ""
	return nil
}

func (f *fakeChatAPI) WebhookStatus(_ context.Context) (WebhookStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhookChecks++
	return WebhookStatus{URL: f.webhookURL}, nil
}

func (f *fakeChatAPI) Ping(_ context.Context) (Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := popErr(&f.pingErrs); err != nil {
		return Member{}, err
	}
	return f.self, nil
}

// sleepRecorder replaces real waits and records the requested durations.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]time.Duration, len(s.delays))
	copy(cp, s.delays)
	return cp
}

// newTestTransport returns a transport whose waits are recorded, not slept.
func newTestTransport(api ChatAPI) (*Transport, *sleepRecorder) {
	rec := &sleepRecorder{}
	t := NewTransport(api, zerolog.Nop())
	t.sleep = rec.sleep
	return t, rec
}

// staticOptIns is an OptInSource over a fixed list.
type staticOptIns []int64

func (s staticOptIns) IDs() []int64 {
	return s
}

func newTestConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := ParseConfig([]byte("telegram:\n    token: " + testToken + "\ndatabase:\n    type: memory\n"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	cfg.ListenAddr = ""
	cfg.BackupDir = t.TempDir()
	if err = cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

// newTestBot builds a bot over api with an in-memory registry. Every wait is
// recorded instead of slept.
func newTestBot(t *testing.T, api *fakeChatAPI) (*MentionBot, *sleepRecorder) {
	t.Helper()
	cfg := newTestConfig(t)
	reg := registry.New(registry.NewMemoryStore(), zerolog.Nop())
	b := NewMentionBot(cfg, api, reg, zerolog.Nop())
	rec := &sleepRecorder{}
	b.Transport.sleep = rec.sleep
	b.Supervisor.sleep = rec.sleep
	b.probe.DialAddress = ""
	b.now = func() time.Time { return time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC) }
	return b, rec
}

func groupChat(id int64) *tgbotapi.Chat {
	return &tgbotapi.Chat{ID: id, Type: "supergroup", Title: "Team"}
}

func privateChat(id int64) *tgbotapi.Chat {
	return &tgbotapi.Chat{ID: id, Type: "private"}
}

// commandMessage builds a message whose text starts with a bot command.
func commandMessage(chat *tgbotapi.Chat, from *tgbotapi.User, text string) *tgbotapi.Message {
	cmdLen := len(text)
	if i := strings.IndexByte(text, ' '); i >= 0 {
		cmdLen = i
	}
	return &tgbotapi.Message{
		MessageID: 77,
		From:      from,
		Chat:      chat,
		Text:      text,
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: cmdLen}},
	}
}
