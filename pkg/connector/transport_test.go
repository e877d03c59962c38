// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/aiku/telegram-mentionbot/pkg/connector/telegramfmt"
)

func rateLimited(retryAfter int) error {
	return wrapAPIError("sendMessage", &tgbotapi.Error{
		Code:               429,
		Message:            "Too Many Requests: retry after",
		ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: retryAfter},
	})
}

func TestRetryPolicyDelay(t *testing.T) {
	t.Parallel()
	tests := []struct {
		policy RetryPolicy
		n      int
		want   time.Duration
	}{
		{MessageRetryPolicy, 0, time.Second},
		{MessageRetryPolicy, 1, time.Second},
		{MessageRetryPolicy, 2, 2 * time.Second},
		{MessageRetryPolicy, 5, 16 * time.Second},
		{MessageRetryPolicy, 6, 30 * time.Second},
		{MessageRetryPolicy, 50, 30 * time.Second},
		{AdminRetryPolicy, 4, 8 * time.Second},
		{AdminRetryPolicy, 5, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := tt.policy.Delay(tt.n); got != tt.want {
			t.Errorf("Delay(%d) with max %s: got %s, want %s", tt.n, tt.policy.MaxDelay, got, tt.want)
		}
	}
}

// TestTransport_FormatFallback verifies a rejected markup is resent once,
// stripped, without waiting.
func TestTransport_FormatFallback(t *testing.T) {
	t.Parallel()
	api := newFakeChatAPI()
	api.sendErrs = []error{apiError("sendMessage", 400, "Bad Request: can't parse entities: Character '!' is reserved"), nil}
	transport, rec := newTestTransport(api)

	text := "*Hello* team\\!"
	out := transport.Send(context.Background(), -100, text)
	if !out.OK || !out.PlainFallback || out.Attempts != 2 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(rec.Delays()) != 0 {
		t.Errorf("fallback should not wait, got delays %v", rec.Delays())
	}

	sent := api.Sent()
	if len(sent) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(sent))
	}
	if sent[0].ParseMode != tgbotapi.ModeMarkdownV2 || sent[0].Text != text {
		t.Errorf("first send should be the formatted text, got %+v", sent[0])
	}
	if sent[1].ParseMode != "" || sent[1].Text != telegramfmt.Strip(text) {
		t.Errorf("second send should be plain, got %+v", sent[1])
	}
}

// TestTransport_FormatFallbackOnlyOnce verifies a second rejection ends the
// call.
func TestTransport_FormatFallbackOnlyOnce(t *testing.T) {
	t.Parallel()
	rejected := apiError("sendMessage", 400, "Bad Request: can't parse entities")
	api := newFakeChatAPI()
	api.sendErrs = []error{rejected, rejected, nil}
	transport, _ := newTestTransport(api)

	out := transport.Reply(context.Background(), -100, 5, "x")
	if out.OK || out.Kind != KindFormatRejected || out.Attempts != 2 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(api.Sent()) != 2 {
		t.Errorf("expected 2 sends, got %d", len(api.Sent()))
	}
}

// TestTransport_TransientBackoff verifies transient failures wait with
// non-decreasing, capped delays and give up after MaxRetries failures.
func TestTransport_TransientBackoff(t *testing.T) {
	t.Parallel()
	api := newFakeChatAPI()
	for range 10 {
		api.sendErrs = append(api.sendErrs, apiError("sendMessage", 502, "Bad Gateway"))
	}
	transport, rec := newTestTransport(api)

	out := transport.Send(context.Background(), 1, "hi")
	if out.OK || out.Kind != KindTransientNetwork {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Attempts != MessageRetryPolicy.MaxRetries {
		t.Errorf("attempts: got %d, want %d", out.Attempts, MessageRetryPolicy.MaxRetries)
	}

	delays := rec.Delays()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays: got %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay %d: got %s, want %s", i, delays[i], want[i])
		}
		if delays[i] > MessageRetryPolicy.MaxDelay {
			t.Errorf("delay %d exceeds the cap: %s", i, delays[i])
		}
	}
}

// TestTransport_RecoversAfterTransient verifies a later success is reported
// with the total attempt count.
func TestTransport_RecoversAfterTransient(t *testing.T) {
	t.Parallel()
	api := newFakeChatAPI()
	api.sendErrs = []error{apiError("sendMessage", 500, "Internal Server Error"), nil}
	transport, rec := newTestTransport(api)

	out := transport.Send(context.Background(), 1, "hi")
	if !out.OK || out.Attempts != 2 || out.Kind != KindNone || out.Err != nil {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if d := rec.Delays(); len(d) != 1 || d[0] != time.Second {
		t.Errorf("unexpected delays: %v", d)
	}
}

// TestTransport_RetryAfterHint verifies the server hint raises the delay but
// never past the cap.
func TestTransport_RetryAfterHint(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		retry int
		want  time.Duration
	}{
		{"hint above backoff", 7, 7 * time.Second},
		{"hint below backoff", 0, time.Second},
		{"hint clamped", 120, MessageRetryPolicy.MaxDelay},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			api := newFakeChatAPI()
			api.sendErrs = []error{rateLimited(tt.retry), nil}
			transport, rec := newTestTransport(api)

			out := transport.Send(context.Background(), 1, "hi")
			if !out.OK {
				t.Fatalf("unexpected outcome: %+v", out)
			}
			if d := rec.Delays(); len(d) != 1 || d[0] != tt.want {
				t.Errorf("delays: got %v, want [%s]", d, tt.want)
			}
		})
	}
}

// TestTransport_FatalFailsImmediately verifies non-retryable failures are not
// retried.
func TestTransport_FatalFailsImmediately(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"forbidden", apiError("sendMessage", 403, "Forbidden: bot was kicked"), KindFatal},
		{"conflict", apiError("sendMessage", 409, "Conflict"), KindConsumerConflict},
		{"unclassified", errors.New("boom"), KindFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			api := newFakeChatAPI()
			api.sendErrs = []error{tt.err, nil}
			transport, rec := newTestTransport(api)

			out := transport.Send(context.Background(), 1, "hi")
			if out.OK || out.Attempts != 1 || out.Kind != tt.kind {
				t.Fatalf("unexpected outcome: %+v", out)
			}
			if !errors.Is(out.Err, tt.err) {
				t.Errorf("expected the call error, got %v", out.Err)
			}
			if len(rec.Delays()) != 0 {
				t.Errorf("unexpected delays: %v", rec.Delays())
			}
		})
	}
}

// TestTransport_Cancelled verifies a cancelled context ends the call as
// fatal without sending.
func TestTransport_Cancelled(t *testing.T) {
	t.Parallel()
	api := newFakeChatAPI()
	transport, _ := newTestTransport(api)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := transport.Send(ctx, 1, "hi")
	if out.OK || out.Kind != KindFatal || out.Attempts != 0 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if !errors.Is(out.Err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", out.Err)
	}
	if len(api.Sent()) != 0 {
		t.Errorf("nothing should be sent, got %d", len(api.Sent()))
	}
}

// TestTransport_CancelledDuringWait verifies an interrupted backoff ends the
// call.
func TestTransport_CancelledDuringWait(t *testing.T) {
	t.Parallel()
	api := newFakeChatAPI()
	api.sendErrs = []error{apiError("sendMessage", 502, "Bad Gateway"), nil}
	transport, _ := newTestTransport(api)

	ctx, cancel := context.WithCancel(context.Background())
	transport.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}
	out := transport.Send(ctx, 1, "hi")
	if out.OK || out.Kind != KindFatal || out.Attempts != 1 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

// TestTransport_DoValue verifies administrative calls use the admin policy
// and carry their result.
func TestTransport_DoValue(t *testing.T) {
	t.Parallel()
	api := newFakeChatAPI()
	transport, rec := newTestTransport(api)

	calls := 0
	count, out := doValue(context.Background(), transport, "getChatMemberCount", func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, apiError("getChatMemberCount", 503, "Service Unavailable")
		}
		return 42, nil
	})
	if !out.OK || count != 42 || out.Attempts != 3 {
		t.Fatalf("got %d, %+v", count, out)
	}
	if d := rec.Delays(); len(d) != 2 || d[0] != time.Second || d[1] != 2*time.Second {
		t.Errorf("unexpected delays: %v", d)
	}

	_, out = doValue(context.Background(), transport, "getChatMemberCount", func(context.Context) (int, error) {
		return 0, apiError("getChatMemberCount", 502, "Bad Gateway")
	})
	if out.OK || out.Attempts != AdminRetryPolicy.MaxRetries {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	for _, d := range rec.Delays() {
		if d > AdminRetryPolicy.MaxDelay {
			t.Errorf("delay %s exceeds the admin cap", d)
		}
	}
}

// TestTransport_NoFallbackForAdminCalls verifies a format rejection outside
// message sends is final.
func TestTransport_NoFallbackForAdminCalls(t *testing.T) {
	t.Parallel()
	transport, _ := newTestTransport(newFakeChatAPI())
	out := transport.Do(context.Background(), "getChatMember", func(context.Context) error {
		return apiError("getChatMember", 400, "Bad Request: can't parse entities")
	})
	if out.OK || out.PlainFallback || out.Attempts != 1 || out.Kind != KindFormatRejected {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}
