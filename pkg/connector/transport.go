// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/aiku/telegram-mentionbot/pkg/connector/telegramfmt"
)

// RetryPolicy bounds the transient-failure retries of one logical call.
type RetryPolicy struct {
	// MaxRetries is the number of attempts allowed to fail transiently
	// before the call gives up.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

var (
	// MessageRetryPolicy applies to message sends and replies.
	MessageRetryPolicy = RetryPolicy{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	// AdminRetryPolicy applies to roster lookups and webhook management.
	AdminRetryPolicy = RetryPolicy{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
)

// Delay returns the wait after the n-th transient failure (n >= 1):
// BaseDelay doubled n-1 times, capped at MaxDelay.
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.BaseDelay
	for i := 1; i < n && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Outcome is the result of one logical call through the Transport.
type Outcome struct {
	OK bool
	// Attempts counts every request made, including the plain-text resend.
	Attempts int
	// PlainFallback is set when the markup was rejected and the message was
	// resent without formatting.
	PlainFallback bool
	// Kind is KindNone on success, otherwise the kind of the final failure.
	Kind ErrorKind
	Err  error
}

type sleepFunc func(ctx context.Context, d time.Duration) error

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Transport executes outbound calls with classification-driven retries.
// Failures are reported through the returned Outcome, never by panicking.
type Transport struct {
	api         ChatAPI
	sendPolicy  RetryPolicy
	adminPolicy RetryPolicy
	sleep       sleepFunc
	log         zerolog.Logger
}

// NewTransport creates a transport with the default retry policies.
func NewTransport(api ChatAPI, log zerolog.Logger) *Transport {
	return &Transport{
		api:         api,
		sendPolicy:  MessageRetryPolicy,
		adminPolicy: AdminRetryPolicy,
		sleep:       sleepContext,
		log:         log.With().Str("component", "transport").Logger(),
	}
}

// Send posts a MarkdownV2 message to the chat.
func (t *Transport) Send(ctx context.Context, chatID int64, text string) Outcome {
	return t.deliver(ctx, OutgoingMessage{ChatID: chatID, Text: text, ParseMode: tgbotapi.ModeMarkdownV2})
}

// Reply posts a MarkdownV2 message as a reply to messageID.
func (t *Transport) Reply(ctx context.Context, chatID int64, messageID int, text string) Outcome {
	return t.deliver(ctx, OutgoingMessage{
		ChatID:    chatID,
		Text:      text,
		ParseMode: tgbotapi.ModeMarkdownV2,
		ReplyTo:   messageID,
	})
}

func (t *Transport) deliver(ctx context.Context, msg OutgoingMessage) Outcome {
	log := t.log.With().Int64("chat_id", msg.ChatID).Int("reply_to", msg.ReplyTo).Logger()
	fallback := func() {
		msg.Text = telegramfmt.Strip(msg.Text)
		msg.ParseMode = ""
	}
	if msg.ParseMode == "" {
		fallback = nil
	}
	return t.execute(ctx, log, "sendMessage", t.sendPolicy, func(ctx context.Context) error {
		return t.api.Send(ctx, msg)
	}, fallback)
}

// Do runs an administrative call under the admin retry policy.
func (t *Transport) Do(ctx context.Context, op string, fn func(ctx context.Context) error) Outcome {
	return t.execute(ctx, t.log, op, t.adminPolicy, fn, nil)
}

// doValue is Do for calls that return a value.
func doValue[T any](ctx context.Context, t *Transport, op string, fn func(ctx context.Context) (T, error)) (T, Outcome) {
	var result T
	out := t.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, out
}

// execute is the per-call state machine. A rejected format switches to the
// plain fallback at most once without waiting or counting as a retry.
// Transient failures wait and retry until the policy is exhausted. Anything
// else fails immediately.
func (t *Transport) execute(
	ctx context.Context,
	log zerolog.Logger,
	op string,
	policy RetryPolicy,
	call func(ctx context.Context) error,
	fallback func(),
) Outcome {
	var out Outcome
	transient := 0
	for {
		if err := ctx.Err(); err != nil {
			out.Kind, out.Err = KindFatal, err
			log.Warn().Err(err).Str("op", op).Int("attempts", out.Attempts).Msg("Call cancelled")
			return out
		}
		out.Attempts++
		err := call(ctx)
		if err == nil {
			out.OK, out.Kind, out.Err = true, KindNone, nil
			return out
		}
		kind := KindOf(err)
		if ctx.Err() != nil {
			kind = KindFatal
		}
		out.Kind, out.Err = kind, err
		log.Warn().Err(err).
			Str("op", op).
			Int("attempt", out.Attempts).
			Stringer("kind", kind).
			Msg("Outbound call failed")

		switch kind {
		case KindFormatRejected:
			if fallback == nil || out.PlainFallback {
				log.Error().Err(err).Str("op", op).Msg("Content rejected with no fallback left")
				return out
			}
			out.PlainFallback = true
			fallback()
			log.Warn().Str("op", op).Int("attempt", out.Attempts).Msg("Markup rejected, resending as plain text")
		case KindTransientNetwork:
			transient++
			if transient >= policy.MaxRetries {
				log.Error().Err(err).
					Str("op", op).
					Int("attempts", out.Attempts).
					Msg("Giving up after repeated transient failures")
				return out
			}
			delay := policy.Delay(transient)
			if hint := retryAfter(err); hint > delay {
				delay = min(hint, policy.MaxDelay)
			}
			log.Info().Str("op", op).Dur("delay", delay).Int("attempt", out.Attempts).Msg("Retrying after delay")
			if sleepErr := t.sleep(ctx, delay); sleepErr != nil {
				out.Kind, out.Err = KindFatal, sleepErr
				log.Warn().Err(sleepErr).Str("op", op).Msg("Retry wait interrupted")
				return out
			}
		default:
			log.Error().Err(err).Str("op", op).Stringer("kind", kind).Msg("Outbound call failed permanently")
			return out
		}
	}
}

func retryAfter(err error) time.Duration {
	var opErr *OpError
	if errors.As(err, &opErr) && opErr.RetryAfter > 0 {
		return time.Duration(opErr.RetryAfter) * time.Second
	}
	return 0
}
