// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/aiku/telegram-mentionbot/pkg/registry"
)

// ErrorKind classifies a failed remote or storage operation. Recovery
// decisions branch on the kind, never on error text.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	// KindTransientNetwork covers timeouts, refused connections, rate
	// limits and server-side errors. Retried with backoff.
	KindTransientNetwork
	// KindFormatRejected means the API refused the message markup. Resent
	// once as plain text.
	KindFormatRejected
	// KindConsumerConflict means another process is polling with the same
	// token.
	KindConsumerConflict
	// KindStorageFailure is a failed registry read or write.
	KindStorageFailure
	// KindFatal is everything else. Never retried.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "NONE"
	case KindTransientNetwork:
		return "TRANSIENT_NETWORK"
	case KindFormatRejected:
		return "FORMAT_REJECTED"
	case KindConsumerConflict:
		return "CONSUMER_CONFLICT"
	case KindStorageFailure:
		return "STORAGE_FAILURE"
	case KindFatal:
		return "FATAL_UNEXPECTED"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// OpError is returned by every ChatAPI method. Kind is decided once, at the
// API boundary.
type OpError struct {
	Op   string
	Kind ErrorKind
	// RetryAfter is the server-provided wait hint in seconds, if any.
	RetryAfter int
	Err        error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

var (
	// ErrMemberNotFound is returned by GetMember when the user is unknown
	// to the chat.
	ErrMemberNotFound = errors.New("chat member not found")
)

// wrapAPIError classifies err and wraps it in an OpError. Nil stays nil.
func wrapAPIError(op string, err error) error {
	if err == nil {
		return nil
	}
	var opErr *OpError
	if errors.As(err, &opErr) {
		return err
	}
	wrapped := &OpError{Op: op, Kind: Classify(err), Err: err}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		wrapped.RetryAfter = apiErr.RetryAfter
	}
	return wrapped
}

// KindOf returns the kind carried by an OpError in err's chain, falling back
// to Classify.
func KindOf(err error) ErrorKind {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}
	return Classify(err)
}

// formatRejectionMarkers are the Bot API descriptions for markup that could
// not be parsed.
var formatRejectionMarkers = []string{
	"can't parse entities",
	"can't find end of",
	"unsupported start tag",
	"unexpected end tag",
}

// Classify maps a raw error to an ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, registry.ErrStorage) {
		return KindStorageFailure
	}
	if errors.Is(err, context.Canceled) {
		return KindFatal
	}

	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return classifyAPIError(apiErr.Code, apiErr.Message)
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return KindTransientNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransientNetwork
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return KindTransientNetwork
	}
	// Proxies and load balancers answer outages with HTML pages, which
	// fail to decode as an API response.
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return KindTransientNetwork
	}
	return KindFatal
}

func classifyAPIError(code int, description string) ErrorKind {
	switch {
	case code == 409:
		return KindConsumerConflict
	case code == 429, code >= 500:
		return KindTransientNetwork
	case code == 400:
		desc := strings.ToLower(description)
		for _, marker := range formatRejectionMarkers {
			if strings.Contains(desc, marker) {
				return KindFormatRejected
			}
		}
	}
	return KindFatal
}
