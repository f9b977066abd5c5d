// Package streamerr classifies streaming failures into tagged kinds with
// severity and retryability, and maps each kind onto a recovery action.
// Retryability is a field, not a type hierarchy; callers branch on Kind.
package streamerr

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmylchreest/chanarr/internal/models"
)

// Kind classifies a streaming error.
type Kind string

// Error kinds.
const (
	KindNetwork    Kind = "network"
	KindHTTP401    Kind = "http_401"
	KindHTTP403    Kind = "http_403"
	KindHTTP464    Kind = "http_464"
	KindHTTP500    Kind = "http_500"
	KindHTTPOther  Kind = "http_other"
	KindAuth       Kind = "auth"
	KindCodec      Kind = "codec"
	KindStream     Kind = "stream"
	KindCDN        Kind = "cdn"
	KindFormat     Kind = "format"
	KindPermission Kind = "permission"
	KindExpiration Kind = "expiration"
	KindRateLimit  Kind = "rate_limit"
	KindTimeout    Kind = "stream_timeout"
	KindUnknown    Kind = "unknown"
)

// Severity grades how serious an error is.
type Severity string

// Severity levels.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// StreamError is a classified streaming failure.
type StreamError struct {
	Kind      Kind
	Severity  Severity
	Message   string
	Retryable bool
	Source    models.SourceKind
	Err       error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error.
func (e *StreamError) Unwrap() error { return e.Err }

// New creates a StreamError with the defaults for its kind.
func New(kind Kind, source models.SourceKind, msg string, err error) *StreamError {
	severity, retryable := kindDefaults(kind)
	return &StreamError{
		Kind:      kind,
		Severity:  severity,
		Message:   msg,
		Retryable: retryable,
		Source:    source,
		Err:       err,
	}
}

// kindDefaults returns the default severity and retryability for a kind.
func kindDefaults(kind Kind) (Severity, bool) {
	switch kind {
	case KindNetwork, KindCDN, KindHTTP500:
		return SeverityLow, true
	case KindHTTPOther, KindHTTP401, KindHTTP403, KindAuth, KindExpiration, KindTimeout, KindStream:
		return SeverityMedium, true
	case KindRateLimit, KindHTTP464:
		return SeverityHigh, true
	case KindFormat:
		return SeverityMedium, false
	case KindPermission, KindCodec:
		return SeverityHigh, false
	default:
		return SeverityMedium, true
	}
}

// AsStreamError returns err as a *StreamError, classifying it when it is
// not one already.
func AsStreamError(err error, source models.SourceKind) *StreamError {
	var se *StreamError
	if errors.As(err, &se) {
		return se
	}
	return Classify(err, source)
}

// Classify inspects an error's text and classifies it. Error text matching
// follows the upstream tools: ffmpeg and extractors report failures as
// stderr prose, so the codes arrive as substrings.
func Classify(err error, source models.SourceKind) *StreamError {
	if err == nil {
		return nil
	}
	text := strings.ToLower(err.Error())

	kind := KindUnknown
	switch {
	// Format errors may embed HTTP codes; check them first.
	case containsAny(text,
		"requested format is not available",
		"no suitable format",
		"format selection failed",
		"format not found"):
		kind = KindFormat

	case containsAny(text,
		"private video",
		"video is private",
		"geoblocked",
		"not available in your country",
		"region restricted",
		"access denied",
		"permission denied",
		"this video is not available"):
		kind = KindPermission

	case containsAny(text, "url expired", "url may have expired", "signature expired") ||
		(strings.Contains(text, "403") && strings.Contains(text, "expire")):
		kind = KindExpiration

	case containsAny(text, "rate limit", "too many requests", "429", "quota exceeded"):
		kind = KindRateLimit

	case strings.Contains(text, "401") || strings.Contains(text, "unauthorized"):
		kind = KindHTTP401

	case strings.Contains(text, "403") || strings.Contains(text, "forbidden"):
		kind = KindHTTP403

	case strings.Contains(text, "464"):
		kind = KindHTTP464

	case strings.Contains(text, "500") || strings.Contains(text, "internal server error"):
		kind = KindHTTP500

	case containsAny(text, "502", "503", "504", "404", "400"):
		kind = KindHTTPOther

	case containsAny(text, "timeout", "connection", "network", "dns",
		"failed to resolve hostname", "cannot resolve hostname"):
		kind = KindNetwork

	case containsAny(text, "cookie", "token", "auth", "login", "credential"):
		kind = KindAuth

	case containsAny(text, "codec", "encoder", "decoder"):
		kind = KindCodec

	case containsAny(text, "m3u8", "playlist", "segment", "stream"):
		kind = KindStream

	case containsAny(text, "cdn", "edge", "mirror"):
		kind = KindCDN
	}

	return New(kind, source, err.Error(), err)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Action tells the supervisor how to recover from a classified error.
type Action int

// Recovery actions, in escalating order of disruption.
const (
	// ActionRetryBackoff retries the same URL after exponential backoff.
	ActionRetryBackoff Action = iota
	// ActionRetryStripped retries with cookies then headers stripped, then
	// an alternate CDN where the resolver supports one.
	ActionRetryStripped
	// ActionRefreshRetry refreshes credentials, force re-resolves, and
	// retries once.
	ActionRefreshRetry
	// ActionRefreshImmediate force-refreshes the URL and retries
	// immediately without backoff.
	ActionRefreshImmediate
	// ActionLongBackoff backs off at five times the normal schedule before
	// retrying, then a fresh resolve for an alternate CDN where the resolver
	// supports one.
	ActionLongBackoff
	// ActionSkip abandons the item: advance, filler, or error screen.
	ActionSkip
)

// RecoveryPlan is the per-attempt policy for a classified error.
type RecoveryPlan struct {
	Action     Action
	MaxRetries int
	// BaseDelay is the first backoff step; it doubles per attempt up to Cap.
	// Long backoff instead starts at BaseDelay*5 and grows fivefold.
	BaseDelay time.Duration
	Cap       time.Duration
}

// PlanFor returns the recovery plan for an error kind.
func PlanFor(kind Kind) RecoveryPlan {
	switch kind {
	case KindNetwork, KindCDN:
		return RecoveryPlan{Action: ActionRetryBackoff, MaxRetries: 3, BaseDelay: time.Second, Cap: 60 * time.Second}
	case KindHTTP500, KindHTTPOther:
		return RecoveryPlan{Action: ActionRetryStripped, MaxRetries: 3, BaseDelay: time.Second, Cap: 60 * time.Second}
	case KindHTTP401, KindAuth:
		return RecoveryPlan{Action: ActionRefreshRetry, MaxRetries: 1, BaseDelay: time.Second, Cap: 60 * time.Second}
	case KindHTTP403, KindExpiration:
		return RecoveryPlan{Action: ActionRefreshImmediate, MaxRetries: 1, BaseDelay: 0, Cap: 60 * time.Second}
	case KindRateLimit, KindHTTP464:
		return RecoveryPlan{Action: ActionLongBackoff, MaxRetries: 2, BaseDelay: 5 * time.Second, Cap: 300 * time.Second}
	case KindPermission, KindCodec, KindFormat:
		return RecoveryPlan{Action: ActionSkip}
	case KindTimeout, KindStream:
		return RecoveryPlan{Action: ActionRetryBackoff, MaxRetries: 3, BaseDelay: time.Second, Cap: 60 * time.Second}
	default:
		return RecoveryPlan{Action: ActionRetryBackoff, MaxRetries: 3, BaseDelay: time.Second, Cap: 60 * time.Second}
	}
}

// BackoffDelay returns the delay before attempt n (0-based) under plan p.
// The long-backoff action multiplies the schedule by five each step:
// 25s, 125s for a 5s base.
func (p RecoveryPlan) BackoffDelay(attempt int) time.Duration {
	if p.BaseDelay == 0 {
		return 0
	}
	delay := p.BaseDelay
	factor := time.Duration(2)
	if p.Action == ActionLongBackoff {
		factor = 5
	}
	for i := 0; i < attempt; i++ {
		delay *= factor
		if delay >= p.Cap {
			return p.Cap
		}
	}
	if p.Action == ActionLongBackoff {
		// First long-backoff delay is base*factor (25s for a 5s base).
		delay *= factor
		if delay > p.Cap {
			delay = p.Cap
		}
	}
	if delay > p.Cap {
		delay = p.Cap
	}
	return delay
}
