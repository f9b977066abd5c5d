package streamerr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jmylchreest/chanarr/internal/models"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantKind      Kind
		wantRetryable bool
	}{
		{
			name:          "private video is permanent",
			err:           errors.New("ERROR: Private video. Sign in if you've been granted access"),
			wantKind:      KindPermission,
			wantRetryable: false,
		},
		{
			name:          "format selection failure is permanent",
			err:           errors.New("requested format is not available"),
			wantKind:      KindFormat,
			wantRetryable: false,
		},
		{
			name:          "403 with expiry hint",
			err:           errors.New("HTTP error 403: url expired"),
			wantKind:      KindExpiration,
			wantRetryable: true,
		},
		{
			name:          "plain 403",
			err:           errors.New("server returned 403 Forbidden"),
			wantKind:      KindHTTP403,
			wantRetryable: true,
		},
		{
			name:          "rate limit",
			err:           errors.New("too many requests, slow down"),
			wantKind:      KindRateLimit,
			wantRetryable: true,
		},
		{
			name:          "429",
			err:           errors.New("HTTP 429"),
			wantKind:      KindRateLimit,
			wantRetryable: true,
		},
		{
			name:          "unauthorized",
			err:           errors.New("401 unauthorized"),
			wantKind:      KindHTTP401,
			wantRetryable: true,
		},
		{
			name:          "internal server error",
			err:           errors.New("HTTP 500 internal server error"),
			wantKind:      KindHTTP500,
			wantRetryable: true,
		},
		{
			name:          "bad gateway",
			err:           errors.New("HTTP 502 bad gateway"),
			wantKind:      KindHTTPOther,
			wantRetryable: true,
		},
		{
			name:          "connection refused",
			err:           errors.New("dial tcp: connection refused"),
			wantKind:      KindNetwork,
			wantRetryable: true,
		},
		{
			name:          "dns",
			err:           errors.New("cannot resolve hostname cdn.example.com"),
			wantKind:      KindNetwork,
			wantRetryable: true,
		},
		{
			name:          "codec failure is permanent",
			err:           errors.New("encoder 'h264_qsv' refused input"),
			wantKind:      KindCodec,
			wantRetryable: false,
		},
		{
			name:          "cookie problems are auth",
			err:           errors.New("cookie jar rejected"),
			wantKind:      KindAuth,
			wantRetryable: true,
		},
		{
			name:          "unknown defaults retryable",
			err:           errors.New("something odd happened"),
			wantKind:      KindUnknown,
			wantRetryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			se := Classify(tt.err, models.SourceYouTube)
			assert.Equal(t, tt.wantKind, se.Kind)
			assert.Equal(t, tt.wantRetryable, se.Retryable)
			assert.Equal(t, models.SourceYouTube, se.Source)
		})
	}
}

func TestAsStreamErrorPassesThrough(t *testing.T) {
	orig := New(KindExpiration, models.SourcePlex, "expired", nil)
	wrapped := fmt.Errorf("attempt failed: %w", orig)

	got := AsStreamError(wrapped, models.SourceUnknown)
	assert.Same(t, orig, got)
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("boom")
	se := New(KindNetwork, models.SourceLocal, "read failed", inner)
	assert.ErrorIs(t, se, inner)
}

func TestPlanFor(t *testing.T) {
	network := PlanFor(KindNetwork)
	assert.Equal(t, ActionRetryBackoff, network.Action)
	assert.Equal(t, 3, network.MaxRetries)

	assert.Equal(t, ActionRefreshImmediate, PlanFor(KindExpiration).Action)
	assert.Equal(t, ActionRefreshImmediate, PlanFor(KindHTTP403).Action)
	assert.Equal(t, ActionRefreshRetry, PlanFor(KindHTTP401).Action)
	assert.Equal(t, ActionRetryStripped, PlanFor(KindHTTP500).Action)
	assert.Equal(t, ActionLongBackoff, PlanFor(KindRateLimit).Action)
	assert.Equal(t, ActionSkip, PlanFor(KindPermission).Action)
	assert.Equal(t, ActionSkip, PlanFor(KindCodec).Action)
}

func TestBackoffDelay(t *testing.T) {
	network := PlanFor(KindNetwork)
	assert.Equal(t, time.Second, network.BackoffDelay(0))
	assert.Equal(t, 2*time.Second, network.BackoffDelay(1))
	assert.Equal(t, 4*time.Second, network.BackoffDelay(2))

	// Delays cap at 60s.
	assert.Equal(t, 60*time.Second, network.BackoffDelay(10))

	rateLimit := PlanFor(KindRateLimit)
	assert.Equal(t, 25*time.Second, rateLimit.BackoffDelay(0))
	assert.Equal(t, 125*time.Second, rateLimit.BackoffDelay(1))

	// Immediate refresh has no delay.
	expired := PlanFor(KindExpiration)
	assert.Equal(t, time.Duration(0), expired.BackoffDelay(0))
}
