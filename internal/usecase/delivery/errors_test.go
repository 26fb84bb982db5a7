package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"feed-relay/internal/domain/entity"
	"feed-relay/internal/resilience/retry"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{name: "nil", err: nil, want: ClassNone},
		{name: "network", err: netErr{}, want: ClassTransient},
		{name: "deadline", err: context.DeadlineExceeded, want: ClassTransient},
		{name: "untyped", err: errors.New("boom"), want: ClassTransient},
		{name: "retry hint", err: rateErr{wait: time.Second}, want: ClassRateLimited},
		{name: "429", err: statusErr{code: http.StatusTooManyRequests}, want: ClassRateLimited},
		{name: "401", err: statusErr{code: http.StatusUnauthorized}, want: ClassAuth},
		{name: "403 wrapped", err: fmt.Errorf("send: %w", statusErr{code: http.StatusForbidden}), want: ClassAuth},
		{name: "400", err: statusErr{code: http.StatusBadRequest}, want: ClassPermanent},
		{name: "404", err: statusErr{code: http.StatusNotFound}, want: ClassPermanent},
		{name: "408", err: statusErr{code: http.StatusRequestTimeout}, want: ClassTransient},
		{name: "500", err: statusErr{code: http.StatusInternalServerError}, want: ClassTransient},
		{name: "retry http error", err: &retry.HTTPError{StatusCode: 410}, want: ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestRetryAfter(t *testing.T) {
	d, ok := RetryAfter(fmt.Errorf("wrapped: %w", rateErr{wait: 42 * time.Second}))
	if !ok || d != 42*time.Second {
		t.Errorf("expected 42s hint, got %v (ok=%v)", d, ok)
	}

	if _, ok := RetryAfter(errors.New("plain")); ok {
		t.Error("expected no hint for a plain error")
	}
}

func TestClassifyPriority(t *testing.T) {
	tests := []struct {
		kind string
		text string
		want entity.Priority
	}{
		{kind: KindError, text: "anything", want: entity.PriorityCritical},
		{kind: "CRITICAL", text: "", want: entity.PriorityCritical},
		{kind: KindWarning, text: "", want: entity.PriorityHigh},
		{kind: KindContent, text: "new post", want: entity.PriorityNormal},
		{kind: KindUpdate, text: "new post", want: entity.PriorityNormal},
		{kind: KindStatus, text: "error", want: entity.PriorityLow},
		{kind: "", text: "❌ Feed check failed", want: entity.PriorityCritical},
		{kind: "", text: "Warning: slow feed", want: entity.PriorityHigh},
		{kind: "", text: "ℹ status report", want: entity.PriorityLow},
		{kind: "", text: "A new article", want: entity.PriorityNormal},
	}

	for _, tt := range tests {
		t.Run(tt.kind+"/"+tt.text, func(t *testing.T) {
			if got := ClassifyPriority(tt.kind, tt.text); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}
