package joberr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		kind     Kind
		terminal bool
	}{
		{"missing post", New(MissingPost, "post %s not found", "p1"), MissingPost, true},
		{"wrapped token", fmt.Errorf("dispatch: %w", New(TokenExpired, "expired")), TokenExpired, true},
		{"service", Wrap(ServiceError, errors.New("502"), ""), ServiceError, false},
		{"raw", errors.New("nil pointer"), UnhandledException, false},
		{"deadline", context.DeadlineExceeded, ServiceError, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := KindOf(tt.err); got != tt.kind {
				t.Fatalf("KindOf = %s, want %s", got, tt.kind)
			}
			if got := IsTerminal(tt.err); got != tt.terminal {
				t.Fatalf("IsTerminal = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestRetryAfterHint(t *testing.T) {
	t.Parallel()
	base := New(ServiceError, "rate limited")
	err := fmt.Errorf("publish: %w", base.WithRetryAfter(30*time.Second))
	if got := RetryAfterOf(err); got != 30*time.Second {
		t.Fatalf("RetryAfterOf = %v", got)
	}
	if base.RetryAfter != 0 {
		t.Fatal("WithRetryAfter must not mutate the receiver")
	}
	if KindOf(nil) != "" {
		t.Fatal("KindOf(nil) should be empty")
	}
}
