package errors

import (
	"context"
	sterrors "errors"
	"fmt"
	"testing"
	"time"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrConfigRequired", ErrConfigRequired, "eventflow: configuration is required"},
		{"ErrPublisherRequired", ErrPublisherRequired, "eventflow: publisher is required"},
		{"ErrTopicRequired", ErrTopicRequired, "eventflow: topic is required"},
		{"ErrStoreRequired", ErrStoreRequired, "eventflow: store is required"},
		{"ErrDispatcherClosed", ErrDispatcherClosed, "eventflow: dispatcher is shut down"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Fatalf("expected %q, got %q", tt.wantMsg, got)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassNone},
		{"validation", &ValidationError{Kind: "user_analytics", Missing: []string{"user_id"}}, ClassValidation},
		{"wrapped validation", fmt.Errorf("process: %w", &ValidationError{Reason: "bad"}), ClassValidation},
		{"decode", &DecodeError{Cause: sterrors.New("eof")}, ClassDecode},
		{"dispatch", &DispatchError{Kind: "unknown_kind"}, ClassDispatch},
		{"permanent", Permanent(sterrors.New("boom")), ClassPermanent},
		{"non retryable publish", &PublishError{Retryable: false, Cause: sterrors.New("encode")}, ClassPermanent},
		{"retryable publish", &PublishError{Retryable: true, Cause: context.DeadlineExceeded}, ClassTransient},
		{"transient", Transient("save", sterrors.New("connection refused")), ClassTransient},
		{"unknown", sterrors.New("mystery"), ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Fatal("nil error must not be retryable")
	}
	if IsRetryable(&ValidationError{}) {
		t.Fatal("validation errors must not be retryable")
	}
	if !IsRetryable(Transient("ping", sterrors.New("timeout"))) {
		t.Fatal("transient errors must be retryable")
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Kind: "chemical_research", Missing: []string{"molecule_id", "data"}}
	want := "eventflow: invalid chemical_research event: missing required fields: molecule_id, data"
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}

func TestWrappersPreserveNil(t *testing.T) {
	if Transient("op", nil) != nil {
		t.Fatal("expected nil")
	}
	if Permanent(nil) != nil {
		t.Fatal("expected nil")
	}
}

func TestRetryDelay(t *testing.T) {
	err := fmt.Errorf("wrap: %w", &TransientError{Op: "save", Cause: sterrors.New("busy"), RetryAfter: 2 * time.Second})
	delay, ok := RetryDelay(err)
	if !ok || delay != 2*time.Second {
		t.Fatalf("expected 2s override, got %v (%v)", delay, ok)
	}
	if _, ok := RetryDelay(sterrors.New("plain")); ok {
		t.Fatal("expected no override for plain errors")
	}
}

func TestUnwrapChains(t *testing.T) {
	cause := sterrors.New("root")
	if !sterrors.Is(&DecodeError{Cause: cause}, cause) {
		t.Fatal("decode error must unwrap")
	}
	if !sterrors.Is(&PublishError{Cause: cause}, cause) {
		t.Fatal("publish error must unwrap")
	}
	if !sterrors.Is(Permanent(cause), cause) {
		t.Fatal("permanent error must unwrap")
	}
}
