// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package datafetch

import (
	"context"
	"errors"
	"testing"
	"time"
)

func noSleep(context.Context, time.Duration) bool { return true }

func TestRetryPolicy_Delays(t *testing.T) {
	p := RetryPolicy{Retries: 5, Initial: time.Second, Max: 3 * time.Second, Multiplier: 2}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second, 3 * time.Second}
	got := p.Delays()
	if len(got) != len(want) {
		t.Fatalf("Expected %d delays, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Delay %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestRetryPolicy_RetriesTransportErrors(t *testing.T) {
	p := RetryPolicy{Retries: 3, sleep: noSleep}
	var retried []int
	attempts, err := p.Do(context.Background(), func(attempt int) error {
		if attempt < 3 {
			return &TransportError{Op: "GET", Err: &APIError{StatusCode: 503}}
		}
		return nil
	}, func(attempt int, err error) { retried = append(retried, attempt) })
	if err != nil {
		t.Fatal(err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
	if len(retried) != 2 {
		t.Errorf("Expected 2 retry callbacks, got %v", retried)
	}
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	p := RetryPolicy{Retries: 2, sleep: noSleep}
	calls := 0
	attempts, err := p.Do(context.Background(), func(int) error {
		calls++
		return &TransportError{Op: "GET", Err: errors.New("connection reset")}
	}, nil)
	if err == nil {
		t.Fatal("Expected error after exhausting retries")
	}
	if calls != 3 || attempts != 3 {
		t.Errorf("Expected 3 calls, got %d (attempts %d)", calls, attempts)
	}
}

func TestRetryPolicy_NeverRetriesMismatch(t *testing.T) {
	p := RetryPolicy{Retries: 5, sleep: noSleep}
	calls := 0
	_, err := p.Do(context.Background(), func(int) error {
		calls++
		return &DatasetError{ID: "x", Stage: StageVerify, Err: &HashMismatchError{}}
	}, nil)
	if calls != 1 {
		t.Errorf("Hash mismatch retried: %d calls", calls)
	}
	var hm *HashMismatchError
	if !errors.As(err, &hm) {
		t.Errorf("Expected HashMismatchError, got %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"5xx", &TransportError{Err: &APIError{StatusCode: 502}}, true},
		{"429", &TransportError{Err: &APIError{StatusCode: 429}}, true},
		{"404", &TransportError{Err: &APIError{StatusCode: 404}}, false},
		{"401", &TransportError{Err: &APIError{StatusCode: 401}}, false},
		{"network", &TransportError{Err: errors.New("eof")}, true},
		{"canceled", &TransportError{Err: context.Canceled}, false},
		{"partial write", &PartialWriteError{Err: &TransportError{Err: errors.New("reset")}}, true},
		{"mismatch", &HashMismatchError{}, false},
		{"plain", errors.New("disk full"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryPolicy_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{Retries: 10, Initial: time.Hour}
	calls := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Do(ctx, func(int) error {
			calls++
			return &TransportError{Err: errors.New("reset")}
		}, func(int, error) { cancel() })
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestAPIError_Is(t *testing.T) {
	if !errors.Is(&APIError{StatusCode: 403}, ErrUnauthorized) {
		t.Error("403 should match ErrUnauthorized")
	}
	if !errors.Is(&TransportError{Err: &APIError{StatusCode: 404}}, ErrNotFound) {
		t.Error("wrapped 404 should match ErrNotFound")
	}
	if errors.Is(&APIError{StatusCode: 500}, ErrNotFound) {
		t.Error("500 should not match ErrNotFound")
	}
}
