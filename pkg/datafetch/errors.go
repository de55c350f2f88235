// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package datafetch

import (
	"context"
	"errors"
	"fmt"
)

// Common errors returned by the library.
var (
	// ErrUnauthorized is returned when a source requires credentials we do not have.
	ErrUnauthorized = errors.New("unauthorized: this source requires authentication")

	// ErrNotFound is returned when the remote object does not exist.
	ErrNotFound = errors.New("source object not found")

	// ErrRateLimited is returned when the remote rate limit is exceeded.
	ErrRateLimited = errors.New("rate limited: too many requests")

	// ErrSubsetTooLarge is returned when a quick-mode artifact exceeds its size bound.
	ErrSubsetTooLarge = errors.New("quick subset exceeds its size bound")

	// ErrUnsafePath is returned when a remote listing names a path outside the dataset directory.
	ErrUnsafePath = errors.New("unsafe listed path")
)

// Stage names the pipeline step an error belongs to.
type Stage string

const (
	StageFetch  Stage = "fetch"
	StageVerify Stage = "verify"
)

// ConfigurationError reports a bad mode input. It is fatal and raised before
// any network call.
type ConfigurationError struct {
	Source string
	Value  string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("configuration error in %s: invalid value %q: %v", e.Source, e.Value, e.Err)
	}
	return fmt.Sprintf("configuration error in %s: %v", e.Source, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// UnknownDatasetError is returned when an id is not in the registry.
type UnknownDatasetError struct {
	ID string
}

func (e *UnknownDatasetError) Error() string {
	return fmt.Sprintf("unknown dataset %q", e.ID)
}

// TransportError wraps a network or storage access failure.
type TransportError struct {
	Op  string // "GET s3://bucket/key", "tree", ...
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error (%s): %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed. Client-side API
// errors (401, 403, 404) and cancellation are final.
func (e *TransportError) Retryable() bool {
	if errors.Is(e.Err, context.Canceled) || errors.Is(e.Err, context.DeadlineExceeded) || errors.Is(e.Err, ErrUnsafePath) {
		return false
	}
	var apiErr *APIError
	if errors.As(e.Err, &apiErr) {
		return apiErr.IsRetryable()
	}
	return true
}

// HashMismatchError is returned when a digest does not match the registry.
type HashMismatchError struct {
	Path     string
	Expected Digest
	Actual   Digest
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("verification failed for %s: %s mismatch (expected %s, got %s)",
		e.Path, e.Expected.Algorithm, e.Expected.Hex, e.Actual.Hex)
}

// PartialWriteError marks an interrupted transfer. The staged file is removed.
type PartialWriteError struct {
	Path    string
	Written int64
	Err     error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("partial write of %s after %d bytes: %v", e.Path, e.Written, e.Err)
}

func (e *PartialWriteError) Unwrap() error { return e.Err }

// DatasetError attaches the dataset id and the pipeline stage to a failure.
type DatasetError struct {
	ID    string
	Stage Stage
	Err   error
}

func (e *DatasetError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.ID, e.Stage, e.Err)
}

func (e *DatasetError) Unwrap() error { return e.Err }

// APIError represents a non-2xx reply from an HTTP source or the hub.
type APIError struct {
	StatusCode int
	Status     string
	Message    string
	URL        string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Status)
}

// IsRetryable returns true if the error might succeed on retry.
func (e *APIError) IsRetryable() bool {
	switch e.StatusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Is implements errors.Is for common error comparisons.
func (e *APIError) Is(target error) bool {
	switch e.StatusCode {
	case 401, 403:
		return target == ErrUnauthorized
	case 404:
		return target == ErrNotFound
	case 429:
		return target == ErrRateLimited
	default:
		return false
	}
}
