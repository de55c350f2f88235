// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package datafetch

import (
	"fmt"
	"strings"
	"time"
)

// Status is the outcome of one fetch attempt.
type Status int

const (
	StatusFailed Status = iota
	StatusVerified
	StatusHashMismatch
	StatusFetched
	StatusSkipped
)

var statusNames = map[Status]string{
	StatusFailed:       "failed",
	StatusVerified:     "verified",
	StatusHashMismatch: "hash_mismatch",
	StatusFetched:      "fetched",
	StatusSkipped:      "skipped",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	for k, v := range statusNames {
		if strings.EqualFold(v, string(b)) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", string(b))
}

// OK reports whether the status is an acceptable end state for a run.
func (s Status) OK() bool {
	return s == StatusVerified || s == StatusFetched || s == StatusSkipped
}

// FetchResult is the record of one fetch attempt for one dataset.
type FetchResult struct {
	DatasetID    string        `json:"dataset_id"`
	Mode         Mode          `json:"mode"`
	LocalPath    string        `json:"local_path"`
	BytesWritten int64         `json:"bytes_written"`
	Digest       Digest        `json:"digest,omitempty"`
	Status       Status        `json:"status"`
	Stage        Stage         `json:"stage,omitempty"`
	Attempts     int           `json:"attempts,omitempty"`
	Duration     time.Duration `json:"duration"`
	Err          error         `json:"-"`
	// Shared is set when the result came from another caller's in-flight fetch.
	Shared bool `json:"shared,omitempty"`
}

// ErrorString returns the error text or "".
func (r FetchResult) ErrorString() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// ProgressEvent represents a progress update during a run.
//
// The Event field indicates the type of event:
//   - "run_start": resolution done, datasets about to be scheduled
//   - "dataset_start": a fetch has begun for Dataset
//   - "dataset_progress": periodic byte counts
//   - "retry": a transport failure is being retried
//   - "fallback": quick mode fell back to the full artifact
//   - "dataset_done": a dataset finished (Status carries the outcome)
//   - "error": a dataset failed
//   - "done": the run finished
type ProgressEvent struct {
	Time       time.Time `json:"time"`
	Level      string    `json:"level,omitempty"`
	Event      string    `json:"event"`
	Dataset    string    `json:"dataset,omitempty"`
	Mode       string    `json:"mode,omitempty"`
	Path       string    `json:"path,omitempty"`
	Total      int64     `json:"total,omitempty"`
	Downloaded int64     `json:"downloaded,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Status     string    `json:"status,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// ProgressFunc receives progress events. It is called from multiple
// goroutines and must be safe for concurrent use.
type ProgressFunc func(ProgressEvent)

// emitter fills common fields before forwarding.
type emitter struct {
	fn      ProgressFunc
	dataset string
	mode    Mode
}

func (e emitter) emit(ev ProgressEvent) {
	if e.fn == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if ev.Dataset == "" {
		ev.Dataset = e.dataset
	}
	if ev.Mode == "" {
		ev.Mode = e.mode.String()
	}
	e.fn(ev)
}
