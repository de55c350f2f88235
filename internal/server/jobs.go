// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bodaay/datafetch/pkg/datafetch"
)

// JobStatus represents the state of a fetch job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

func (s JobStatus) active() bool {
	return s == JobStatusQueued || s == JobStatusRunning
}

// Job represents one fetch run over a set of datasets in one mode.
type Job struct {
	ID        string           `json:"id"`
	Datasets  []string         `json:"datasets"`
	Mode      string           `json:"mode"`
	Source    string           `json:"modeSource"`
	Status    JobStatus        `json:"status"`
	Progress  JobProgress      `json:"progress"`
	Error     string           `json:"error,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	StartedAt *time.Time       `json:"startedAt,omitempty"`
	EndedAt   *time.Time       `json:"endedAt,omitempty"`
	Items     []JobDatasetItem `json:"items"`

	cancel context.CancelFunc
	key    string
}

// JobProgress holds aggregate progress info.
type JobProgress struct {
	TotalDatasets     int   `json:"totalDatasets"`
	CompletedDatasets int   `json:"completedDatasets"`
	FailedDatasets    int   `json:"failedDatasets"`
	TotalBytes        int64 `json:"totalBytes"`
	DownloadedBytes   int64 `json:"downloadedBytes"`
}

// JobDatasetItem holds per-dataset progress.
type JobDatasetItem struct {
	ID         string `json:"id"`
	Status     string `json:"status"` // pending, active, or a datafetch status
	TotalBytes int64  `json:"totalBytes"`
	Downloaded int64  `json:"downloaded"`
	Path       string `json:"path,omitempty"`
	Digest     string `json:"digest,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	Error      string `json:"error,omitempty"`

	files map[string]int64
}

// FetchRequest is the request body for starting a fetch.
// The data directory is NOT configurable via API.
type FetchRequest struct {
	IDs  []string `json:"ids,omitempty"`
	Mode string   `json:"mode,omitempty"` // quick, full, or empty to resolve
}

// RequestError is a client error in a FetchRequest.
type RequestError struct {
	Err error
}

func (e *RequestError) Error() string { return e.Err.Error() }
func (e *RequestError) Unwrap() error { return e.Err }

// JobManager runs fetch jobs on one shared orchestrator, so jobs that
// overlap on a dataset never fetch it twice at once.
type JobManager struct {
	mu       sync.RWMutex
	jobs     map[string]*Job
	orch     *datafetch.Orchestrator
	registry *datafetch.Registry
	resolve  func(flag string) (datafetch.Resolution, error)
	wsHub    *WSHub
	logger   *slog.Logger

	listeners  []chan Job
	listenerMu sync.RWMutex

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewJobManager creates a job manager and routes orch's progress to it.
func NewJobManager(orch *datafetch.Orchestrator, reg *datafetch.Registry, resolve func(string) (datafetch.Resolution, error), wsHub *WSHub, logger *slog.Logger) *JobManager {
	ctx, stop := context.WithCancel(context.Background())
	m := &JobManager{
		jobs:     make(map[string]*Job),
		orch:     orch,
		registry: reg,
		resolve:  resolve,
		wsHub:    wsHub,
		logger:   logger,
		ctx:      ctx,
		stop:     stop,
	}
	orch.Progress = m.handleEvent
	return m
}

// generateID creates a short random ID.
func generateID() string {
	b := make([]byte, 6)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func jobKey(ids []string, mode string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return mode + "|" + strings.Join(sorted, ",")
}

// CreateJob validates req and starts a job. It returns the existing job
// if one for the same datasets and mode is still queued or running.
func (m *JobManager) CreateJob(req FetchRequest) (Job, bool, error) {
	res, err := m.resolve(strings.TrimSpace(req.Mode))
	if err != nil {
		return Job{}, false, &RequestError{Err: err}
	}

	var descs []datafetch.DatasetDescriptor
	if len(req.IDs) == 0 {
		descs = m.registry.All()
	} else {
		var errs []error
		descs, errs = m.registry.Select(req.IDs)
		if len(errs) > 0 {
			return Job{}, false, &RequestError{Err: errors.Join(errs...)}
		}
	}
	ids := make([]string, len(descs))
	for i, d := range descs {
		ids[i] = d.ID
	}
	mode := res.Config.Mode.String()
	key := jobKey(ids, mode)

	// Check for existing active job with same datasets and mode
	m.mu.Lock()
	for _, existing := range m.jobs {
		if existing.key == key && existing.Status.active() {
			snap := existing.snapshot()
			m.mu.Unlock()
			return snap, true, nil
		}
	}

	job := &Job{
		ID:        generateID(),
		Datasets:  ids,
		Mode:      mode,
		Source:    string(res.Source),
		Status:    JobStatusQueued,
		CreatedAt: time.Now(),
		Progress:  JobProgress{TotalDatasets: len(ids)},
		key:       key,
	}
	for _, id := range ids {
		job.Items = append(job.Items, JobDatasetItem{ID: id, Status: "pending"})
	}
	ctx, cancel := context.WithCancel(m.ctx)
	job.cancel = cancel
	m.jobs[job.ID] = job
	snap := job.snapshot()
	m.mu.Unlock()

	m.logger.Info("job created", "job", job.ID, "mode", mode, "datasets", len(ids))
	m.wg.Add(1)
	go m.runJob(ctx, job, descs, res.Config)

	return snap, false, nil
}

// GetJob returns a copy of a job by ID.
func (m *JobManager) GetJob(id string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return job.snapshot(), true
}

// ListJobs returns copies of all jobs, newest first.
func (m *JobManager) ListJobs() []Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job.snapshot())
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	return jobs
}

// CancelJob cancels a running or queued job.
func (m *JobManager) CancelJob(id string) bool {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok || !job.Status.active() {
		m.mu.Unlock()
		return false
	}
	job.cancel()
	job.Status = JobStatusCancelled
	now := time.Now()
	job.EndedAt = &now
	snap := job.snapshot()
	m.mu.Unlock()

	m.notifyListeners(snap)
	return true
}

// Shutdown cancels every job and waits for them to return.
func (m *JobManager) Shutdown() {
	m.stop()
	m.wg.Wait()
}

// Subscribe adds a listener for job updates.
func (m *JobManager) Subscribe() chan Job {
	ch := make(chan Job, 100)
	m.listenerMu.Lock()
	m.listeners = append(m.listeners, ch)
	m.listenerMu.Unlock()
	return ch
}

// Unsubscribe removes a listener.
func (m *JobManager) Unsubscribe(ch chan Job) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()

	for i, listener := range m.listeners {
		if listener == ch {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

func (m *JobManager) notifyListeners(job Job) {
	m.listenerMu.RLock()
	for _, ch := range m.listeners {
		select {
		case ch <- job:
		default:
			// Listener is slow, skip
		}
	}
	m.listenerMu.RUnlock()

	if m.wsHub != nil {
		m.wsHub.BroadcastJob(job)
	}
}

// handleEvent folds an orchestrator event into every active job that
// covers the dataset in the event's mode.
func (m *JobManager) handleEvent(ev datafetch.ProgressEvent) {
	if m.wsHub != nil {
		m.wsHub.BroadcastEvent(ev)
	}
	if ev.Dataset == "" {
		return
	}

	var updated []Job
	m.mu.Lock()
	for _, job := range m.jobs {
		if job.Status != JobStatusRunning || job.Mode != ev.Mode {
			continue
		}
		it := job.item(ev.Dataset)
		if it == nil {
			continue
		}
		switch ev.Event {
		case "dataset_start":
			it.Status = "active"
			if it.TotalBytes == 0 {
				it.TotalBytes = ev.Total
			}
			if it.files == nil {
				it.files = map[string]int64{}
			}
			it.files[ev.Path] = 0
		case "dataset_progress":
			if it.files == nil {
				it.files = map[string]int64{}
			}
			it.files[ev.Path] = ev.Downloaded
			var n int64
			for _, b := range it.files {
				n += b
			}
			it.Downloaded = n
		case "retry":
			it.Attempts = ev.Attempt + 1
		default:
			continue
		}
		job.recount()
		if ev.Event != "dataset_progress" {
			updated = append(updated, job.snapshot())
		}
	}
	m.mu.Unlock()

	for _, j := range updated {
		m.notifyListeners(j)
	}
}

// runJob executes the fetch job.
func (m *JobManager) runJob(ctx context.Context, job *Job, descs []datafetch.DatasetDescriptor, cfg datafetch.ModeConfig) {
	defer m.wg.Done()

	m.mu.Lock()
	if job.Status != JobStatusQueued {
		m.mu.Unlock()
		return
	}
	job.Status = JobStatusRunning
	now := time.Now()
	job.StartedAt = &now
	snap := job.snapshot()
	m.mu.Unlock()
	m.notifyListeners(snap)

	results := m.orch.Run(ctx, descs, cfg)

	m.mu.Lock()
	failed := 0
	for _, r := range results {
		it := job.item(r.DatasetID)
		if it == nil {
			continue
		}
		it.Status = r.Status.String()
		it.Path = r.LocalPath
		it.Attempts = r.Attempts
		it.Error = r.ErrorString()
		if !r.Digest.IsZero() {
			it.Digest = r.Digest.String()
		}
		if r.Status.OK() {
			if r.BytesWritten > 0 {
				it.Downloaded = r.BytesWritten
			}
			if it.TotalBytes < it.Downloaded {
				it.TotalBytes = it.Downloaded
			}
		} else {
			failed++
		}
	}
	job.recount()
	endTime := time.Now()
	job.EndedAt = &endTime
	switch {
	case job.Status == JobStatusCancelled:
		// CancelJob already recorded the outcome
	case ctx.Err() != nil:
		job.Status = JobStatusCancelled
	case failed > 0:
		job.Status = JobStatusFailed
		job.Error = fmt.Sprintf("%d of %d datasets failed", failed, len(results))
	default:
		job.Status = JobStatusCompleted
	}
	snap = job.snapshot()
	m.mu.Unlock()

	m.logger.Info("job finished", "job", job.ID, "status", string(snap.Status), "failed", failed)
	m.notifyListeners(snap)
}

func (j *Job) item(id string) *JobDatasetItem {
	for i := range j.Items {
		if j.Items[i].ID == id {
			return &j.Items[i]
		}
	}
	return nil
}

func (j *Job) recount() {
	p := JobProgress{TotalDatasets: len(j.Items)}
	for _, it := range j.Items {
		p.TotalBytes += it.TotalBytes
		p.DownloadedBytes += it.Downloaded
		switch it.Status {
		case "pending", "active":
		case datafetch.StatusVerified.String(), datafetch.StatusFetched.String(), datafetch.StatusSkipped.String():
			p.CompletedDatasets++
		default:
			p.FailedDatasets++
		}
	}
	j.Progress = p
}

// snapshot copies the job for use outside the manager lock.
func (j *Job) snapshot() Job {
	c := *j
	c.cancel = nil
	c.Datasets = append([]string(nil), j.Datasets...)
	c.Items = make([]JobDatasetItem, len(j.Items))
	for i, it := range j.Items {
		it.files = nil
		c.Items[i] = it
	}
	return c
}
