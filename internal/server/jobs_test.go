// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"testing"
	"time"

	"github.com/bodaay/datafetch/pkg/datafetch"
)

func TestJobManager_CreateJob(t *testing.T) {
	_, up := newUpstream(t, map[string]string{"/slow/a.csv": "a\n", "/slow/b.csv": "b\n"})
	srv := newTestServer(t,
		datafetch.DatasetDescriptor{ID: "a", Protocol: datafetch.ProtocolHTTP, Source: up.URL + "/slow/a.csv"},
		datafetch.DatasetDescriptor{ID: "b", Protocol: datafetch.ProtocolHTTP, Source: up.URL + "/slow/b.csv"},
	)
	mgr := srv.jobs

	t.Run("empty ids selects every dataset", func(t *testing.T) {
		job, wasExisting, err := mgr.CreateJob(FetchRequest{Mode: "full"})
		if err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
		if wasExisting {
			t.Error("Expected new job, got existing")
		}
		if len(job.Datasets) != 2 || job.Progress.TotalDatasets != 2 {
			t.Errorf("Expected 2 datasets, got %v", job.Datasets)
		}
		if job.Mode != "full" || job.Source != "flag" {
			t.Errorf("Expected full from flag, got %s from %s", job.Mode, job.Source)
		}
		for _, it := range job.Items {
			if it.Status != "pending" {
				t.Errorf("Expected pending item, got %+v", it)
			}
		}
	})

	t.Run("no mode resolves the default", func(t *testing.T) {
		job, _, err := mgr.CreateJob(FetchRequest{IDs: []string{"a"}})
		if err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
		if job.Mode != "quick" || job.Source != "default" {
			t.Errorf("Expected quick from default, got %s from %s", job.Mode, job.Source)
		}
	})

	t.Run("unknown id is a request error", func(t *testing.T) {
		_, _, err := mgr.CreateJob(FetchRequest{IDs: []string{"a", "zzz"}, Mode: "full"})
		var reqErr *RequestError
		if !errors.As(err, &reqErr) {
			t.Fatalf("Expected RequestError, got %v", err)
		}
		var unknown *datafetch.UnknownDatasetError
		if !errors.As(err, &unknown) {
			t.Errorf("Expected UnknownDatasetError in chain, got %v", err)
		}
	})
}

func TestJobManager_Deduplication(t *testing.T) {
	_, up := newUpstream(t, map[string]string{"/slow/a.csv": "a\n", "/slow/b.csv": "b\n"})
	srv := newTestServer(t,
		datafetch.DatasetDescriptor{ID: "a", Protocol: datafetch.ProtocolHTTP, Source: up.URL + "/slow/a.csv"},
		datafetch.DatasetDescriptor{ID: "b", Protocol: datafetch.ProtocolHTTP, Source: up.URL + "/slow/b.csv"},
	)
	mgr := srv.jobs

	job1, _, err := mgr.CreateJob(FetchRequest{IDs: []string{"a", "b"}, Mode: "full"})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	// Same set in another order is the same job.
	job2, wasExisting, err := mgr.CreateJob(FetchRequest{IDs: []string{"b", "a"}, Mode: "full"})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if !wasExisting {
		t.Error("Expected existing job")
	}
	if job2.ID != job1.ID {
		t.Errorf("Expected same job ID %s, got %s", job1.ID, job2.ID)
	}

	// A subset is a separate job.
	job3, wasExisting, _ := mgr.CreateJob(FetchRequest{IDs: []string{"a"}, Mode: "full"})
	if wasExisting || job3.ID == job1.ID {
		t.Error("Expected a new job for a different dataset set")
	}

	// Once cancelled, the same request starts fresh.
	mgr.CancelJob(job1.ID)
	job4, wasExisting, _ := mgr.CreateJob(FetchRequest{IDs: []string{"a", "b"}, Mode: "full"})
	if wasExisting || job4.ID == job1.ID {
		t.Error("Expected a new job after cancel")
	}
}

func TestJobManager_SnapshotIsolation(t *testing.T) {
	_, up := newUpstream(t, map[string]string{"/slow/a.csv": "a\n"})
	srv := newTestServer(t,
		datafetch.DatasetDescriptor{ID: "a", Protocol: datafetch.ProtocolHTTP, Source: up.URL + "/slow/a.csv"},
	)
	mgr := srv.jobs

	job, _, _ := mgr.CreateJob(FetchRequest{Mode: "full"})
	job.Items[0].Status = "tampered"
	job.Datasets[0] = "tampered"

	got, ok := mgr.GetJob(job.ID)
	if !ok {
		t.Fatal("Job not found")
	}
	if got.Items[0].Status == "tampered" || got.Datasets[0] == "tampered" {
		t.Error("Expected GetJob to be unaffected by edits to a returned copy")
	}
}

func TestJobManager_FailedDataset(t *testing.T) {
	_, up := newUpstream(t, map[string]string{"/ok.csv": "ok\n"})
	srv := newTestServer(t,
		datafetch.DatasetDescriptor{ID: "ok", Protocol: datafetch.ProtocolHTTP, Source: up.URL + "/ok.csv"},
		datafetch.DatasetDescriptor{ID: "gone", Protocol: datafetch.ProtocolHTTP, Source: up.URL + "/gone.csv"},
	)
	mgr := srv.jobs

	updates := mgr.Subscribe()
	defer mgr.Unsubscribe(updates)

	job, _, err := mgr.CreateJob(FetchRequest{Mode: "full"})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	job = waitForJob(t, srv, job.ID, func(j Job) bool { return !j.Status.active() })

	if job.Status != JobStatusFailed {
		t.Fatalf("Expected failed, got %s", job.Status)
	}
	if job.Progress.CompletedDatasets != 1 || job.Progress.FailedDatasets != 1 {
		t.Errorf("Expected 1 completed and 1 failed, got %+v", job.Progress)
	}
	for _, it := range job.Items {
		switch it.ID {
		case "ok":
			if it.Status != "fetched" {
				t.Errorf("Expected ok fetched, got %+v", it)
			}
		case "gone":
			if it.Status != "failed" || it.Error == "" {
				t.Errorf("Expected gone failed with an error, got %+v", it)
			}
		}
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case u := <-updates:
			if u.ID == job.ID && u.Status == JobStatusFailed {
				return
			}
		case <-timeout:
			t.Fatal("Expected a final job update for subscribers")
		}
	}
}

func TestJobKey(t *testing.T) {
	if jobKey([]string{"b", "a"}, "quick") != jobKey([]string{"a", "b"}, "quick") {
		t.Error("Expected key to ignore id order")
	}
	if jobKey([]string{"a"}, "quick") == jobKey([]string{"a"}, "full") {
		t.Error("Expected key to include the mode")
	}
}
