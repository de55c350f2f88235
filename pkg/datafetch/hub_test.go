// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package datafetch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

// fakeHub serves the tree listing and resolve endpoints for one dataset repo.
type fakeHub struct {
	files map[string][]byte // path in repo -> content
	lfs   map[string]string // path -> published sha256 (LFS files only)
	token string
}

func (h *fakeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.token != "" && r.Header.Get("Authorization") != "Bearer "+h.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	const treePrefix = "/api/datasets/owner/repo/tree/main"
	const resolvePrefix = "/datasets/owner/repo/resolve/main/"
	switch {
	case strings.HasPrefix(r.URL.Path, treePrefix):
		prefix := strings.Trim(strings.TrimPrefix(r.URL.Path, treePrefix), "/")
		var nodes []hfNode
		dirs := map[string]bool{}
		for p, b := range h.files {
			rest := p
			if prefix != "" {
				if !strings.HasPrefix(p, prefix+"/") {
					continue
				}
				rest = strings.TrimPrefix(p, prefix+"/")
			}
			if i := strings.IndexByte(rest, '/'); i >= 0 {
				dir := strings.TrimPrefix(prefix+"/"+rest[:i], "/")
				if !dirs[dir] {
					dirs[dir] = true
					nodes = append(nodes, hfNode{Type: "directory", Path: dir})
				}
				continue
			}
			n := hfNode{Type: "file", Path: p, Size: int64(len(b))}
			if sha, ok := h.lfs[p]; ok {
				n.LFS = &hfLfsInfo{Oid: sha, Size: int64(len(b))}
			}
			nodes = append(nodes, n)
		}
		if len(nodes) == 0 {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(nodes)
	case strings.HasPrefix(r.URL.Path, resolvePrefix):
		b, ok := h.files[strings.TrimPrefix(r.URL.Path, resolvePrefix)]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(b)
	default:
		http.NotFound(w, r)
	}
}

func TestParseHubLocator(t *testing.T) {
	tests := []struct {
		in   string
		want hubLocator
	}{
		{"hf://owner/model", hubLocator{Repo: "owner/model", Revision: "main"}},
		{"hf://datasets/owner/data@v2", hubLocator{Repo: "owner/data", IsDataset: true, Revision: "v2"}},
		{"hf://datasets/owner/data@main/sub/file.csv", hubLocator{Repo: "owner/data", IsDataset: true, Revision: "main", Path: "sub/file.csv"}},
	}
	for _, tt := range tests {
		got, err := parseHubLocator(tt.in)
		if err != nil {
			t.Errorf("parseHubLocator(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseHubLocator(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
	for _, bad := range []string{"https://huggingface.co/x/y", "hf://owner", "hf://owner/@rev", "hf://owner/name@"} {
		if _, err := parseHubLocator(bad); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}

func TestHubFetcher_SingleFile(t *testing.T) {
	hub := &fakeHub{files: map[string][]byte{"data/train.csv": []byte("x,y\n1,2\n")}}
	srv := httptest.NewServer(hub)
	defer srv.Close()

	d := DatasetDescriptor{ID: "t", Protocol: ProtocolModelHub, Source: "hf://datasets/owner/repo/data/train.csv"}
	dst := filepath.Join(t.TempDir(), "train.csv.part")
	res := (&HubFetcher{Endpoint: srv.URL}).Fetch(context.Background(), Request{
		Descriptor: d, Variant: d.Variant(ConfigFor(Full)), Dst: dst,
	})
	if res.Status != StatusFetched {
		t.Fatalf("Expected fetched, got %v: %v", res.Status, res.Err)
	}
	got, _ := os.ReadFile(dst)
	if string(got) != "x,y\n1,2\n" {
		t.Errorf("Unexpected content %q", got)
	}
}

func TestHubFetcher_TreeWithLFSCheck(t *testing.T) {
	shard := []byte("parquet-bytes")
	hub := &fakeHub{
		files: map[string][]byte{
			"mnist/train.parquet": shard,
			"mnist/test.parquet":  []byte("more"),
			"mnist/meta/info.txt": []byte("info"),
			"README.md":           []byte("readme"),
		},
		lfs:   map[string]string{"mnist/train.parquet": sha256Of(shard).Hex},
		token: "hf_x",
	}
	srv := httptest.NewServer(hub)
	defer srv.Close()

	d := DatasetDescriptor{ID: "mnist", Protocol: ProtocolModelHub, Source: "hf://datasets/owner/repo/mnist"}
	dst := filepath.Join(t.TempDir(), "mnist.part")
	var events eventLog
	res := NewHubFetcher("hf_x", srv.URL).Fetch(context.Background(), Request{
		Descriptor: d, Variant: d.Variant(ConfigFor(Quick)), Dst: dst, Progress: events.add,
	})
	if res.Status != StatusFetched {
		t.Fatalf("Expected fetched, got %v: %v", res.Status, res.Err)
	}
	for rel, want := range map[string]string{"train.parquet": "parquet-bytes", "test.parquet": "more", "meta/info.txt": "info"} {
		got, err := os.ReadFile(filepath.Join(dst, filepath.FromSlash(rel)))
		if err != nil || string(got) != want {
			t.Errorf("%s: got %q (%v), want %q", rel, got, err, want)
		}
	}
	if _, err := os.Stat(filepath.Join(dst, "README.md")); !os.IsNotExist(err) {
		t.Error("File outside the prefix was downloaded")
	}
	if events.count("fallback") != 0 {
		t.Errorf("Fallback is reported by the orchestrator, got %d events from the fetcher", events.count("fallback"))
	}
}

func TestHubFetcher_TreeRejectsEscapingPaths(t *testing.T) {
	for _, bad := range []string{"mnist/../../escape.txt", "mnist/../sibling.txt", "other/file.txt", "mnist//abs.txt"} {
		t.Run(bad, func(t *testing.T) {
			var resolved atomic.Bool
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if strings.HasPrefix(r.URL.Path, "/api/") {
					json.NewEncoder(w).Encode([]hfNode{
						{Type: "file", Path: "mnist/ok.txt", Size: 2},
						{Type: "file", Path: bad, Size: 4},
					})
					return
				}
				resolved.Store(true)
				w.Write([]byte("data"))
			}))
			defer srv.Close()

			root := t.TempDir()
			d := DatasetDescriptor{ID: "mnist", Protocol: ProtocolModelHub, Source: "hf://datasets/owner/repo/mnist"}
			dst := filepath.Join(root, "mnist", "mnist.part")
			res := (&HubFetcher{Endpoint: srv.URL}).Fetch(context.Background(), Request{
				Descriptor: d, Variant: d.Variant(ConfigFor(Full)), Dst: dst,
			})
			if res.Status != StatusFailed {
				t.Fatalf("Expected failed, got %v", res.Status)
			}
			var te *TransportError
			if !errors.As(res.Err, &te) {
				t.Errorf("Expected TransportError, got %v", res.Err)
			} else if te.Retryable() {
				t.Error("Expected an unsafe listing to be final, got retryable")
			}
			if !errors.Is(res.Err, ErrUnsafePath) {
				t.Errorf("Expected ErrUnsafePath, got %v", res.Err)
			}
			if resolved.Load() {
				t.Error("Files downloaded from a listing with an escaping path")
			}
			for _, p := range []string{filepath.Join(root, "escape.txt"), filepath.Join(root, "mnist", "sibling.txt")} {
				if _, err := os.Stat(p); !os.IsNotExist(err) {
					t.Errorf("%s written outside the dataset directory", p)
				}
			}
		})
	}
}

func TestTreeRelPath(t *testing.T) {
	if got, err := treeRelPath("mnist", "mnist/meta/info.txt"); err != nil || got != filepath.Join("meta", "info.txt") {
		t.Errorf("Expected meta/info.txt, got %q (%v)", got, err)
	}
	if got, err := treeRelPath("", "a.txt"); err != nil || got != "a.txt" {
		t.Errorf("Expected a.txt, got %q (%v)", got, err)
	}
	for _, bad := range []string{"mnist/..", "mnist/", "../x", "mnist/a\\..\\b"} {
		if _, err := treeRelPath("mnist", bad); err == nil {
			t.Errorf("Expected %q rejected", bad)
		}
	}
}

func TestHubFetcher_LFSMismatch(t *testing.T) {
	hub := &fakeHub{
		files: map[string][]byte{"mnist/train.parquet": []byte("tampered")},
		lfs:   map[string]string{"mnist/train.parquet": strings.Repeat("0", 64)},
	}
	srv := httptest.NewServer(hub)
	defer srv.Close()

	d := DatasetDescriptor{ID: "mnist", Protocol: ProtocolModelHub, Source: "hf://datasets/owner/repo/mnist"}
	dst := filepath.Join(t.TempDir(), "mnist.part")
	res := (&HubFetcher{Endpoint: srv.URL}).Fetch(context.Background(), Request{
		Descriptor: d, Variant: d.Variant(ConfigFor(Full)), Dst: dst,
	})
	var hm *HashMismatchError
	if !errors.As(res.Err, &hm) {
		t.Fatalf("Expected HashMismatchError, got %v", res.Err)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Error("Rejected tree left at staging path")
	}
}

func TestHubFetcher_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(&fakeHub{token: "secret"})
	defer srv.Close()

	d := DatasetDescriptor{ID: "g", Protocol: ProtocolModelHub, Source: "hf://datasets/owner/repo/mnist"}
	res := (&HubFetcher{Endpoint: srv.URL}).Fetch(context.Background(), Request{
		Descriptor: d, Variant: d.Variant(ConfigFor(Full)), Dst: filepath.Join(t.TempDir(), "g"),
	})
	if !errors.Is(res.Err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized, got %v", res.Err)
	}
	if IsRetryable(res.Err) {
		t.Error("401 should not be retried")
	}
}
