// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/bodaay/datafetch/pkg/datafetch"
)

// runCLI executes the command tree with an isolated HOME and environment.
func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := execute(context.Background(), "1.0.0-test", nil, args, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

// runCLIWith executes the command tree over reg instead of the built-in
// catalog.
func runCLIWith(t *testing.T, reg *datafetch.Registry, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := execute(context.Background(), "1.0.0-test", reg, args, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func sha256Digest(b []byte) datafetch.Digest {
	sum := sha256.Sum256(b)
	return datafetch.Digest{Algorithm: datafetch.SHA256, Hex: hex.EncodeToString(sum[:])}
}

// localCatalog serves files over httptest and returns a registry with one
// pinned HTTP dataset per file, named after the file without its extension.
func localCatalog(t *testing.T, files map[string]string, pins map[string]datafetch.Digest) (*datafetch.Registry, map[string]datafetch.DatasetDescriptor) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := files[strings.TrimPrefix(r.URL.Path, "/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	var names []string
	for name := range pins {
		names = append(names, name)
	}
	sort.Strings(names)
	byID := map[string]datafetch.DatasetDescriptor{}
	var descs []datafetch.DatasetDescriptor
	for _, name := range names {
		id := strings.TrimSuffix(name, filepath.Ext(name))
		d := datafetch.DatasetDescriptor{
			ID:       id,
			Protocol: datafetch.ProtocolHTTP,
			Source:   srv.URL + "/" + name,
			Digest:   pins[name],
		}
		descs = append(descs, d)
		byID[id] = d
	}
	reg, err := datafetch.NewRegistry(descs...)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return reg, byID
}

func isolate(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("DATA_MODE", "")
	t.Setenv("NOTEBOOK_MODE", "")
	t.Setenv("DATAFETCH_OTEL_EXPORTER", "none")
	return t.TempDir()
}

func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitFailed
}

func TestCLI_ModeSetShowToggle(t *testing.T) {
	dir := isolate(t)

	out, _, err := runCLI(t, "mode", "set", "full", "--data-dir", dir)
	if err != nil {
		t.Fatalf("mode set failed: %v", err)
	}
	if !strings.Contains(out, "Default mode set to full") {
		t.Errorf("Expected confirmation, got %q", out)
	}
	if _, err := os.Stat(filepath.Join(dir, datafetch.SettingsFileName)); err != nil {
		t.Errorf("Expected settings file in data dir: %v", err)
	}

	out, _, err = runCLI(t, "mode", "show", "--data-dir", dir)
	if err != nil {
		t.Fatalf("mode show failed: %v", err)
	}
	if !strings.Contains(out, "Mode: FULL") || !strings.Contains(out, "Source: settings") {
		t.Errorf("Expected full from settings, got %q", out)
	}

	out, _, err = runCLI(t, "mode", "toggle", "--data-dir", dir)
	if err != nil {
		t.Fatalf("mode toggle failed: %v", err)
	}
	if !strings.Contains(out, "Default mode set to quick") {
		t.Errorf("Expected toggle to quick, got %q", out)
	}
}

func TestCLI_ModeShow_EnvOverridesSettings(t *testing.T) {
	dir := isolate(t)
	if _, _, err := runCLI(t, "mode", "set", "quick", "--data-dir", dir); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DATA_MODE", "full")

	out, _, err := runCLI(t, "mode", "show", "--json", "--data-dir", dir)
	if err != nil {
		t.Fatalf("mode show failed: %v", err)
	}
	var rep modeReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("Invalid JSON %q: %v", out, err)
	}
	if rep.Mode != "full" || rep.Source != "env" || rep.Origin != "DATA_MODE" {
		t.Errorf("Expected full from DATA_MODE, got %+v", rep)
	}
}

func TestCLI_InvalidEnvModeIsConfigError(t *testing.T) {
	dir := isolate(t)
	t.Setenv("DATA_MODE", "medium")

	_, stderr, err := runCLI(t, "--status", "--data-dir", dir)
	if code := exitCode(err); code != ExitConfig {
		t.Errorf("Expected exit %d, got %d (%v)", ExitConfig, code, err)
	}
	if !strings.Contains(stderr, "DATA_MODE") {
		t.Errorf("Expected the offending variable in the error, got %q", stderr)
	}
}

func TestCLI_QuickAndFullConflict(t *testing.T) {
	dir := isolate(t)

	_, _, err := runCLI(t, "--quick", "--full", "--data-dir", dir)
	if code := exitCode(err); code != ExitConfig {
		t.Errorf("Expected exit %d, got %d (%v)", ExitConfig, code, err)
	}
}

func TestCLI_StatusOnEmptyDataDir(t *testing.T) {
	dir := isolate(t)

	out, _, err := runCLI(t, "--status", "--json", "--data-dir", dir)
	if err != nil {
		t.Fatalf("Expected exit 0, got %v", err)
	}
	var rep statusReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("Invalid JSON %q: %v", out, err)
	}
	reg, _ := datafetch.DefaultRegistry()
	if len(rep.Datasets) != reg.Len() {
		t.Errorf("Expected %d datasets, got %d", reg.Len(), len(rep.Datasets))
	}
	if rep.Ready {
		t.Error("Expected not ready on an empty data dir")
	}
	for _, e := range rep.Datasets {
		if e.Present || e.State != datafetch.StateMissing {
			t.Errorf("Expected %s missing, got %+v", e.ID, e)
		}
	}
}

func TestCLI_StatusTable(t *testing.T) {
	dir := isolate(t)

	out, _, err := runCLI(t, "--status", "--full", "--data-dir", dir, "iris")
	if err != nil {
		t.Fatalf("Expected exit 0, got %v", err)
	}
	for _, want := range []string{"Mode: FULL", "ID", "PRESENT", "iris", "missing"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output:\n%s", want, out)
		}
	}
}

func TestCLI_StatusUnknownIDStillExitsZero(t *testing.T) {
	dir := isolate(t)

	_, stderr, err := runCLI(t, "--status", "--data-dir", dir, "no-such-dataset")
	if err != nil {
		t.Errorf("Expected exit 0, got %v", err)
	}
	if !strings.Contains(stderr, "no-such-dataset") {
		t.Errorf("Expected unknown id reported, got %q", stderr)
	}
}

func TestCLI_VerifyWithNothingPresent(t *testing.T) {
	dir := isolate(t)

	_, _, err := runCLI(t, "--verify", "--quiet", "--data-dir", dir)
	if err != nil {
		t.Errorf("Expected exit 0 without mismatches, got %v", err)
	}
}

func TestCLI_FetchThenStatusReady(t *testing.T) {
	dir := isolate(t)
	body := "a,b\n1,2\n"
	reg, ds := localCatalog(t, map[string]string{"alpha.csv": body},
		map[string]datafetch.Digest{"alpha.csv": sha256Digest([]byte(body))})

	if _, stderr, err := runCLIWith(t, reg, "--full", "--quiet", "--retries", "0", "--data-dir", dir); err != nil {
		t.Fatalf("Expected exit 0, got %v (%s)", err, stderr)
	}
	got, err := os.ReadFile(datafetch.Layout{Root: dir}.ArtifactPath(ds["alpha"]))
	if err != nil || string(got) != body {
		t.Fatalf("Expected fetched artifact, got %q (%v)", got, err)
	}

	out, _, err := runCLIWith(t, reg, "--status", "--full", "--json", "--data-dir", dir)
	if err != nil {
		t.Fatalf("Expected exit 0, got %v", err)
	}
	var rep statusReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("Invalid JSON %q: %v", out, err)
	}
	if !rep.Ready || len(rep.Unpinned) != 0 {
		t.Errorf("Expected ready with nothing unpinned, got %+v", rep)
	}
}

func TestCLI_FetchFailedDatasetExitsOne(t *testing.T) {
	dir := isolate(t)
	body := "ok\n"
	reg, ds := localCatalog(t, map[string]string{"good.csv": body}, map[string]datafetch.Digest{
		"good.csv": sha256Digest([]byte(body)),
		"gone.csv": sha256Digest([]byte("never served")),
	})

	_, stderr, err := runCLIWith(t, reg, "--full", "--quiet", "--retries", "0", "--data-dir", dir)
	if code := exitCode(err); code != ExitFailed {
		t.Fatalf("Expected exit %d, got %d (%v)", ExitFailed, code, err)
	}
	if !strings.Contains(stderr, "gone") {
		t.Errorf("Expected the failed dataset reported, got %q", stderr)
	}
	if _, err := os.Stat(datafetch.Layout{Root: dir}.ArtifactPath(ds["good"])); err != nil {
		t.Errorf("Expected the healthy dataset fetched anyway: %v", err)
	}
}

func TestCLI_FetchHashMismatchExitsOne(t *testing.T) {
	dir := isolate(t)
	reg, ds := localCatalog(t, map[string]string{"tampered.csv": "evil\n"},
		map[string]datafetch.Digest{"tampered.csv": sha256Digest([]byte("expected\n"))})

	_, stderr, err := runCLIWith(t, reg, "--full", "--quiet", "--retries", "0", "--data-dir", dir)
	if code := exitCode(err); code != ExitFailed {
		t.Fatalf("Expected exit %d, got %d (%v)", ExitFailed, code, err)
	}
	if !strings.Contains(stderr, "mismatch") {
		t.Errorf("Expected a mismatch reported, got %q", stderr)
	}
	if _, err := os.Stat(datafetch.Layout{Root: dir}.ArtifactPath(ds["tampered"])); !os.IsNotExist(err) {
		t.Error("Mismatched artifact committed")
	}
}

func TestCLI_UnknownIDExitsOneButFetchesKnown(t *testing.T) {
	dir := isolate(t)
	body := "x\n"
	reg, ds := localCatalog(t, map[string]string{"known.csv": body},
		map[string]datafetch.Digest{"known.csv": sha256Digest([]byte(body))})

	_, stderr, err := runCLIWith(t, reg, "--full", "--quiet", "--data-dir", dir, "known", "nope")
	if code := exitCode(err); code != ExitFailed {
		t.Fatalf("Expected exit %d, got %d (%v)", ExitFailed, code, err)
	}
	if !strings.Contains(stderr, "nope") {
		t.Errorf("Expected the unknown id reported, got %q", stderr)
	}
	if _, err := os.Stat(datafetch.Layout{Root: dir}.ArtifactPath(ds["known"])); err != nil {
		t.Errorf("Expected the known dataset fetched: %v", err)
	}
}

func TestCLI_VerifyCorruptedArtifactExitsOne(t *testing.T) {
	dir := isolate(t)
	body := "id,v\n1,2\n"
	reg, ds := localCatalog(t, map[string]string{"kept.csv": body},
		map[string]datafetch.Digest{"kept.csv": sha256Digest([]byte(body))})

	if _, stderr, err := runCLIWith(t, reg, "--full", "--quiet", "--data-dir", dir); err != nil {
		t.Fatalf("Fetch failed: %v (%s)", err, stderr)
	}
	if _, _, err := runCLIWith(t, reg, "--verify", "--full", "--quiet", "--data-dir", dir); err != nil {
		t.Fatalf("Expected clean verify, got %v", err)
	}

	if err := os.WriteFile(datafetch.Layout{Root: dir}.ArtifactPath(ds["kept"]), []byte("id,v\n1,3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, stderr, err := runCLIWith(t, reg, "--verify", "--full", "--data-dir", dir)
	var ee *ExitError
	if !errors.As(err, &ee) || ee.Code != ExitFailed {
		t.Fatalf("Expected ExitError with code %d, got %v", ExitFailed, err)
	}
	if !strings.Contains(stderr, "hash mismatch: kept") {
		t.Errorf("Expected mismatching id in the error, got %q", stderr)
	}
	if !strings.Contains(out, "mismatch") {
		t.Errorf("Expected mismatch state in the table:\n%s", out)
	}
}

func TestCLI_UnpinnedDatasetsAreReported(t *testing.T) {
	dir := isolate(t)
	reg, _ := localCatalog(t, map[string]string{"loose.csv": "l\n"},
		map[string]datafetch.Digest{"loose.csv": {}})

	_, stderr, err := runCLIWith(t, reg, "--full", "--quiet", "--data-dir", dir)
	if err != nil {
		t.Fatalf("Expected exit 0 for an unpinned fetch, got %v", err)
	}
	if !strings.Contains(stderr, "no pinned digest") || !strings.Contains(stderr, "loose") {
		t.Errorf("Expected an unpinned warning, got %q", stderr)
	}

	out, _, err := runCLIWith(t, reg, "--status", "--full", "--data-dir", dir)
	if err != nil {
		t.Fatalf("Expected exit 0, got %v", err)
	}
	if !strings.Contains(out, "no pinned digest for loose") {
		t.Errorf("Expected the status table to name unpinned datasets:\n%s", out)
	}
}

func TestCLI_Hash(t *testing.T) {
	dir := isolate(t)
	p := filepath.Join(dir, "hello.txt")
	if err := os.WriteFile(p, []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, _, err := runCLI(t, "hash", p)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	want := "sha256:5891b5b522d5df086d0ff0b110fbd9d21bb4fc7163af34d08286a2e846f6be03  " + p
	if strings.TrimSpace(out) != want {
		t.Errorf("Expected %q, got %q", want, out)
	}

	_, _, err = runCLI(t, "hash", "--algo", "crc32", p)
	if code := exitCode(err); code != ExitConfig {
		t.Errorf("Expected exit %d for unknown algorithm, got %d", ExitConfig, code)
	}
}

func TestCLI_ListJSON(t *testing.T) {
	isolate(t)

	out, _, err := runCLI(t, "list", "--json")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	var descs []datafetch.DatasetDescriptor
	if err := json.Unmarshal([]byte(out), &descs); err != nil {
		t.Fatalf("Invalid JSON %q: %v", out, err)
	}
	reg, _ := datafetch.DefaultRegistry()
	if len(descs) != reg.Len() {
		t.Errorf("Expected %d datasets, got %d", reg.Len(), len(descs))
	}
}

func TestCLI_ConfigFileDefaults(t *testing.T) {
	isolate(t)
	dataDir := filepath.Join(t.TempDir(), "from-config")
	cfg := filepath.Join(t.TempDir(), "datafetch.yaml")
	if err := os.WriteFile(cfg, []byte("data-dir: "+dataDir+"\nretries: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, _, err := runCLI(t, "--config", cfg, "mode", "set", "full"); err != nil {
		t.Fatalf("mode set failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dataDir, datafetch.SettingsFileName)); err != nil {
		t.Errorf("Expected settings under the configured data dir: %v", err)
	}

	// Flags win over the config file.
	flagDir := t.TempDir()
	if _, _, err := runCLI(t, "--config", cfg, "mode", "set", "quick", "--data-dir", flagDir); err != nil {
		t.Fatalf("mode set failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(flagDir, datafetch.SettingsFileName)); err != nil {
		t.Errorf("Expected settings under the flag data dir: %v", err)
	}
}

func TestCLI_ConfigFileBadValue(t *testing.T) {
	dir := isolate(t)
	cfg := filepath.Join(t.TempDir(), "datafetch.json")
	if err := os.WriteFile(cfg, []byte(`{"retries": "many"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	_, stderr, err := runCLI(t, "--config", cfg, "mode", "show", "--data-dir", dir)
	if code := exitCode(err); code != ExitConfig {
		t.Errorf("Expected exit %d, got %d (%v)", ExitConfig, code, err)
	}
	if !strings.Contains(stderr, "retries") {
		t.Errorf("Expected the flag name in the error, got %q", stderr)
	}
}

func TestCLI_InvalidDuration(t *testing.T) {
	dir := isolate(t)

	_, _, err := runCLI(t, "--status", "--timeout", "soon", "--data-dir", dir)
	if code := exitCode(err); code != ExitConfig {
		t.Errorf("Expected exit %d, got %d (%v)", ExitConfig, code, err)
	}
}

func TestCLI_VersionShort(t *testing.T) {
	out, _, err := runCLI(t, "version", "--short")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if strings.TrimSpace(out) != "1.0.0-test" {
		t.Errorf("Expected 1.0.0-test, got %q", out)
	}
}

func TestParseDuration(t *testing.T) {
	if d, err := parseDuration("timeout", "0"); err != nil || d != 0 {
		t.Errorf("Expected 0, got %v (%v)", d, err)
	}
	if _, err := parseDuration("timeout", "-1s"); err == nil {
		t.Error("Expected error for negative duration")
	}
	var ce *datafetch.ConfigurationError
	if _, err := parseDuration("timeout", "abc"); !errors.As(err, &ce) {
		t.Errorf("Expected ConfigurationError, got %v", err)
	}
}
