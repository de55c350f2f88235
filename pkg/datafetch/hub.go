// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package datafetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DefaultHubEndpoint is the default Hugging Face Hub URL.
const DefaultHubEndpoint = "https://huggingface.co"

// hubLocator is a parsed hf:// URI:
//
//	hf://[datasets/]owner/name[@revision][/path]
//
// A path whose last segment has an extension names one file; no path or any
// other path is a directory prefix fetched as a tree.
type hubLocator struct {
	Repo      string
	IsDataset bool
	Revision  string
	Path      string
}

func (l hubLocator) isFile() bool {
	return l.Path != "" && path.Ext(l.Path) != ""
}

func parseHubLocator(src string) (hubLocator, error) {
	rest, ok := strings.CutPrefix(src, "hf://")
	if !ok {
		return hubLocator{}, fmt.Errorf("hub locator %q must start with hf://", src)
	}
	var loc hubLocator
	if r, ok := strings.CutPrefix(rest, "datasets/"); ok {
		loc.IsDataset = true
		rest = r
	}
	segs := strings.Split(strings.Trim(rest, "/"), "/")
	if len(segs) < 2 || segs[0] == "" || segs[1] == "" {
		return hubLocator{}, fmt.Errorf("hub locator %q needs owner/name", src)
	}
	name := segs[1]
	if i := strings.IndexByte(name, '@'); i >= 0 {
		loc.Revision = name[i+1:]
		name = name[:i]
		if name == "" || loc.Revision == "" {
			return hubLocator{}, fmt.Errorf("hub locator %q has an empty name or revision", src)
		}
	}
	if loc.Revision == "" {
		loc.Revision = "main"
	}
	loc.Repo = segs[0] + "/" + name
	loc.Path = strings.Join(segs[2:], "/")
	return loc, nil
}

// hfNode represents a file or directory in the hub repo tree.
type hfNode struct {
	Type   string     `json:"type"` // "file"|"directory" (sometimes "blob"|"tree")
	Path   string     `json:"path"`
	Size   int64      `json:"size,omitempty"`
	LFS    *hfLfsInfo `json:"lfs,omitempty"`
	Sha256 string     `json:"sha256,omitempty"`
}

// hfLfsInfo contains LFS metadata for large files.
type hfLfsInfo struct {
	Oid    string `json:"oid,omitempty"`
	Size   int64  `json:"size,omitempty"`
	Sha256 string `json:"sha256,omitempty"`
}

func (n hfNode) size() int64 {
	if n.LFS != nil && n.LFS.Size > 0 {
		return n.LFS.Size
	}
	return n.Size
}

// sha returns the published sha256 of an LFS file, if any.
func (n hfNode) sha() string {
	if n.Sha256 != "" {
		return n.Sha256
	}
	if n.LFS != nil {
		if n.LFS.Sha256 != "" {
			return n.LFS.Sha256
		}
		return n.LFS.Oid
	}
	return ""
}

// HubFetcher resolves hf:// locators against the hub HTTP API.
type HubFetcher struct {
	Client   *http.Client
	Token    string
	Endpoint string
}

// NewHubFetcher returns a fetcher for the given endpoint ("" = huggingface.co).
func NewHubFetcher(token, endpoint string) *HubFetcher {
	return &HubFetcher{Client: buildHTTPClient(), Token: token, Endpoint: endpoint}
}

func (f *HubFetcher) endpoint() string {
	if f.Endpoint == "" {
		return DefaultHubEndpoint
	}
	return strings.TrimSuffix(f.Endpoint, "/")
}

func (f *HubFetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

// Fetch downloads one hub file, or every file under a prefix into a directory.
func (f *HubFetcher) Fetch(ctx context.Context, req Request) FetchResult {
	v := req.Variant
	em := req.emitter()

	loc, err := parseHubLocator(v.Source)
	if err != nil {
		return failed(req, 0, err)
	}

	if loc.isFile() {
		n, err := getToFile(ctx, f.client(), f.Token, f.resolveURL(loc, loc.Path), rangeFor(v), req.Dst, v, em)
		if err != nil {
			return failed(req, n, err)
		}
		return fetched(req, n)
	}

	n, err := f.fetchTree(ctx, loc, req.Dst, em)
	if err != nil {
		os.RemoveAll(req.Dst)
		return failed(req, n, err)
	}
	return fetched(req, n)
}

func rangeFor(v Variant) string {
	if v.Strategy == StrategyFirstN && v.MaxBytes > 0 {
		return fmt.Sprintf("bytes=0-%d", v.MaxBytes)
	}
	return ""
}

// fetchTree lists loc.Path recursively and downloads every file beneath it,
// keeping paths relative to the prefix.
func (f *HubFetcher) fetchTree(ctx context.Context, loc hubLocator, dst string, em emitter) (int64, error) {
	var nodes []hfNode
	err := f.walkTree(ctx, loc, loc.Path, func(n hfNode) error {
		nodes = append(nodes, n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(nodes) == 0 {
		return 0, &TransportError{Op: "tree " + loc.Repo, Err: fmt.Errorf("%w: no files under %q", ErrNotFound, loc.Path)}
	}

	var total int64
	rels := make([]string, len(nodes))
	for i, n := range nodes {
		rel, err := treeRelPath(loc.Path, n.Path)
		if err != nil {
			return 0, &TransportError{Op: "tree " + loc.Repo, Err: err}
		}
		rels[i] = rel
		total += n.size()
	}
	em.emit(ProgressEvent{Event: "dataset_start", Path: dst, Total: total})

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return 0, err
	}
	var written int64
	for i, n := range nodes {
		out := filepath.Join(dst, rels[i])
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return written, err
		}
		k, err := getToFile(ctx, f.client(), f.Token, f.resolveURL(loc, n.Path), "", out, Variant{}, em)
		written += k
		if err != nil {
			return written, err
		}
		if sha := n.sha(); n.LFS != nil && sha != "" {
			want := Digest{Algorithm: SHA256, Hex: strings.ToLower(sha)}
			got, err := DigestPath(out, SHA256)
			if err != nil {
				return written, err
			}
			if !got.Equal(want) {
				return written, &HashMismatchError{Path: out, Expected: want, Actual: got}
			}
		}
	}
	return written, nil
}

// treeRelPath maps a listed repo path to a local path below the prefix.
// Entries outside the prefix or escaping it are rejected.
func treeRelPath(prefix, p string) (string, error) {
	rel := p
	if prefix = strings.TrimSuffix(prefix, "/"); prefix != "" {
		if !strings.HasPrefix(p, prefix+"/") {
			return "", fmt.Errorf("%w: %q is outside %q", ErrUnsafePath, p, prefix)
		}
		rel = strings.TrimPrefix(p, prefix+"/")
	}
	local := filepath.FromSlash(rel)
	if strings.Contains(rel, "\\") || !filepath.IsLocal(local) {
		return "", fmt.Errorf("%w: %q is not local", ErrUnsafePath, p)
	}
	return local, nil
}

// walkTree recursively walks the hub repo tree below prefix.
func (f *HubFetcher) walkTree(ctx context.Context, loc hubLocator, prefix string, fn func(hfNode) error) error {
	reqURL := f.treeURL(loc, prefix)
	op := "tree " + loc.Repo + "@" + loc.Revision
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	addAuth(req, f.Token)
	resp, err := f.client().Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := ""
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			msg = "repo requires a token or you do not have access: " + f.agreementURL(loc)
		case http.StatusForbidden:
			msg = "please accept the repository terms: " + f.agreementURL(loc)
		default:
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			msg = strings.TrimSpace(string(b))
		}
		return &TransportError{Op: op, Err: &APIError{StatusCode: resp.StatusCode, Status: resp.Status, Message: msg, URL: reqURL}}
	}

	var nodes []hfNode
	if err := json.NewDecoder(resp.Body).Decode(&nodes); err != nil {
		return &TransportError{Op: op, Err: err}
	}

	for _, n := range nodes {
		switch n.Type {
		case "directory", "tree":
			if err := f.walkTree(ctx, loc, n.Path, fn); err != nil {
				return err
			}
		case "file", "blob":
			if err := fn(n); err != nil {
				return err
			}
		}
	}
	return nil
}

// URL builders. The repo id keeps its literal slash.

func (f *HubFetcher) resolveURL(loc hubLocator, p string) string {
	if loc.IsDataset {
		return fmt.Sprintf("%s/datasets/%s/resolve/%s/%s", f.endpoint(), loc.Repo, url.PathEscape(loc.Revision), pathEscapeAll(p))
	}
	return fmt.Sprintf("%s/%s/resolve/%s/%s", f.endpoint(), loc.Repo, url.PathEscape(loc.Revision), pathEscapeAll(p))
}

func (f *HubFetcher) treeURL(loc hubLocator, prefix string) string {
	kind := "models"
	if loc.IsDataset {
		kind = "datasets"
	}
	base := fmt.Sprintf("%s/api/%s/%s/tree/%s", f.endpoint(), kind, loc.Repo, url.PathEscape(loc.Revision))
	if prefix == "" {
		return base
	}
	return base + "/" + pathEscapeAll(prefix)
}

func (f *HubFetcher) agreementURL(loc hubLocator) string {
	if loc.IsDataset {
		return fmt.Sprintf("%s/datasets/%s", f.endpoint(), loc.Repo)
	}
	return fmt.Sprintf("%s/%s", f.endpoint(), loc.Repo)
}

func pathEscapeAll(p string) string {
	segs := strings.Split(p, "/")
	for i := range segs {
		segs[i] = url.PathEscape(segs[i])
	}
	return strings.Join(segs, "/")
}
