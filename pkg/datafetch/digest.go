// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package datafetch

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"
	"strings"
)

// Algorithm names a digest function.
type Algorithm string

const (
	MD5    Algorithm = "md5"
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
)

// DefaultAlgorithm applies to bare hex digests in the catalog.
const DefaultAlgorithm = SHA256

// md5 is accepted only so legacy manifests keep verifying.
var algorithms = map[Algorithm]struct {
	new  func() hash.Hash
	size int
}{
	MD5:    {md5.New, md5.Size},
	SHA1:   {sha1.New, sha1.Size},
	SHA256: {sha256.New, sha256.Size},
	SHA512: {sha512.New, sha512.Size},
}

// Algorithms lists the supported algorithm names, sorted.
func Algorithms() []string {
	out := make([]string, 0, len(algorithms))
	for a := range algorithms {
		out = append(out, string(a))
	}
	sort.Strings(out)
	return out
}

// New returns a fresh hash for the algorithm.
func (a Algorithm) New() (hash.Hash, error) {
	spec, ok := algorithms[a]
	if !ok {
		return nil, fmt.Errorf("unsupported digest algorithm %q", string(a))
	}
	return spec.new(), nil
}

// Digest is an algorithm-qualified content hash.
type Digest struct {
	Algorithm Algorithm
	Hex       string
}

// IsZero reports whether no digest is set.
func (d Digest) IsZero() bool { return d.Hex == "" }

// String renders "algo:hex", or "" for the zero digest.
func (d Digest) String() string {
	if d.IsZero() {
		return ""
	}
	return string(d.Algorithm) + ":" + d.Hex
}

// Short returns the first 16 hex characters, for logs and tables.
func (d Digest) Short() string {
	if len(d.Hex) > 16 {
		return d.Hex[:16]
	}
	return d.Hex
}

// Equal compares algorithm and hex, ignoring hex case.
func (d Digest) Equal(o Digest) bool {
	return d.Algorithm == o.Algorithm && strings.EqualFold(d.Hex, o.Hex)
}

// ParseDigest accepts "algo:hex" or a bare hex string (DefaultAlgorithm).
// An empty string yields the zero digest.
func ParseDigest(s string) (Digest, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Digest{}, nil
	}
	algo, hx := DefaultAlgorithm, s
	if i := strings.IndexByte(s, ':'); i >= 0 {
		algo, hx = Algorithm(strings.ToLower(s[:i])), s[i+1:]
	}
	spec, ok := algorithms[algo]
	if !ok {
		return Digest{}, fmt.Errorf("unsupported digest algorithm %q", string(algo))
	}
	raw, err := hex.DecodeString(hx)
	if err != nil {
		return Digest{}, fmt.Errorf("digest %q is not hex: %w", s, err)
	}
	if len(raw) != spec.size {
		return Digest{}, fmt.Errorf("digest %q has %d bytes, %s needs %d", s, len(raw), algo, spec.size)
	}
	return Digest{Algorithm: algo, Hex: strings.ToLower(hx)}, nil
}

// MustParseDigest is ParseDigest for compile-time constants and tests.
func MustParseDigest(s string) Digest {
	d, err := ParseDigest(s)
	if err != nil {
		panic(err)
	}
	return d
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(b []byte) error {
	v, err := ParseDigest(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}
