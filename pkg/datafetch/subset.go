// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package datafetch

import (
	"bufio"
	"errors"
	"io"
	"math/rand"
	"sort"
)

// copyFirstN writes the first n records (n <= 0 means no record cap) and
// never more than max bytes (max <= 0 means unbounded). A record cut by the
// byte bound is dropped, so the output is a prefix of whole lines. With
// header set, the first line is kept and not counted as a record.
func copyFirstN(w io.Writer, r io.Reader, n int, max int64, header bool) (int64, error) {
	if max > 0 {
		r = io.LimitReader(r, max+1)
	}
	br := bufio.NewReaderSize(r, 64<<10)
	bw := bufio.NewWriter(w)

	var written int64
	rows := 0
	first := true
	for n <= 0 || rows < n {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if max > 0 && written+int64(len(line)) > max {
				break
			}
			k, werr := bw.Write(line)
			written += int64(k)
			if werr != nil {
				return written, werr
			}
			if !(first && header) {
				rows++
			}
			first = false
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return written, err
		}
	}
	return written, bw.Flush()
}

type sampledLine struct {
	idx  int
	line []byte
}

// copyRandomSample keeps a seeded reservoir sample of n lines in source
// order. With header set, the first line is always kept and not counted.
func copyRandomSample(w io.Writer, r io.Reader, n int, seed int64, header bool) (int64, error) {
	br := bufio.NewReaderSize(r, 64<<10)
	rng := rand.New(rand.NewSource(seed))

	var head []byte
	reservoir := make([]sampledLine, 0, n)
	seen := 0
	first := true
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if line[len(line)-1] != '\n' {
				line = append(line, '\n')
			}
			switch {
			case first && header:
				head = line
			case len(reservoir) < n:
				reservoir = append(reservoir, sampledLine{idx: seen, line: line})
				seen++
			default:
				if j := rng.Intn(seen + 1); j < n {
					reservoir[j] = sampledLine{idx: seen, line: line}
				}
				seen++
			}
			first = false
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return 0, err
		}
	}
	sort.Slice(reservoir, func(i, j int) bool { return reservoir[i].idx < reservoir[j].idx })

	bw := bufio.NewWriter(w)
	var written int64
	if head != nil {
		k, err := bw.Write(head)
		written += int64(k)
		if err != nil {
			return written, err
		}
	}
	for _, s := range reservoir {
		k, err := bw.Write(s.line)
		written += int64(k)
		if err != nil {
			return written, err
		}
	}
	return written, bw.Flush()
}
