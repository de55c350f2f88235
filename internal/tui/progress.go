// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package tui renders fetch progress on a terminal.
package tui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/cheggaaa/pb/v3"
	"golang.org/x/term"

	"github.com/bodaay/datafetch/pkg/datafetch"
)

const barTemplate pb.ProgressBarTemplate = `{{string . "prefix"}} {{counters . }} {{bar . "[" "=" ">" " " "]"}} {{percent . }} {{speed . }} {{string . "status"}}`

// LiveRenderer shows one progress bar per dataset when stdout is a
// terminal, and plain status lines otherwise.
type LiveRenderer struct {
	out         io.Writer
	interactive bool

	mu     sync.Mutex
	pool   *pb.Pool
	closed bool
	sets   map[string]*datasetState
	width  int
}

type datasetState struct {
	id     string
	total  int64
	files  map[string]int64 // path -> bytes downloaded
	status string
	bar    *pb.ProgressBar
}

func (s *datasetState) downloaded() int64 {
	var n int64
	for _, b := range s.files {
		n += b
	}
	return n
}

// NewLiveRenderer writes to out. Bars are used only when out is an
// interactive terminal with TERM other than dumb.
func NewLiveRenderer(out io.Writer) *LiveRenderer {
	return &LiveRenderer{
		out:         out,
		interactive: isInteractive(out),
		sets:        map[string]*datasetState{},
		width:       12,
	}
}

// Close finishes any open bars and stops the pool.
func (lr *LiveRenderer) Close() {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if lr.closed {
		return
	}
	lr.closed = true
	if lr.pool != nil {
		for _, s := range lr.sets {
			if s.bar != nil && !s.bar.IsFinished() {
				s.bar.Finish()
			}
		}
		_ = lr.pool.Stop()
	}
}

// Handler returns a ProgressFunc that feeds events to the renderer.
func (lr *LiveRenderer) Handler() datafetch.ProgressFunc {
	return func(ev datafetch.ProgressEvent) {
		lr.mu.Lock()
		defer lr.mu.Unlock()
		if lr.closed {
			return
		}
		lr.apply(ev)
	}
}

func (lr *LiveRenderer) apply(ev datafetch.ProgressEvent) {
	switch ev.Event {
	case "run_start":
		fmt.Fprintf(lr.out, "Mode %s: %s\n", strings.ToUpper(ev.Mode), ev.Message)
	case "dataset_start":
		s := lr.ensure(ev.Dataset)
		if s.total == 0 {
			s.total = ev.Total
		}
		s.status = "fetching"
		if lr.interactive {
			lr.startBar(s)
		} else if len(s.files) == 0 {
			size := "size unknown"
			if ev.Total > 0 {
				size = HumanBytes(ev.Total)
			}
			fmt.Fprintf(lr.out, "fetching: %s (%s)\n", ev.Dataset, size)
		}
		s.files[ev.Path] = 0
	case "dataset_progress":
		s := lr.ensure(ev.Dataset)
		s.files[ev.Path] = ev.Downloaded
		if s.bar != nil {
			if s.total > 0 {
				s.bar.SetTotal(s.total)
			}
			s.bar.SetCurrent(s.downloaded())
		}
	case "retry":
		s := lr.ensure(ev.Dataset)
		s.status = fmt.Sprintf("retry %d", ev.Attempt)
		if s.bar != nil {
			s.bar.Set("status", s.status)
		} else {
			fmt.Fprintf(lr.out, "retry %s (attempt %d): %s\n", ev.Dataset, ev.Attempt, ev.Message)
		}
	case "fallback":
		if lr.pool == nil {
			fmt.Fprintf(lr.out, "warning: %s: %s\n", ev.Dataset, ev.Message)
		}
	case "dataset_done":
		s := lr.ensure(ev.Dataset)
		s.status = ev.Status
		if s.bar != nil {
			s.bar.Set("status", ev.Status)
			if ev.Total > 0 {
				s.bar.SetTotal(ev.Total)
				s.bar.SetCurrent(ev.Total)
			}
			s.bar.Finish()
			return
		}
		line := fmt.Sprintf("%s: %s", ev.Status, ev.Dataset)
		if ev.Message != "" {
			line += " (" + ev.Message + ")"
		}
		fmt.Fprintln(lr.out, line)
	case "done":
		if lr.pool != nil {
			_ = lr.pool.Stop()
			lr.pool = nil
		}
		fmt.Fprintln(lr.out, ev.Message)
	}
}

func (lr *LiveRenderer) ensure(id string) *datasetState {
	if s, ok := lr.sets[id]; ok {
		return s
	}
	s := &datasetState{id: id, files: map[string]int64{}}
	lr.sets[id] = s
	if len(id) > lr.width {
		lr.width = len(id)
	}
	return s
}

func (lr *LiveRenderer) startBar(s *datasetState) {
	if s.bar != nil {
		return
	}
	bar := barTemplate.New(0)
	bar.Set(pb.Bytes, true)
	bar.Set("prefix", pad(s.id, lr.width))
	bar.Set("status", s.status)
	if s.total > 0 {
		bar.SetTotal(s.total)
	}
	s.bar = bar
	if lr.pool == nil {
		lr.pool = pb.NewPool()
		lr.pool.Output = lr.out
		if err := lr.pool.Start(); err != nil {
			// No raw terminal after all; fall back to plain lines.
			lr.pool = nil
			lr.interactive = false
			s.bar = nil
			return
		}
	}
	lr.pool.Add(bar)
}

func pad(s string, w int) string {
	if len(s) >= w {
		return s
	}
	return s + strings.Repeat(" ", w-len(s))
}

// HumanBytes formats n with binary units.
func HumanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for n/div >= unit && exp < 6 {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func isInteractive(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return false
	}
	return strings.ToLower(os.Getenv("TERM")) != "dumb"
}
