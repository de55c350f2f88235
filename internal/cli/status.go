// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/bodaay/datafetch/internal/tui"
	"github.com/bodaay/datafetch/pkg/datafetch"
)

var (
	okColor    = color.New(color.FgGreen).SprintFunc()
	warnColor  = color.New(color.FgYellow).SprintFunc()
	errorColor = color.New(color.FgRed, color.Bold).SprintFunc()
	dimColor   = color.New(color.Faint).SprintFunc()
)

type statusReport struct {
	Mode     string                  `json:"mode"`
	Source   string                  `json:"source"`
	Datasets []datafetch.StatusEntry `json:"datasets"`
	Ready    bool                    `json:"ready"`
	// Unpinned lists datasets with no expected digest in this mode.
	Unpinned []string `json:"unpinned,omitempty"`
}

func newStatusReport(res datafetch.Resolution, entries []datafetch.StatusEntry, unpinned []string) statusReport {
	return statusReport{
		Mode:     res.Config.Mode.String(),
		Source:   string(res.Source),
		Datasets: entries,
		Ready:    datafetch.Ready(entries),
		Unpinned: unpinned,
	}
}

type runResult struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Stage    string `json:"stage,omitempty"`
	Path     string `json:"path,omitempty"`
	Bytes    int64  `json:"bytes"`
	Digest   string `json:"digest,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	Duration string `json:"duration"`
	Error    string `json:"error,omitempty"`
}

type runReport struct {
	Event   string      `json:"event"`
	Mode    string      `json:"mode"`
	Source  string      `json:"source"`
	Results []runResult `json:"results"`
}

func newRunReport(res datafetch.Resolution, results []datafetch.FetchResult) runReport {
	r := runReport{Event: "results", Mode: res.Config.Mode.String(), Source: string(res.Source)}
	for _, fr := range results {
		rr := runResult{
			ID:       fr.DatasetID,
			Status:   fr.Status.String(),
			Stage:    string(fr.Stage),
			Path:     fr.LocalPath,
			Bytes:    fr.BytesWritten,
			Attempts: fr.Attempts,
			Duration: fr.Duration.Round(time.Millisecond).String(),
			Error:    fr.ErrorString(),
		}
		if !fr.Digest.IsZero() {
			rr.Digest = fr.Digest.String()
		}
		r.Results = append(r.Results, rr)
	}
	return r
}

func stateCell(s datafetch.State) string {
	switch s {
	case datafetch.StateVerified:
		return okColor(string(s))
	case datafetch.StatePresent, datafetch.StateStale:
		return warnColor(string(s))
	case datafetch.StateMismatch:
		return errorColor(string(s))
	default:
		return dimColor(string(s))
	}
}

// renderStatus prints one row per dataset. Only the last column is
// coloured so tabwriter alignment is unaffected.
func renderStatus(w io.Writer, res datafetch.Resolution, entries []datafetch.StatusEntry, unpinned []string) {
	fmt.Fprintf(w, "Mode: %s (from %s)\n\n", strings.ToUpper(res.Config.Mode.String()), res.Origin)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPRESENT\tVERIFIED\tSIZE\tMODE\tSTATE")
	for _, e := range entries {
		mode := e.ModeUsed
		if mode == "" {
			mode = "-"
		}
		size := "-"
		if e.Present {
			size = tui.HumanBytes(e.SizeBytes)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", e.ID, yesNo(e.Present), yesNo(e.Verified), size, mode, stateCell(e.State))
	}
	tw.Flush()

	for _, e := range entries {
		if e.Error != "" {
			fmt.Fprintf(w, "%s %s: %s\n", errorColor("!"), e.ID, e.Error)
		}
	}
	if datafetch.Ready(entries) {
		fmt.Fprintln(w, "\n"+okColor("All datasets ready."))
	} else {
		fmt.Fprintln(w, "\n"+warnColor("Some datasets are missing or unverified. Run: datafetch"))
	}
	if len(unpinned) > 0 {
		fmt.Fprintf(w, "%s no pinned digest for %s; these can be fetched but never verified.\n",
			warnColor("!"), strings.Join(unpinned, ", "))
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
