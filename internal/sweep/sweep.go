// Package sweep pings every server of a fleet from one or more vantage
// points in parallel and reports the outcomes sorted by source and target.
// Each ping is independent; nothing is retried or kept after the report.
package sweep

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"morpheus/starping/internal/fleet"
	"morpheus/starping/internal/prober"
)

const (
	DefaultConcurrency = 16
	LocalSource        = "local"
)

// Pinger runs one probe. *prober.Prober and *remote.Runner implement it.
type Pinger interface {
	Ping(req prober.Request) prober.Result
}

// Target is a named probe request.
type Target struct {
	Name    string
	Request prober.Request
}

// Vantage is a named place probes run from.
type Vantage struct {
	Name   string
	Pinger Pinger
}

// Entry is the outcome of one target probed from one vantage.
type Entry struct {
	Source string
	Target string
	Path   string
	Result prober.Result
}

// Targets turns the fleet's servers into probe targets.
func Targets(f *fleet.Fleet) []Target {
	out := make([]Target, 0, len(f.Servers))
	for _, s := range f.Servers {
		out = append(out, Target{Name: s.Name, Request: f.Request(s)})
	}
	return out
}

// Sweeper fans probes out over a bounded number of goroutines.
type Sweeper struct {
	Concurrency int
	Log         logrus.FieldLogger
}

// Run probes every target from every vantage and returns one entry per pair.
func (s *Sweeper) Run(vantages []Vantage, targets []Target) []Entry {
	limit := s.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	log := s.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	entries := make([]Entry, len(vantages)*len(targets))
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	for vi, v := range vantages {
		for ti, t := range targets {
			i := vi*len(targets) + ti
			wg.Add(1)
			sem <- struct{}{}
			go func(i int, v Vantage, t Target) {
				defer wg.Done()
				defer func() { <-sem }()
				res := v.Pinger.Ping(t.Request)
				entries[i] = Entry{Source: v.Name, Target: t.Name, Path: t.Request.Addr(), Result: res}
				log.WithFields(logrus.Fields{
					"source": v.Name,
					"target": t.Name,
					"code":   res.Code,
				}).Info("probe done")
			}(i, v, t)
		}
	}
	wg.Wait()

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Source != entries[j].Source {
			return entries[i].Source < entries[j].Source
		}
		return entries[i].Target < entries[j].Target
	})
	return entries
}

// AllOK reports whether every probe exited with code 0.
func AllOK(entries []Entry) bool {
	for _, e := range entries {
		if !e.Result.OK() {
			return false
		}
	}
	return true
}

var (
	errorRed   = color.New(color.FgRed).SprintFunc()
	warnYellow = color.New(color.FgYellow).SprintFunc()
)

// Print writes one line per entry; failures are red and mismatches yellow.
func Print(w io.Writer, entries []Entry) {
	for _, e := range entries {
		fmt.Fprintf(w, "Source: %s ", e.Source)
		fmt.Fprintf(w, "Target: %s ", e.Target)
		fmt.Fprintf(w, "Path: %s ", e.Path)
		switch {
		case !e.Result.OK():
			fmt.Fprint(w, errorRed(fmt.Sprintf("Code: %d %s\n", e.Result.Code, e.Result.Message)))
		case e.Result.Kind == prober.KindMismatch:
			fmt.Fprint(w, warnYellow(fmt.Sprintf("Code: %d %s\n", e.Result.Code, e.Result.Message)))
		default:
			fmt.Fprintf(w, "Code: %d ok\n", e.Result.Code)
		}
	}
}
