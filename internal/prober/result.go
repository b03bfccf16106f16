package prober

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
)

// Code is the process exit status reported for a probe.
type Code int

const (
	CodeOK         Code = 0
	CodeInternal   Code = 1 // unhandled fault, produced by the CLI layer only
	CodeUsage      Code = 2 // malformed input, produced by the CLI layer only
	CodeTimeout    Code = 100
	CodeUnknown    Code = 101
	CodeRefused    Code = 102
	CodeReset      Code = 103
	CodeConnect    Code = 104
	CodeUnexpected Code = 200
)

// Kind is the closed set of probe outcomes. Every Kind maps to exactly one Code.
type Kind int

const (
	KindNone Kind = iota
	KindMismatch
	KindTimeout
	KindResolve
	KindRefused
	KindReset
	KindIO
	KindUnexpected
	KindInternal
	KindUsage
)

var kindNames = map[Kind]string{
	KindNone:       "ok",
	KindMismatch:   "mismatch",
	KindTimeout:    "timeout",
	KindResolve:    "unknown-host",
	KindRefused:    "refused",
	KindReset:      "reset",
	KindIO:         "io",
	KindUnexpected: "unexpected",
	KindInternal:   "internal",
	KindUsage:      "usage",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Code returns the exit status for k.
func (k Kind) Code() Code {
	switch k {
	case KindNone, KindMismatch:
		return CodeOK
	case KindTimeout:
		return CodeTimeout
	case KindResolve:
		return CodeUnknown
	case KindRefused:
		return CodeRefused
	case KindReset:
		return CodeReset
	case KindUnexpected:
		return CodeUnexpected
	case KindInternal:
		return CodeInternal
	case KindUsage:
		return CodeUsage
	default:
		return CodeConnect
	}
}

// KindOf returns the Kind behind an exit status. Code 0 maps to KindNone;
// ok is false for values no probe produces.
func KindOf(c Code) (Kind, bool) {
	for k := KindNone; k <= KindUsage; k++ {
		if k != KindMismatch && k.Code() == c {
			return k, true
		}
	}
	return KindInternal, false
}

// Result is what a single Ping produced.
type Result struct {
	Code     Code
	Kind     Kind
	Message  string
	Response []byte
	Elapsed  time.Duration
}

// OK reports whether the probe exit status is success. A protocol mismatch is OK.
func (r Result) OK() bool {
	return r.Code == CodeOK
}

var (
	errorRed   = color.New(color.FgRed)
	warnYellow = color.New(color.FgYellow)
)

// Report writes the result's diagnostic line to w. Clean successes print nothing.
func Report(w io.Writer, r Result) {
	if r.Message == "" {
		return
	}
	c := errorRed
	if r.Kind == KindMismatch {
		c = warnYellow
	}
	c.Fprintln(w, r.Message)
}
