// Package options parses the tsreadex-style argument vector that configures
// a filter session.
//
// Every option is a single-dash letter followed by a value:
//
//	-s N      seek offset in bytes (host sources)
//	-l N      read rate limit in KiB/s (host sources)
//	-t N      idle timeout in seconds (host sources)
//	-m N      timeout mode: 0 ends input, 1 fails (host sources)
//	-x a/b/c  PIDs to exclude; a repeated -x replaces the set
//	-n N      program number (>0) or 1-based PAT index (<0) to keep
//	-a N      first audio mode
//	-b N      second audio mode
//	-c N      caption mode
//	-u N      superimpose mode
//	-d N      ID3 conversion mode
//	-r PATH   caption trace destination, "-" for stderr
//	-z X      ignored
//
// Unknown options and positional arguments are ignored.
package options

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// ErrValue is wrapped by every error Parse returns.
var ErrValue = errors.New("options: invalid value")

// ServiceFilter configures program selection and stream removal.
type ServiceFilter struct {
	ProgramNumberOrIndex int
	Audio1Mode           int
	Audio2Mode           int
	CaptionMode          int
	SuperimposeMode      int
}

// ID3 configures caption to timed-metadata conversion.
type ID3 struct {
	Mode int
}

// Options is a parsed option set.
type Options struct {
	SeekOffset    int64
	RateLimit     int // bytes per second, 0 for unlimited
	Timeout       int // seconds, 0 for none
	TimeoutMode   int
	ExcludePIDs   []uint16
	ServiceFilter ServiceFilter
	ID3           ID3
	TracePath     string
}

// pidList is a pflag.Value for "/"-separated PID lists. Set replaces the
// list, matching a repeated -x.
type pidList struct {
	pids *[]uint16
}

func (l pidList) String() string {
	if l.pids == nil {
		return ""
	}
	parts := make([]string, len(*l.pids))
	for i, pid := range *l.pids {
		parts[i] = strconv.Itoa(int(pid))
	}
	return strings.Join(parts, "/")
}

func (l pidList) Set(v string) error {
	var pids []uint16
	for _, tok := range strings.Split(v, "/") {
		if tok == "" {
			continue
		}
		n, err := strconv.ParseUint(tok, 0, 16)
		if err != nil || n > 0x1FFF {
			return fmt.Errorf("PID %q out of range", tok)
		}
		pids = append(pids, uint16(n))
	}
	*l.pids = pids
	return nil
}

func (l pidList) Type() string { return "pids" }

// Parse parses args, which must not include a program name.
func Parse(args []string) (Options, error) {
	var (
		o         Options
		rateLimit int
	)

	fs := pflag.NewFlagSet("tsreadex", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.SetInterspersed(true)

	fs.StringP("ignored", "z", "", "ignored")
	fs.Int64VarP(&o.SeekOffset, "seek", "s", 0, "seek offset in bytes")
	fs.IntVarP(&rateLimit, "limit", "l", 0, "rate limit in KiB/s")
	fs.IntVarP(&o.Timeout, "timeout", "t", 0, "idle timeout in seconds")
	fs.IntVarP(&o.TimeoutMode, "timeout-mode", "m", 0, "timeout mode")
	fs.VarP(pidList{&o.ExcludePIDs}, "exclude", "x", "PIDs to exclude, a/b/c")
	fs.IntVarP(&o.ServiceFilter.ProgramNumberOrIndex, "program", "n", 0, "program number or -index")
	fs.IntVarP(&o.ServiceFilter.Audio1Mode, "audio1", "a", 0, "first audio mode")
	fs.IntVarP(&o.ServiceFilter.Audio2Mode, "audio2", "b", 0, "second audio mode")
	fs.IntVarP(&o.ServiceFilter.CaptionMode, "caption", "c", 0, "caption mode")
	fs.IntVarP(&o.ServiceFilter.SuperimposeMode, "superimpose", "u", 0, "superimpose mode")
	fs.IntVarP(&o.ID3.Mode, "id3", "d", 0, "ID3 conversion mode")
	fs.StringVarP(&o.TracePath, "trace", "r", "", "caption trace path")

	// A trailing option with no value is skipped rather than rejected.
	if n := len(args); n > 0 && len(args[n-1]) == 2 && args[n-1][0] == '-' {
		args = args[:n-1]
	}

	if err := fs.Parse(args); err != nil {
		return Options{}, fmt.Errorf("%w: %v", ErrValue, err)
	}
	if rateLimit < 0 {
		return Options{}, fmt.Errorf("%w: negative rate limit %d", ErrValue, rateLimit)
	}
	o.RateLimit = rateLimit * 1024
	return o, nil
}
