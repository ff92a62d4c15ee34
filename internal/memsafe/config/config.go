// Package config holds the runtime options of the memory monitor.
//
// Options are read from the MEMSAFE_OPTIONS environment variable, a
// colon-separated list of key=value pairs in the style of GORACE and
// ASAN_OPTIONS:
//
//	MEMSAFE_OPTIONS="redzone=64:quarantine_bytes=268435456:strict=1"
//
// Keys:
//
//	redzone           guard bytes on each side of a heap block (16)
//	quarantine_count  freed blocks kept before reuse, 0 = unbounded (65536)
//	quarantine_bytes  guarded bytes kept before reuse, 0 = unbounded (64 MiB)
//	poison_byte       fill for freed memory (0xfd)
//	malloc_context    record allocation and free stacks (1)
//	report_leaks      list live blocks at cleanup (1)
//	strict            abort on accesses to untracked memory (0)
//	log_path          write reports to this file instead of stderr
//	verbosity         0 quiet, 1 summary at cleanup (0)
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// EnvVar is the environment variable holding the options string.
const EnvVar = "MEMSAFE_OPTIONS"

// ErrInvalidOption is wrapped by every parse failure.
var ErrInvalidOption = errors.New("invalid option")

const (
	MinRedzone = 16
	MaxRedzone = 2048
)

// Options configures one runtime instance.
type Options struct {
	Redzone         uintptr
	QuarantineCount int
	QuarantineBytes uintptr
	PoisonByte      byte
	MallocContext   bool
	ReportLeaks     bool
	Strict          bool
	LogPath         string
	Verbosity       int
}

// Default returns the documented defaults.
func Default() Options {
	return Options{
		Redzone:         16,
		QuarantineCount: 1 << 16,
		QuarantineBytes: 64 << 20,
		PoisonByte:      0xfd,
		MallocContext:   true,
		ReportLeaks:     true,
	}
}

// FromEnv parses MEMSAFE_OPTIONS over the defaults.
func FromEnv() (Options, error) {
	return Parse(os.Getenv(EnvVar))
}

// Parse parses an options string over the defaults. Empty entries are
// ignored; unknown keys are errors.
func Parse(s string) (Options, error) {
	o := Default()
	for _, kv := range strings.Split(s, ":") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return o, fmt.Errorf("%w: %q is not key=value", ErrInvalidOption, kv)
		}
		if err := o.set(key, val); err != nil {
			return o, err
		}
	}
	return o, o.Validate()
}

func (o *Options) set(key, val string) error {
	bad := func(err error) error {
		return fmt.Errorf("%w: %s=%s: %v", ErrInvalidOption, key, val, err)
	}
	switch key {
	case "redzone":
		n, err := strconv.ParseUint(val, 0, 32)
		if err != nil {
			return bad(err)
		}
		o.Redzone = uintptr(n)
	case "quarantine_count":
		n, err := strconv.Atoi(val)
		if err != nil {
			return bad(err)
		}
		o.QuarantineCount = n
	case "quarantine_bytes":
		n, err := strconv.ParseUint(val, 0, 64)
		if err != nil {
			return bad(err)
		}
		o.QuarantineBytes = uintptr(n)
	case "poison_byte":
		n, err := strconv.ParseUint(val, 0, 8)
		if err != nil {
			return bad(err)
		}
		o.PoisonByte = byte(n)
	case "malloc_context":
		return parseBool(&o.MallocContext, val, bad)
	case "report_leaks":
		return parseBool(&o.ReportLeaks, val, bad)
	case "strict":
		return parseBool(&o.Strict, val, bad)
	case "log_path":
		o.LogPath = val
	case "verbosity":
		n, err := strconv.Atoi(val)
		if err != nil {
			return bad(err)
		}
		o.Verbosity = n
	default:
		return fmt.Errorf("%w: unknown key %q", ErrInvalidOption, key)
	}
	return nil
}

func parseBool(dst *bool, val string, bad func(error) error) error {
	b, err := strconv.ParseBool(val)
	if err != nil {
		return bad(err)
	}
	*dst = b
	return nil
}

// Validate checks option ranges.
func (o Options) Validate() error {
	switch {
	case o.Redzone < MinRedzone || o.Redzone > MaxRedzone:
		return fmt.Errorf("%w: redzone %d outside [%d, %d]", ErrInvalidOption, o.Redzone, MinRedzone, MaxRedzone)
	case o.Redzone%16 != 0:
		return fmt.Errorf("%w: redzone %d is not a multiple of 16", ErrInvalidOption, o.Redzone)
	case o.QuarantineCount < 0:
		return fmt.Errorf("%w: quarantine_count %d is negative", ErrInvalidOption, o.QuarantineCount)
	case o.Verbosity < 0:
		return fmt.Errorf("%w: verbosity %d is negative", ErrInvalidOption, o.Verbosity)
	}
	return nil
}

// String renders the options in MEMSAFE_OPTIONS syntax, keys sorted, only
// the ones that differ from the defaults.
func (o Options) String() string {
	d := Default()
	var parts []string
	add := func(key, val string) { parts = append(parts, key+"="+val) }
	if o.Redzone != d.Redzone {
		add("redzone", strconv.FormatUint(uint64(o.Redzone), 10))
	}
	if o.QuarantineCount != d.QuarantineCount {
		add("quarantine_count", strconv.Itoa(o.QuarantineCount))
	}
	if o.QuarantineBytes != d.QuarantineBytes {
		add("quarantine_bytes", strconv.FormatUint(uint64(o.QuarantineBytes), 10))
	}
	if o.PoisonByte != d.PoisonByte {
		add("poison_byte", fmt.Sprintf("%#x", o.PoisonByte))
	}
	if o.MallocContext != d.MallocContext {
		add("malloc_context", formatBool(o.MallocContext))
	}
	if o.ReportLeaks != d.ReportLeaks {
		add("report_leaks", formatBool(o.ReportLeaks))
	}
	if o.Strict != d.Strict {
		add("strict", formatBool(o.Strict))
	}
	if o.LogPath != "" {
		add("log_path", o.LogPath)
	}
	if o.Verbosity != d.Verbosity {
		add("verbosity", strconv.Itoa(o.Verbosity))
	}
	sort.Strings(parts)
	return strings.Join(parts, ":")
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
