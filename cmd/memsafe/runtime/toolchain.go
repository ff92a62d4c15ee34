package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/mod/modfile"
)

// MinGoVersion is the oldest Go release instrumented code builds with.
// Instrumented files use generic instantiation and unsafe.SliceData.
const MinGoVersion = "1.21"

var minGoConstraint = mustConstraint(">= " + MinGoVersion + ".0-0")

func mustConstraint(c string) *semver.Constraints {
	cs, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return cs
}

// prerelease matches the suffix of versions like 1.22rc1 or 1.21beta2.
var prerelease = regexp.MustCompile(`^(\d+(?:\.\d+){0,2})((?:rc|beta|alpha)\d*)$`)

// ParseGoVersion converts a Go version ("go1.22.3", "1.22rc1", "1.21")
// into a semantic version.
func ParseGoVersion(v string) (*semver.Version, error) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "go")
	// go1.23.0 X:nocoverageredesign
	if i := strings.IndexAny(v, " \t"); i >= 0 {
		v = v[:i]
	}
	if m := prerelease.FindStringSubmatch(v); m != nil {
		v = m[1] + "-" + m[2]
	}
	sv, err := semver.NewVersion(v)
	if err != nil {
		return nil, fmt.Errorf("unrecognized Go version %q: %w", v, err)
	}
	return sv, nil
}

// CheckGoVersion reports an error when v is older than MinGoVersion.
// Development toolchains ("devel ...") are accepted.
func CheckGoVersion(v string) error {
	if strings.HasPrefix(strings.TrimSpace(v), "devel") {
		return nil
	}
	sv, err := ParseGoVersion(v)
	if err != nil {
		return err
	}
	if !minGoConstraint.Check(sv) {
		return fmt.Errorf("go %s is too old: memsafe needs go %s or newer", sv, MinGoVersion)
	}
	return nil
}

// GoVersion asks the go command on PATH for its version.
func GoVersion(ctx context.Context) (string, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, "go", "env", "GOVERSION")
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("go env GOVERSION: %w", err)
	}
	return strings.TrimSpace(out.String()), nil
}

// CheckToolchain verifies that the go command is recent enough.
func CheckToolchain(ctx context.Context) error {
	v, err := GoVersion(ctx)
	if err != nil {
		return err
	}
	return CheckGoVersion(v)
}

// RaiseGoDirective sets the go directive of f to MinGoVersion when it is
// missing or older, so language features used by instrumented code are
// enabled.
func RaiseGoDirective(f *modfile.File) error {
	if f.Go != nil {
		sv, err := ParseGoVersion(f.Go.Version)
		if err != nil {
			return err
		}
		if minGoConstraint.Check(sv) {
			return nil
		}
	}
	return f.AddGoStmt(MinGoVersion)
}
