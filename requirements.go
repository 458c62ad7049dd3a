// requirements.go: External requirement installation capability
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginresolver

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// RequirementPlaceholder is replaced by the requirement spec in
// Config.RequirementCommand arguments.
const RequirementPlaceholder = "{requirement}"

// RequirementInstaller makes an external (non plugin) requirement available,
// for example a system package or a language library.
type RequirementInstaller interface {
	InstallRequirement(ctx context.Context, spec string) error
}

// RequirementInstallerFunc adapts a function to RequirementInstaller.
type RequirementInstallerFunc func(ctx context.Context, spec string) error

func (f RequirementInstallerFunc) InstallRequirement(ctx context.Context, spec string) error {
	return f(ctx, spec)
}

// RequirementProber is implemented by installers that can tell whether a
// requirement is already satisfied. Satisfied requirements are not
// reinstalled.
type RequirementProber interface {
	RequirementSatisfied(ctx context.Context, spec string) (bool, error)
}

// ExecRequirementInstaller runs a command per requirement. Every argument
// equal to or containing RequirementPlaceholder gets the spec substituted;
// without any placeholder the spec is appended as the last argument.
//
// Example:
//
//	installer := &ExecRequirementInstaller{Command: []string{"pip", "install", "{requirement}"}}
type ExecRequirementInstaller struct {
	Command []string

	// ProbeCommand, when set, is run the same way and a zero exit status
	// means the requirement is already satisfied.
	ProbeCommand []string

	Env []string
	Dir string

	// Logger defaults to the logger carried by the context.
	Logger Logger
}

func (e *ExecRequirementInstaller) InstallRequirement(ctx context.Context, spec string) error {
	if len(e.Command) == 0 {
		return fmt.Errorf("no requirement command configured")
	}
	out, err := e.run(ctx, e.Command, spec)
	if err != nil {
		return fmt.Errorf("%s: %w: %s", e.Command[0], err, strings.TrimSpace(out))
	}
	e.logger(ctx).Debug("External requirement installed", "requirement", spec)
	return nil
}

func (e *ExecRequirementInstaller) RequirementSatisfied(ctx context.Context, spec string) (bool, error) {
	if len(e.ProbeCommand) == 0 {
		return false, nil
	}
	_, err := e.run(ctx, e.ProbeCommand, spec)
	if err == nil {
		return true, nil
	}
	if _, ok := err.(*exec.ExitError); ok {
		return false, nil
	}
	return false, err
}

func (e *ExecRequirementInstaller) run(ctx context.Context, command []string, spec string) (string, error) {
	args := expandRequirementArgs(command[1:], spec)
	// #nosec G204 -- the command comes from trusted configuration
	cmd := exec.CommandContext(ctx, command[0], args...)
	if len(e.Env) > 0 {
		cmd.Env = e.Env
	}
	cmd.Dir = e.Dir

	output := &tailBuffer{limit: maxRequirementOutput}
	cmd.Stdout = output
	cmd.Stderr = output
	err := cmd.Run()
	return output.String(), err
}

// maxRequirementOutput bounds the command output kept for error reports.
const maxRequirementOutput = 16 << 10

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit     int
	buf       []byte
	truncated bool
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
		t.truncated = true
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	if t.truncated {
		return "[output truncated]\n" + string(t.buf)
	}
	return string(t.buf)
}

// logger prefers the configured logger over the one carried by ctx.
func (e *ExecRequirementInstaller) logger(ctx context.Context) Logger {
	if e.Logger == nil {
		return LoggerFromContext(ctx)
	}
	return e.Logger
}

func expandRequirementArgs(args []string, spec string) []string {
	out := make([]string, 0, len(args)+1)
	substituted := false
	for _, a := range args {
		if strings.Contains(a, RequirementPlaceholder) {
			a = strings.ReplaceAll(a, RequirementPlaceholder, spec)
			substituted = true
		}
		out = append(out, a)
	}
	if !substituted {
		out = append(out, spec)
	}
	return out
}
