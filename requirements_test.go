// requirements_test.go: Tests for external requirement installers
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginresolver

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandRequirementArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []string
	}{
		{"placeholder argument", []string{"install", "{requirement}"}, []string{"install", "numpy"}},
		{"embedded placeholder", []string{"--pkg={requirement}", "-y"}, []string{"--pkg=numpy", "-y"}},
		{"appended without placeholder", []string{"install", "-q"}, []string{"install", "-q", "numpy"}},
		{"no arguments", nil, []string{"numpy"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, expandRequirementArgs(tt.args, "numpy"))
		})
	}
}

func requireShell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

func TestExecRequirementInstaller_Install(t *testing.T) {
	sh := requireShell(t)
	dir := t.TempDir()
	log := filepath.Join(dir, "installed.txt")

	installer := &ExecRequirementInstaller{
		Command: []string{sh, "-c", `echo "$0" >> "` + log + `"`, "{requirement}"},
	}
	require.NoError(t, installer.InstallRequirement(context.Background(), "libssl>=3"))
	require.NoError(t, installer.InstallRequirement(context.Background(), "zlib"))

	data, err := os.ReadFile(log)
	require.NoError(t, err)
	assert.Equal(t, "libssl>=3\nzlib\n", string(data))
}

func TestExecRequirementInstaller_FailureCarriesOutput(t *testing.T) {
	sh := requireShell(t)
	installer := &ExecRequirementInstaller{
		Command: []string{sh, "-c", `echo "no such package $0" >&2; exit 3`, "{requirement}"},
	}
	err := installer.InstallRequirement(context.Background(), "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such package ghost")

	var exitErr *exec.ExitError
	assert.ErrorAs(t, err, &exitErr)
}

func TestExecRequirementInstaller_FailureKeepsOutputTail(t *testing.T) {
	sh := requireShell(t)
	installer := &ExecRequirementInstaller{
		Command: []string{sh, "-c", `i=0; while [ $i -lt 5000 ]; do echo "progress line $i"; i=$((i+1)); done; echo "fatal: $0 missing" >&2; exit 1`, "{requirement}"},
	}
	err := installer.InstallRequirement(context.Background(), "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fatal: ghost missing")
	assert.Contains(t, err.Error(), "[output truncated]")
	assert.NotContains(t, err.Error(), "progress line 0\n")
	assert.Less(t, len(err.Error()), 2*maxRequirementOutput)
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{limit: 8}
	_, _ = b.Write([]byte("abc"))
	assert.Equal(t, "abc", b.String())

	n, err := b.Write([]byte("defghijk"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, "[output truncated]\ndefghijk", b.String())

	_, _ = b.Write([]byte("XY"))
	assert.Equal(t, "[output truncated]\nfghijkXY", b.String())
}

func TestExecRequirementInstaller_Probe(t *testing.T) {
	sh := requireShell(t)
	installer := &ExecRequirementInstaller{
		Command:      []string{sh, "-c", "exit 0"},
		ProbeCommand: []string{sh, "-c", `test "$0" = present`, "{requirement}"},
	}

	ok, err := installer.RequirementSatisfied(context.Background(), "present")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = installer.RequirementSatisfied(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	noProbe := &ExecRequirementInstaller{Command: []string{sh}}
	ok, err = noProbe.RequirementSatisfied(context.Background(), "anything")
	require.NoError(t, err)
	assert.False(t, ok)

	missing := &ExecRequirementInstaller{ProbeCommand: []string{filepath.Join(t.TempDir(), "no-such-binary")}}
	_, err = missing.RequirementSatisfied(context.Background(), "x")
	assert.Error(t, err)
}

func TestExecRequirementInstaller_NoCommand(t *testing.T) {
	err := (&ExecRequirementInstaller{}).InstallRequirement(context.Background(), "x")
	assert.Error(t, err)
}

func TestRequirementInstallerFunc(t *testing.T) {
	var got string
	installer := RequirementInstallerFunc(func(ctx context.Context, spec string) error {
		got = spec
		return nil
	})
	require.NoError(t, installer.InstallRequirement(context.Background(), "libfoo"))
	assert.Equal(t, "libfoo", got)
}
