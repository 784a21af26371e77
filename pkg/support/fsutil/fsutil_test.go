// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReplaceTildeInDir(t *testing.T) {
	usr, err := user.Current()
	require.NoError(t, err)
	got, err := ReplaceTildeInDir("~/features/images.npy")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(usr.HomeDir, "features/images.npy"), got)

	got, err = ReplaceTildeInDir("/tmp/x")
	require.NoError(t, err)
	require.Equal(t, "/tmp/x", got)
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "lengths.npy")
	require.NoError(t, os.WriteFile(existing, []byte{}, 0o644))

	got, err := ResolveInput(existing)
	require.NoError(t, err)
	require.Equal(t, existing, got)
	_, err = ResolveInput(filepath.Join(dir, "missing.npy"))
	require.Error(t, err)

	out := filepath.Join(dir, "a", "b", "sims.npy")
	got, err = ResolveOutput(out)
	require.NoError(t, err)
	require.Equal(t, out, got)
	exists, err := FileExists(filepath.Join(dir, "a", "b"))
	require.NoError(t, err)
	require.True(t, exists)
}
