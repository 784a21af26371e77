// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil contains utilities for working with the file system.
package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// FileExists returns whether the file or directory exists or an error if something went wrong in the filesystem.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to FileExists(%q)", path)
}

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
//
// It returns an error if `dir` has an unknown user or some other filesystem error (e.g: `~unknown/...`)
func ReplaceTildeInDir(dir string) (string, error) {
	if !strings.HasPrefix(dir, "~") {
		return dir, nil
	}
	var userName string
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		userName, _, _ = strings.Cut(dir[1:], "/")
	}
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", dir)
	}
	return filepath.Join(usr.HomeDir, dir[1+len(userName):]), nil
}

// ResolveInput expands "~" in path and checks that the file exists.
// An empty path is returned as is.
func ResolveInput(path string) (string, error) {
	if path == "" {
		return path, nil
	}
	resolved, err := ReplaceTildeInDir(path)
	if err != nil {
		return "", err
	}
	exists, err := FileExists(resolved)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", errors.Errorf("input file %q not found", resolved)
	}
	return resolved, nil
}

// ResolveOutput expands "~" in path and creates its parent directory if it doesn't exist yet.
func ResolveOutput(path string) (string, error) {
	resolved, err := ReplaceTildeInDir(path)
	if err != nil {
		return "", err
	}
	if err = os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create directory for output %q", resolved)
	}
	return resolved, nil
}
