// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/IwenLeeO/lavse/pkg/ml/context"
	"github.com/IwenLeeO/lavse/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// ParseContextSettings from settings, typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "param1=value1;param2=value2;...".
//
// All the parameters "param1", "param2", etc. must be already set with default values
// in the context `ctx`. The default values are also used to set the type to which the
// string values will be parsed to.
//
// It updates `ctx` parameters accordingly and returns the paths of the parameters set, or an error in
// case a parameter is unknown or the parsing failed.
//
// One can also provide a scope for the parameters: "/adaptive/smooth=10" will work, as long as a default
// "smooth" is defined in `ctx`.
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
//
// An entry "file:<path>" reads more settings from a text file, one or more per line, where lines starting
// with "#" are comments.
func ParseContextSettings(ctx *context.Context, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseContextSetting(ctx, setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parseContextSetting(ctx *context.Context, setting string, paramsSet []string) (newParamsSet []string, err error) {
	newParamsSet = paramsSet
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return
	}
	if filePath, isFile := strings.CutPrefix(setting, "file:"); isFile {
		filePath, err = fsutil.ReplaceTildeInDir(filePath)
		if err != nil {
			return
		}
		var contents []byte
		contents, err = os.ReadFile(filePath)
		if err != nil {
			err = errors.Wrapf(err, "failed to read settings from file %q", filePath)
			return
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, lineSetting := range strings.Split(line, ";") {
				newParamsSet, err = parseContextSetting(ctx, lineSetting, newParamsSet)
				if err != nil {
					return
				}
			}
		}
		return
	}

	paramPath, valueStr, found := strings.Cut(setting, "=")
	if !found || strings.Contains(valueStr, "=") {
		err = errors.Errorf("can't parse setting %q: each setting requires the format \"<param>=<value>\"", setting)
		return
	}
	paramPath, valueStr = strings.TrimSpace(paramPath), strings.TrimSpace(valueStr)
	paramScope, paramName := context.SplitScope(paramPath)
	if strings.Contains(paramName, context.ScopeSeparator) || paramName == "" {
		err = errors.Errorf("can't set parameter %q: scoped parameters must be absolute (start with %q)",
			paramPath, context.ScopeSeparator)
		return
	}
	defaultValue, found := ctx.GetParam(paramName)
	if !found {
		err = errors.Errorf("can't set parameter %q (scope=%q) because the param %q is not known in the root context",
			paramPath, paramScope, paramName)
		return
	}
	value, err := parseValue(defaultValue, valueStr)
	if err != nil {
		err = errors.WithMessagef(err, "failed to parse value %q for parameter %q (default value is %#v)",
			valueStr, paramPath, defaultValue)
		return
	}

	ctxInScope := ctx
	if paramScope != "" {
		ctxInScope = ctx.InAbsPath(paramScope)
	}
	ctxInScope.SetParam(paramName, value)
	newParamsSet = append(newParamsSet, paramPath)
	return
}

// parseValue parses valueStr to the type of defaultValue.
func parseValue(defaultValue any, valueStr string) (any, error) {
	switch defaultValue.(type) {
	case int:
		return parseJSON[int](withoutSeparators(valueStr))
	case int32:
		return parseJSON[int32](withoutSeparators(valueStr))
	case int64:
		return parseJSON[int64](withoutSeparators(valueStr))
	case uint:
		return parseJSON[uint](withoutSeparators(valueStr))
	case uint32:
		return parseJSON[uint32](withoutSeparators(valueStr))
	case uint64:
		return parseJSON[uint64](withoutSeparators(valueStr))
	case float64:
		return parseJSON[float64](valueStr)
	case float32:
		return parseJSON[float32](valueStr)
	case bool:
		return parseJSON[bool](valueStr)
	case string:
		return valueStr, nil
	case []string:
		return strings.Split(valueStr, ","), nil
	case []int:
		return parseList[int](valueStr, true)
	case []float64:
		return parseList[float64](valueStr, false)
	default:
		return nil, errors.Errorf("don't know how to parse type %T", defaultValue)
	}
}

func withoutSeparators(valueStr string) string {
	return strings.ReplaceAll(valueStr, "_", "")
}

func parseJSON[T any](valueStr string) (any, error) {
	var v T
	if err := json.Unmarshal([]byte(valueStr), &v); err != nil {
		return nil, errors.Wrapf(err, "invalid %T", v)
	}
	return v, nil
}

func parseList[T int | float64](valueStr string, separators bool) (any, error) {
	parts := strings.Split(valueStr, ",")
	values := make([]T, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if separators {
			part = withoutSeparators(part)
		}
		var v T
		if err := json.Unmarshal([]byte(part), &v); err != nil {
			return nil, errors.Wrapf(err, "invalid list element %q", part)
		}
		values = append(values, v)
	}
	return values, nil
}

// ContextSettingsUsage returns the usage of a settings flag parsed with ParseContextSettings, including the
// list of hyperparameters (and their default values) defined in the root scope of ctx.
func ContextSettingsUsage(ctx *context.Context) string {
	parts := []string{fmt.Sprintf(
		`Set context parameters defining the model. `+
			`It should be a list of elements "param=value" separated by ";". `+
			`Scoped settings are allowed, by using %q to separate scopes. `+
			`It can also be given an entry like: "file:settings_file.txt", in `+
			`which case the file will be read and the settings will be parsed, `+
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. `+
			`Current available parameters that can be set:`,
		context.ScopeSeparator)}
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, value))
	})
	return strings.Join(parts, "\n")
}

// SprintContextSettings pretty-print values for the current hyperparameters settings into a string.
func SprintContextSettings(ctx *context.Context) string {
	var parts []string
	ctx.EnumerateParams(func(scope, key string, value any) {
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", context.JoinScope(scope, key), value, value))
	})
	return strings.Join(parts, "\n")
}

// SprintModifiedContextSettings pretty-prints the values of the parameters in paramsSet, as returned by
// ParseContextSettings. Duplicates are printed once.
func SprintModifiedContextSettings(ctx *context.Context, paramsSet []string) string {
	var parts []string
	paramsSet = slices.Clone(paramsSet)
	slices.Sort(paramsSet)
	for _, paramPath := range slices.Compact(paramsSet) {
		paramScope, paramName := context.SplitScope(paramPath)
		if paramScope == "" {
			paramScope = context.RootScope
		}
		value, found := ctx.InAbsPath(paramScope).GetParam(paramName)
		if !found {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", paramPath, value, value))
	}
	return strings.Join(parts, "\n")
}
