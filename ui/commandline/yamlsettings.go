// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/IwenLeeO/lavse/pkg/ml/context"
	"github.com/IwenLeeO/lavse/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LoadYAMLSettings reads hyperparameters from a YAML file and sets them in ctx, with the same rules as
// ParseContextSettings. It returns the paths of the parameters set.
//
// Nested mappings are scopes, and lists are joined with ",". E.g.:
//
//	similarity_variant_name: scan_t2i
//	agg_function: LogSumExp
//	lambda_lse: 6
//	scan_t2i:
//	  smooth: 9
//
// sets "similarity_variant_name", "agg_function" and "lambda_lse" in the root scope, and "smooth" in the
// scope "/scan_t2i".
func LoadYAMLSettings(ctx *context.Context, filePath string) ([]string, error) {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read settings from %q", filePath)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(contents, &tree); err != nil {
		return nil, errors.Wrapf(err, "failed to parse YAML settings in %q", filePath)
	}
	var settings []string
	if err := flattenYAML("", tree, &settings); err != nil {
		return nil, errors.WithMessagef(err, "settings in %q", filePath)
	}
	var paramsSet []string
	for _, setting := range settings {
		paramsSet, err = parseContextSetting(ctx, setting, paramsSet)
		if err != nil {
			return nil, errors.WithMessagef(err, "settings in %q", filePath)
		}
	}
	return paramsSet, nil
}

// flattenYAML converts the tree into "param=value" settings, with the keys in sorted order.
func flattenYAML(scope string, tree map[string]any, settings *[]string) error {
	for _, key := range slices.Sorted(maps.Keys(tree)) {
		path := key
		if scope != "" {
			path = scope + context.ScopeSeparator + key
		}
		switch v := tree[key].(type) {
		case map[string]any:
			if err := flattenYAML(path, v, settings); err != nil {
				return err
			}
			continue
		case []any:
			values := make([]string, 0, len(v))
			for _, element := range v {
				values = append(values, fmt.Sprint(element))
			}
			*settings = append(*settings, paramSetting(scope, key, strings.Join(values, ",")))
		case nil:
			return errors.Errorf("parameter %q has no value", path)
		default:
			*settings = append(*settings, paramSetting(scope, key, fmt.Sprint(v)))
		}
	}
	return nil
}

// paramSetting formats the setting of key in the given scope, relative to the root scope.
func paramSetting(scope, key, value string) string {
	if scope == "" {
		return key + "=" + value
	}
	return context.ScopeSeparator + scope + context.ScopeSeparator + key + "=" + value
}
