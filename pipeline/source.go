package pipeline

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/kbukum/flowrun/channel"
	"github.com/kbukum/flowrun/errors"
	"github.com/kbukum/flowrun/graph"
	"github.com/kbukum/flowrun/task"
)

// BuildSources expands source declarations against the filesystem: params are
// substituted into each pattern, globs are matched, and matches are grouped
// into keyed items. Empty matches are not an error here; graph construction
// rejects empty sources with the original pattern in the message.
func BuildSources(defs []SourceDef, params map[string]string) ([]graph.Source, error) {
	out := make([]graph.Source, 0, len(defs))
	for _, def := range defs {
		src, err := buildSource(def, params)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}

func buildSource(def SourceDef, params map[string]string) (graph.Source, error) {
	pattern, err := task.Substitute(def.Pattern, params)
	if err != nil {
		return graph.Source{}, err
	}

	kind := def.Kind
	if kind == "" {
		kind = channel.KindStream
	}
	src := graph.Source{Name: def.Channel, Kind: kind, Pattern: pattern}

	// Value sources carry a single path; it need not exist yet (a reference
	// another task builds, for example), so no glob is attempted unless the
	// pattern contains one.
	if kind == channel.KindValue && !strings.ContainsAny(pattern, "*?[") {
		src.Items = []channel.Item{{Key: def.Channel, Values: []string{pattern}}}
		return src, nil
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return graph.Source{}, errors.Configuration(
			fmt.Sprintf("source %q: bad glob %q: %v", def.Channel, pattern, err))
	}
	sort.Strings(matches)

	if kind == channel.KindValue {
		if len(matches) > 0 {
			src.Items = []channel.Item{{Key: def.Channel, Values: matches}}
		}
		return src, nil
	}

	var keyOf func(path string) (string, error)
	if def.GroupBy != "" {
		re, err := regexp.Compile(def.GroupBy)
		if err != nil {
			return graph.Source{}, errors.Configuration(
				fmt.Sprintf("source %q: bad group_by %q: %v", def.Channel, def.GroupBy, err))
		}
		if re.NumSubexp() < 1 {
			return graph.Source{}, errors.Configuration(
				fmt.Sprintf("source %q: group_by %q has no capture group", def.Channel, def.GroupBy))
		}
		keyOf = func(path string) (string, error) {
			m := re.FindStringSubmatch(filepath.Base(path))
			if m == nil {
				return "", errors.Configuration(
					fmt.Sprintf("source %q: file %q does not match group_by %q", def.Channel, path, def.GroupBy))
			}
			return m[1], nil
		}
	} else {
		keyOf = func(path string) (string, error) {
			return strippedBase(path), nil
		}
	}

	grouped := make(map[string][]string)
	var order []string
	for _, path := range matches {
		key, err := keyOf(path)
		if err != nil {
			return graph.Source{}, err
		}
		if _, seen := grouped[key]; !seen {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], path)
	}
	sort.Strings(order)

	for _, key := range order {
		src.Items = append(src.Items, channel.Item{Key: key, Values: grouped[key]})
	}
	return src, nil
}

// strippedBase removes every extension from a filename, so "s1.fq.gz"
// keys as "s1".
func strippedBase(path string) string {
	base := filepath.Base(path)
	if i := strings.IndexByte(base, '.'); i > 0 {
		return base[:i]
	}
	return base
}
