package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys of every section.
var knownKeys = map[string][]string{
	"endpoint": {"url", "username", "password", "remote_path"},
	"sync": {
		"data_dir", "interval", "initial_delay", "restart_delay", "watch_debounce",
		"exclude", "temp_dir", "backup_dir", "device_id_file", "device_name",
	},
	"logging": {"log_level", "log_file", "log_format", "log_retention_days"},
	"network": {"connect_timeout", "data_timeout", "user_agent"},
	"status":  {"listen", "journal"},
}

// knownSections is the sorted list of section names. Sorted for
// deterministic suggestions when two candidates have the same distance.
var knownSections = func() []string {
	out := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		out = append(out, k)
	}

	sort.Strings(out)

	return out
}()

// allKeys maps every known leaf key to its section, for suggesting the
// right section when a key is placed at the top level.
var allKeys = func() map[string]string {
	out := map[string]string{}

	for section, keys := range knownKeys {
		for _, k := range keys {
			out[k] = section
		}
	}

	return out
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	reported := map[string]bool{}

	for _, key := range md.Undecoded() {
		err := unknownKeyError(key)
		if err == nil || reported[err.Error()] {
			continue
		}

		reported[err.Error()] = true
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func unknownKeyError(key toml.Key) error {
	section := key[0]

	keys, known := knownKeys[section]
	if !known {
		if len(key) == 1 {
			if home, ok := allKeys[section]; ok {
				return fmt.Errorf("unknown config key %q, did you mean %q in [%s]?", section, section, home)
			}
		}

		if suggestion := closestMatch(section, knownSections); suggestion != "" {
			return fmt.Errorf("unknown config section %q, did you mean %q?", section, suggestion)
		}

		return fmt.Errorf("unknown config section %q", section)
	}

	if len(key) < 2 {
		return nil
	}

	field := key[1]
	name := section + "." + field

	if suggestion := closestMatch(field, keys); suggestion != "" {
		return fmt.Errorf("unknown config key %q, did you mean %q?", name, section+"."+suggestion)
	}

	return fmt.Errorf("unknown config key %q in [%s] (valid keys: %s)", name, section, strings.Join(keys, ", "))
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		if d := levenshtein(unknown, k); d < bestDist {
			bestDist = d
			best = k
		}
	}

	return best
}

// levenshtein computes the edit distance between two strings with a
// two-row table.
func levenshtein(a, b string) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
