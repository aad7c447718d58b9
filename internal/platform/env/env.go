// Package env reads typed configuration values from the process environment.
// Unset keys fall back to the supplied default; set-but-malformed keys are an error.
package env

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func String(key string, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func Duration(key string, def time.Duration) (time.Duration, error) {
	return parse(key, def, time.ParseDuration)
}

func Bool(key string, def bool) (bool, error) {
	return parse(key, def, strconv.ParseBool)
}

func Int(key string, def int) (int, error) {
	return parse(key, def, strconv.Atoi)
}

// CSV splits a comma separated value, dropping blanks and duplicates while
// preserving order.
func CSV(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	var out []string
	seen := make(map[string]bool)
	for item := range strings.SplitSeq(v, ",") {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}

func parse[T any](key string, def T, fn func(string) (T, error)) (T, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def, nil
	}
	out, err := fn(strings.TrimSpace(v))
	if err != nil {
		var zero T
		return zero, fmt.Errorf("parse %s: %w", key, err)
	}
	return out, nil
}
