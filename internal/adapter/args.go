package adapter

import (
	"fmt"
	"sort"
	"strconv"
)

// Reserved config keys consumed by the adapters themselves rather than
// translated into command-line flags.
const (
	KeyExecutablePath = "executablePath"
	KeyModel          = "model"
	KeyEnv            = "env"
)

// reservedKeys are never rendered as flags.
var reservedKeys = map[string]bool{
	KeyExecutablePath: true,
	KeyModel:          true,
	KeyEnv:            true,
}

// BuildFlags renders a merged config map as command-line flags, sorted by
// key for deterministic command lines:
//
//	true          -> --key
//	false / nil   -> omitted
//	string/number -> --key value
//	[]any         -> --key v1 --key v2 (flag repeated once per value)
//
// Unknown value types are omitted rather than rendered.
func BuildFlags(config map[string]any) []string {
	keys := make([]string, 0, len(config))
	for k := range config {
		if !reservedKeys[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var args []string
	for _, k := range keys {
		args = appendFlag(args, "--"+k, config[k])
	}
	return args
}

func appendFlag(args []string, flag string, v any) []string {
	switch val := v.(type) {
	case nil:
		return args
	case bool:
		if val {
			args = append(args, flag)
		}
		return args
	case string:
		if val != "" {
			args = append(args, flag, val)
		}
		return args
	case int:
		return append(args, flag, strconv.Itoa(val))
	case float64:
		return append(args, flag, formatNumber(val))
	case []any:
		for _, item := range val {
			args = appendFlag(args, flag, item)
		}
		return args
	case []string:
		for _, item := range val {
			args = appendFlag(args, flag, item)
		}
		return args
	default:
		return args
	}
}

// formatNumber renders a JSON number, keeping integral values flag-friendly
// ("--max-turns 5", not "--max-turns 5.000000").
func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return fmt.Sprintf("%g", f)
}

// executable returns the configured binary path, or fallback when unset.
func executable(config map[string]any, fallback string) string {
	if path, ok := config[KeyExecutablePath].(string); ok && path != "" {
		return path
	}
	return fallback
}

// model returns the model from the spec, falling back to the config map.
func model(spec SpawnSpec) string {
	if spec.Model != "" {
		return spec.Model
	}
	m, _ := spec.Config[KeyModel].(string)
	return m
}
