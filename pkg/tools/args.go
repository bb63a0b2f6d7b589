package tools

import (
	"fmt"
	"time"
)

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok
}

func requiredString(args map[string]any, key string) (string, error) {
	v, ok := stringArg(args, key)
	if !ok || v == "" {
		return "", fmt.Errorf("%s is required and must be a non-empty string", key)
	}
	return v, nil
}

// intArgOrDefault accepts JSON numbers (float64) as well as Go ints.
func intArgOrDefault(args map[string]any, key string, defaultVal int) int {
	v, exists := args[key]
	if !exists {
		return defaultVal
	}
	var n int
	switch val := v.(type) {
	case float64:
		n = int(val)
	case int:
		n = val
	case int64:
		n = int(val)
	default:
		return defaultVal
	}
	if n < 1 {
		return defaultVal
	}
	return n
}

// secondsArg reads a timeout given in seconds; zero means "use the default".
func secondsArg(args map[string]any, key string) time.Duration {
	return time.Duration(intArgOrDefault(args, key, 0)) * time.Second
}
