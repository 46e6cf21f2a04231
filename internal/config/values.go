package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// durationValue accepts Go durations ("15s") and bare numbers, which are
// read as milliseconds whether they come from the environment or a config file.
func durationValue(v *viper.Viper, key string) (time.Duration, error) {
	raw := v.Get(key)
	switch n := raw.(type) {
	case string:
		s := strings.TrimSpace(n)
		if ms, err := strconv.Atoi(s); err == nil {
			return time.Duration(ms) * time.Millisecond, nil
		}
		raw = s
	case int, int32, int64, uint, uint32, uint64, float32, float64:
		ms, err := cast.ToInt64E(n)
		if err != nil {
			return 0, fmt.Errorf("%w: %s parse error: %v", ErrConfig, key, err)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := cast.ToDurationE(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s parse error: %v", ErrConfig, key, err)
	}
	return d, nil
}

func intValue(v *viper.Viper, key string) (int, error) {
	n, err := cast.ToIntE(trimmed(v.Get(key)))
	if err != nil {
		return 0, fmt.Errorf("%w: %s parse error: %v", ErrConfig, key, err)
	}
	return n, nil
}

func floatValue(v *viper.Viper, key string) (float64, error) {
	f, err := cast.ToFloat64E(trimmed(v.Get(key)))
	if err != nil {
		return 0, fmt.Errorf("%w: %s parse error: %v", ErrConfig, key, err)
	}
	return f, nil
}

func trimmed(raw any) any {
	if s, ok := raw.(string); ok {
		return strings.TrimSpace(s)
	}
	return raw
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
