package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/roformer/rotary/logutil"
)

var (
	// Set via ROTARY_DEBUG in the environment
	Debug bool
	// Trace enables sub-debug logging. Set via ROTARY_DEBUG=2
	Trace bool
	// Set via ROTARY_NUM_THREADS in the environment
	NumThreads int
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"ROTARY_DEBUG":       {"ROTARY_DEBUG", Debug, "Show additional debug information (e.g. ROTARY_DEBUG=1, ROTARY_DEBUG=2 for trace)"},
		"ROTARY_NUM_THREADS": {"ROTARY_NUM_THREADS", NumThreads, "Maximum number of goroutines per kernel (default is the GOMAXPROCS setting)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	if debug := clean("ROTARY_DEBUG"); debug != "" {
		if b, err := strconv.ParseBool(debug); err == nil {
			Debug = b
		} else if i, err := strconv.Atoi(debug); err == nil && i >= 2 {
			Debug = true
			Trace = true
		} else {
			Debug = true
		}
	}

	if nt := clean("ROTARY_NUM_THREADS"); nt != "" {
		val, err := strconv.Atoi(nt)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "ROTARY_NUM_THREADS", nt, "error", err)
		} else {
			NumThreads = val
		}
	}
}

// LogLevel returns the slog level selected by ROTARY_DEBUG.
func LogLevel() slog.Level {
	switch {
	case Trace:
		return logutil.LevelTrace
	case Debug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
