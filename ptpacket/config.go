package ptpacket

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LoadDecodeOptions reads an ini-style tuning file and applies it over
// DefaultDecodeOptions, the same section+key=value shape as the teacher's
// ptm.LoadPTMDeviceConfig:
//
//	[cache]
//	window=32
//	capacity=4096
//	[decode]
//	strict=false
//	diagnostics=false
//
// Unknown sections and keys are ignored so a profile written for a newer
// version of this tool degrades gracefully on an older binary.
func LoadDecodeOptions(path string) (DecodeOptions, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DecodeOptions{}, fmt.Errorf("ptpacket: read decode options ini: %w", err)
	}

	opts := DefaultDecodeOptions()
	section := ""
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.Trim(line, "[]"))
			continue
		}

		key, value, ok := splitIniKV(line)
		if !ok {
			continue
		}

		switch section {
		case "cache":
			applyCacheKV(&opts, strings.ToLower(key), value)
		case "decode":
			applyDecodeKV(&opts, strings.ToLower(key), value)
		}
	}
	return opts, nil
}

func applyCacheKV(opts *DecodeOptions, key, value string) {
	switch key {
	case "window":
		if v, err := strconv.Atoi(value); err == nil {
			opts.CacheKeyWindow = v
		}
	case "capacity":
		if v, err := strconv.Atoi(value); err == nil {
			opts.CacheCapacity = v
		}
	}
}

func applyDecodeKV(opts *DecodeOptions, key, value string) {
	switch key {
	case "strict":
		if v, err := strconv.ParseBool(value); err == nil {
			opts.Strict = v
		}
	case "diagnostics":
		if v, err := strconv.ParseBool(value); err == nil {
			opts.MoreDiagnostics = v
		}
	}
}

func splitIniKV(line string) (string, string, bool) {
	parts := strings.SplitN(line, "=", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	key := strings.TrimSpace(parts[0])
	value := strings.TrimSpace(parts[1])
	if key == "" || value == "" {
		return "", "", false
	}
	return key, value, true
}
