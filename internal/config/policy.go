package config

import (
	"fmt"
	"strconv"
	"time"
)

// policyKeys are the options a server may push.
var policyKeys = []string{
	KeyDelay,
	KeyChunkSize,
	KeyBigFile,
	KeyMaxErrors,
	KeyFeatureS3,
	KeyFeatureDirect,
	KeyFeatureAutoResume,
}

// ApplyServerPolicy returns a copy of c with the server-pushed values applied
// for every key the user did not set explicitly. Unknown keys are ignored.
// The list of applied keys is returned for logging.
func (c *Config) ApplyServerPolicy(policy map[string]any) (*Config, []string, error) {
	out := c.Clone()
	var applied []string

	for _, key := range policyKeys {
		raw, ok := policy[key]
		if !ok || c.IsExplicit(key) {
			continue
		}

		switch key {
		case KeyDelay:
			n, err := asInt(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid server value for %s: %w", key, err)
			}
			out.Delay = time.Duration(n) * time.Second
		case KeyChunkSize:
			n, err := asInt(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid server value for %s: %w", key, err)
			}
			out.ChunkSize = int64(n)
		case KeyBigFile:
			n, err := asInt(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid server value for %s: %w", key, err)
			}
			out.BigFile = int64(n)
		case KeyMaxErrors:
			n, err := asInt(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid server value for %s: %w", key, err)
			}
			out.MaxErrors = n
		case KeyFeatureS3:
			out.Features.S3DirectUpload = asBool(raw)
		case KeyFeatureDirect:
			out.Features.DirectTransfer = asBool(raw)
		case KeyFeatureAutoResume:
			out.Features.AutoResumeTransfers = asBool(raw)
		}
		applied = append(applied, key)
	}

	if err := out.Validate(); err != nil {
		return nil, nil, fmt.Errorf("server policy rejected: %w", err)
	}
	return out, applied, nil
}

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, _ := strconv.ParseBool(b)
		return parsed
	case float64:
		return b != 0
	default:
		return false
	}
}
