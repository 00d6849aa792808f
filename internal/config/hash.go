package config

import (
	"encoding/json"
	"hash/fnv"
)

// hashConfig fingerprints the decoded config, so formatting-only edits do not
// trigger a reload. Zero means "unknown".
func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
