package main

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

const appVersion = "1.2.0"

// updateCache mirrors the sidecar file an external updater maintains.
// We only stamp our own version and surface a newer one if the updater
// recorded it. Read and write failures are deliberately ignored.
type updateCache struct {
	LastCheck      int64  `json:"last_check"` // unix ms
	LatestVersion  string `json:"latest_version,omitempty"`
	CurrentVersion string `json:"current_version"`
}

func readUpdateCache(path string) updateCache {
	var c updateCache
	raw, err := os.ReadFile(path)
	if err != nil {
		return c
	}
	_ = json.Unmarshal(raw, &c)
	return c
}

func writeUpdateCache(path string, c updateCache) {
	raw, err := json.Marshal(c)
	if err != nil {
		return
	}
	_ = os.WriteFile(path, raw, 0o600)
}

// noteVersion refreshes the cache stamp and logs when the recorded
// latest version is ahead of ours.
func noteVersion(path string) {
	if path == "" {
		return
	}
	c := readUpdateCache(path)
	if c.LatestVersion != "" && c.LatestVersion != appVersion {
		log.Printf("version %s available (running %s)", c.LatestVersion, appVersion)
	}
	c.LastCheck = time.Now().UnixMilli()
	c.CurrentVersion = appVersion
	writeUpdateCache(path, c)
}
