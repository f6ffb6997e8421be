// Package batch drives many independent single-file uploads
// concurrently from a manifest, sharing one limiter so every worker
// queues against the same monthly budget.
package batch

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"
)

// Entry is one file to transfer: a local path paired with the
// destination object key.
type Entry struct {
	LocalPath string `json:"localPath"`
	ObjectKey string `json:"objectKey"`
}

// Manifest is the flat list of files a batch run drives through the
// upload/chunked engines, one limiter shared across all of them.
type Manifest struct {
	Entries []Entry `json:"entries"`
}

// LoadManifest reads a manifest file containing a JSON object whose
// "entries" array lists {localPath, objectKey} pairs.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("batch: read manifest %s: %w", path, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("batch: decode manifest %s: %w", path, err)
	}
	for i, e := range m.Entries {
		if e.LocalPath == "" {
			return Manifest{}, fmt.Errorf("batch: manifest entry %d missing localPath", i)
		}
		if e.ObjectKey == "" {
			return Manifest{}, fmt.Errorf("batch: manifest entry %d missing objectKey", i)
		}
	}
	return m, nil
}
