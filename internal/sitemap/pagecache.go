package sitemap

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// PageList is the persisted result of a discovery run.
type PageList struct {
	Timestamp time.Time `json:"timestamp"`
	Pages     []string  `json:"pages"`
}

// SavePageList writes the discovered pages to path as JSON.
func SavePageList(path string, pages []string) error {
	data, err := json.MarshalIndent(PageList{Timestamp: time.Now().UTC(), Pages: pages}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode page list: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadPageList reads a previously saved page list. Entries older than ttl
// are treated as absent.
func LoadPageList(path string, ttl time.Duration) ([]string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var pl PageList
	if err := json.Unmarshal(data, &pl); err != nil {
		return nil, false
	}
	if ttl > 0 && time.Since(pl.Timestamp) > ttl {
		return nil, false
	}
	return pl.Pages, true
}
