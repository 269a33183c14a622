// Package history is the append-only record store: one JSON document per
// generation attempt, success or failure, under history/. Identifiers embed
// the UTC timestamp so lexical order is chronological.
package history

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var ErrNotFound = errors.New("history entry not found")

// Params are the generation parameters worth auditing.
type Params struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Seed   *int64 `json:"seed,omitempty"`
}

// Entry is immutable after Record. Failed attempts carry Error and no
// OutputPath.
type Entry struct {
	ID             string `json:"id"`
	Timestamp      string `json:"timestamp"`
	Prompt         string `json:"prompt"`
	ResolvedPrompt string `json:"resolved_prompt"`
	Model          string `json:"model"`
	Params         Params `json:"params"`
	OutputPath     string `json:"output_path,omitempty"`
	Status         string `json:"status"`
	DurationMS     int64  `json:"duration_ms"`
	Series         string `json:"series,omitempty"`
	ItemID         string `json:"item_id,omitempty"`
	Error          string `json:"error,omitempty"`
	ImageSHA256    string `json:"image_sha256,omitempty"`
	ImageSize      int64  `json:"image_size,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Filter narrows List results. Zero value matches everything.
type Filter struct {
	Series string
	Status string
	Search string
	Limit  int
}

// Stats aggregates the whole store.
type Stats struct {
	Total       int
	Succeeded   int
	Failed      int
	AvgDuration time.Duration
	SeriesCount int
}

type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// NewID builds the store key: the UTC timestamp plus an 8-hex fingerprint of
// the attempt. The fingerprint covers the sub-second timestamp and the item
// identifier as well as the prompt, so two attempts in the same second never
// collide even when they share a prompt.
func NewID(ts time.Time, itemID, resolvedPrompt string) string {
	utc := ts.UTC()
	sum := sha256.Sum256([]byte(utc.Format(time.RFC3339Nano) + "\x00" + itemID + "\x00" + resolvedPrompt))
	return fmt.Sprintf("%s_%s", utc.Format("20060102_150405"), hex.EncodeToString(sum[:4]))
}

// Timestamp formats ts the way entries store it.
func Timestamp(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339)
}

// Record appends one entry. The write is durable (synced to disk) before
// Record returns; entries are never updated or deleted afterwards.
func (s *Store) Record(entry Entry) error {
	if entry.ID == "" {
		return errors.New("history: entry id is empty")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("history: create dir: %w", err)
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("history: encode entry %s: %w", entry.ID, err)
	}

	path := filepath.Join(s.dir, entry.ID+".json")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("history: create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("history: write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("history: sync %s: %w", path, err)
	}
	return f.Close()
}

// List returns entries newest first, after applying the filter.
func (s *Store) List(filter Filter) ([]Entry, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("history: read dir: %w", err)
	}

	names := make([]string, 0, len(files))
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		names = append(names, f.Name())
	}
	// ids are timestamp-prefixed, so reverse lexical order is newest first
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	var entries []Entry
	for _, name := range names {
		entry, err := s.read(filepath.Join(s.dir, name))
		if err != nil {
			return nil, err
		}
		if !matches(entry, filter) {
			continue
		}
		entries = append(entries, entry)
		if filter.Limit > 0 && len(entries) >= filter.Limit {
			break
		}
	}
	return entries, nil
}

// Get fetches one entry by id; a trailing .json on the id is tolerated.
func (s *Store) Get(id string) (*Entry, error) {
	id = strings.TrimSuffix(id, ".json")
	entry, err := s.read(filepath.Join(s.dir, id+".json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &entry, nil
}

// Stats walks the whole store.
func (s *Store) Stats() (Stats, error) {
	entries, err := s.List(Filter{})
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	var totalMS int64
	series := map[string]bool{}
	for _, entry := range entries {
		stats.Total++
		switch entry.Status {
		case StatusSuccess:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
		}
		totalMS += entry.DurationMS
		if entry.Series != "" {
			series[entry.Series] = true
		}
	}
	if stats.Total > 0 {
		stats.AvgDuration = time.Duration(totalMS/int64(stats.Total)) * time.Millisecond
	}
	stats.SeriesCount = len(series)
	return stats, nil
}

func (s *Store) read(path string) (Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("history: decode %s: %w", path, err)
	}
	return entry, nil
}

func matches(entry Entry, filter Filter) bool {
	if filter.Series != "" && entry.Series != filter.Series {
		return false
	}
	if filter.Status != "" && entry.Status != filter.Status {
		return false
	}
	if filter.Search != "" {
		needle := strings.ToLower(filter.Search)
		if !strings.Contains(strings.ToLower(entry.Prompt), needle) &&
			!strings.Contains(strings.ToLower(entry.ResolvedPrompt), needle) {
			return false
		}
	}
	return true
}

// ImageIntegrity computes the fields recorded for a written output file.
func ImageIntegrity(data []byte) (sum string, size int64) {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:]), int64(len(data))
}
