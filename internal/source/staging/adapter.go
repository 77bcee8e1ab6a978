// Package staging reads parsed product payloads from a local staging
// directory written by the external scraper. Each category has one JSONL
// file (<category>.jsonl) of RawProduct lines; the adapter merges the
// configured categories into a single cursor-paged stream.
package staging

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jibbs/catalog/internal/source"
)

// Adapter implements source.RecordSource over a staging directory.
type Adapter struct {
	basePath   string
	categories []string
	records    []source.RawProduct
	loaded     bool
}

// NewAdapter creates a staging adapter for the given directory and
// category list. An empty category list loads every .jsonl file found.
func NewAdapter(basePath string, categories []string) *Adapter {
	return &Adapter{
		basePath:   basePath,
		categories: categories,
	}
}

// SourceID returns the unique identifier for this source.
func (a *Adapter) SourceID() string {
	return "staging"
}

// DisplayName returns a human-readable name for this source.
func (a *Adapter) DisplayName() string {
	return fmt.Sprintf("Staging (%s)", a.basePath)
}

// FetchBatch fetches a batch of raw records from the staging directory.
// The cursor is the numeric index of the next record.
func (a *Adapter) FetchBatch(ctx context.Context, cursor string, limit int) ([]source.RawProduct, string, error) {
	if !a.loaded {
		if err := a.loadRecords(); err != nil {
			return nil, "", fmt.Errorf("failed to load staging records: %w", err)
		}
		a.loaded = true
	}

	start := 0
	if cursor != "" {
		var err error
		start, err = strconv.Atoi(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
	}

	if start >= len(a.records) {
		return []source.RawProduct{}, "", nil
	}

	end := start + limit
	if end > len(a.records) {
		end = len(a.records)
	}

	batch := a.records[start:end]

	next := ""
	if end < len(a.records) {
		next = strconv.Itoa(end)
	}

	return batch, next, nil
}

func (a *Adapter) loadRecords() error {
	categories := a.categories
	if len(categories) == 0 {
		found, err := a.discoverCategories()
		if err != nil {
			return err
		}
		categories = found
	}

	for _, category := range categories {
		path := filepath.Join(a.basePath, category+".jsonl")
		if err := a.loadFile(path, category); err != nil {
			return err
		}
	}

	return nil
}

func (a *Adapter) discoverCategories() ([]string, error) {
	entries, err := os.ReadDir(a.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read staging directory: %w", err)
	}

	var categories []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if filepath.Ext(name) == ".jsonl" {
			categories = append(categories, name[:len(name)-len(".jsonl")])
		}
	}
	return categories, nil
}

func (a *Adapter) loadFile(path, category string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// A configured category with no staged file yields nothing.
			return nil
		}
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var record source.RawProduct
		if err := json.Unmarshal(line, &record); err != nil {
			return fmt.Errorf("malformed record at %s:%d: %w", path, lineNo, err)
		}
		if record.Category == "" {
			record.Category = category
		}
		a.records = append(a.records, record)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	return nil
}
