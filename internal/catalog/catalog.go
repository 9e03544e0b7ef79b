// Package catalog holds the immutable problem dataset the progress store is
// seeded from.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed problems.yaml
var embedded []byte

// Difficulty values accepted in the catalog.
const (
	Easy   = "Easy"
	Medium = "Medium"
	Hard   = "Hard"
)

// Entry is one problem in the seed dataset.
type Entry struct {
	CatalogID   int64    `yaml:"catalog_id"`
	Title       string   `yaml:"title"`
	Difficulty  string   `yaml:"difficulty"`
	Categories  []string `yaml:"categories"`
	Tags        []string `yaml:"tags"`
	LeetCodeURL string   `yaml:"leetcode_url"`
	NeetCodeURL string   `yaml:"neetcode_url"`
	Sets        []string `yaml:"sets"`
}

type document struct {
	Problems []Entry `yaml:"problems"`
}

// Default returns the embedded catalog.
func Default() ([]Entry, error) {
	return Parse(embedded)
}

// LoadFile reads a catalog from a YAML file with the same layout as the
// embedded one.
func LoadFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a catalog document. Entries are returned in
// ascending catalog id order.
func Parse(data []byte) ([]Entry, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	seen := make(map[int64]bool, len(doc.Problems))
	for i, e := range doc.Problems {
		if e.CatalogID <= 0 {
			return nil, fmt.Errorf("catalog entry %d: catalog_id must be positive", i)
		}
		if seen[e.CatalogID] {
			return nil, fmt.Errorf("catalog entry %d: duplicate catalog_id %d", i, e.CatalogID)
		}
		seen[e.CatalogID] = true
		if e.Title == "" {
			return nil, fmt.Errorf("catalog entry %d: title is required", i)
		}
		if !ValidDifficulty(e.Difficulty) {
			return nil, fmt.Errorf("catalog entry %d: invalid difficulty %q", i, e.Difficulty)
		}
	}

	sort.Slice(doc.Problems, func(i, j int) bool {
		return doc.Problems[i].CatalogID < doc.Problems[j].CatalogID
	})
	return doc.Problems, nil
}

// ValidDifficulty reports whether d is one of Easy, Medium or Hard.
func ValidDifficulty(d string) bool {
	switch d {
	case Easy, Medium, Hard:
		return true
	}
	return false
}
