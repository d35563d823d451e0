package wftemplate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// IndexEntry is one row of a template index.
type IndexEntry struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

// Index lists the templates a deployment makes available for selection by
// workspace config's workflowTemplateId.
type Index struct {
	Templates []IndexEntry `json:"templates"`
}

// LoadIndex reads and parses a template index file.
func LoadIndex(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wftemplate: read index %s: %w", path, err)
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("wftemplate: parse index %s: %w", path, err)
	}
	if len(idx.Templates) == 0 {
		return nil, fmt.Errorf("wftemplate: index %s lists no templates", path)
	}
	for _, e := range idx.Templates {
		if e.ID == "" || e.Path == "" {
			return nil, fmt.Errorf("wftemplate: index %s has an entry missing id or path", path)
		}
	}
	return &idx, nil
}

// Find returns the entry with the given id, or the first entry plus
// ok=false if id is empty, unknown, or not found.
func (idx *Index) Find(id string) (IndexEntry, bool) {
	for _, e := range idx.Templates {
		if e.ID == id {
			return e, true
		}
	}
	return idx.Templates[0], false
}

// ResolvePath resolves entry.Path relative to the index file's directory.
func ResolvePath(indexPath string, entry IndexEntry) string {
	if filepath.IsAbs(entry.Path) {
		return entry.Path
	}
	return filepath.Join(filepath.Dir(indexPath), entry.Path)
}
