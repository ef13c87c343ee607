package taskstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
)

const sharesFile = "tags.json"

// Shares maps a tag to the participants it is shared with.
type Shares map[string][]string

// Tags returns the shared tags, sorted.
func (s Shares) Tags() []string {
	tags := make([]string, 0, len(s))
	for tag := range s {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	return tags
}

// LoadShares reads tags.json. A missing file yields empty share lists.
func (s *Store) LoadShares() (Shares, error) {
	s.sharesMu.Lock()
	defer s.sharesMu.Unlock()
	return s.loadSharesLocked()
}

func (s *Store) loadSharesLocked() (Shares, error) {
	data, err := os.ReadFile(filepath.Join(s.root, sharesFile))
	if errors.Is(err, fs.ErrNotExist) {
		return Shares{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read share lists: %w", err)
	}

	shares := Shares{}
	if err := json.Unmarshal(data, &shares); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", sharesFile, err)
	}
	return shares, nil
}

// SetShare replaces the share list of tag. An empty list stops sharing the
// tag. Participants are deduplicated and sorted.
func (s *Store) SetShare(tag string, participants []string) (Shares, error) {
	if tag == "" {
		return nil, fmt.Errorf("tag cannot be empty")
	}

	s.sharesMu.Lock()
	defer s.sharesMu.Unlock()

	shares, err := s.loadSharesLocked()
	if err != nil {
		return nil, err
	}

	list := slices.Clone(participants)
	slices.Sort(list)
	list = slices.Compact(list)
	list = slices.DeleteFunc(list, func(p string) bool { return p == "" })

	if len(list) == 0 {
		delete(shares, tag)
	} else {
		shares[tag] = list
	}

	data, err := json.MarshalIndent(shares, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal share lists: %w", err)
	}

	path := filepath.Join(s.root, sharesFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write share lists: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("failed to write share lists: %w", err)
	}
	return shares, nil
}
