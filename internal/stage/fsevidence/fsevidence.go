// Package fsevidence implements stage.EvidenceSource over a directory tree of
// the form <root>/<site>/<stage>/<artifact>.
package fsevidence

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"sitepipe/internal/stage"
)

// Source counts finished artifacts on the local filesystem. Hidden files and
// files with an in-progress suffix are ignored so half-written output never
// counts as evidence.
type Source struct {
	root string
}

var partialSuffixes = []string{".tmp", ".part", ".partial"}

// New returns a Source rooted at root.
func New(root string) *Source {
	return &Source{root: root}
}

// Root returns the artifact root directory.
func (s *Source) Root() string { return s.root }

// Dir returns the artifact directory for one site and stage.
func (s *Source) Dir(siteID string, st stage.Stage) (string, error) {
	return Dir(s.root, siteID, st)
}

// Dir returns <root>/<siteID>/<stage>, rejecting identifiers that would escape
// root.
func Dir(root, siteID string, st stage.Stage) (string, error) {
	if err := checkSegment(siteID); err != nil {
		return "", fmt.Errorf("site id: %w", err)
	}
	if err := checkSegment(string(st)); err != nil {
		return "", fmt.Errorf("stage: %w", err)
	}
	return filepath.Join(root, siteID, string(st)), nil
}

// Artifacts lists the finished artifact names in the stage directory, sorted.
// A missing directory means no evidence yet.
func (s *Source) Artifacts(ctx context.Context, siteID string, st stage.Stage) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.Dir(siteID, st)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, stage.Wrap(stage.ErrEvidence, st, "list artifacts", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") || isPartial(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func isPartial(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range partialSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

func checkSegment(value string) error {
	switch {
	case strings.TrimSpace(value) == "":
		return errors.New("empty path segment")
	case value == "." || value == "..":
		return fmt.Errorf("invalid path segment %q", value)
	case strings.ContainsAny(value, `/\`):
		return fmt.Errorf("path separator in %q", value)
	}
	return nil
}
