// Package resolver maps batch identifiers to folders under the documents root.
package resolver

import (
	"fmt"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Match describes how a folder was selected.
type Match string

const (
	MatchNone      Match = "none"
	MatchExact     Match = "exact"
	MatchSubstring Match = "substring"
)

// Resolution is the outcome of a lookup. Path is empty unless Found.
type Resolution struct {
	Path  string
	Found bool
	Match Match
	// Candidates lists every folder that matched the rule that won.
	Candidates []string
}

// Resolver looks up batch folders directly under Root.
type Resolver struct {
	fs   afero.Fs
	root string
}

// New returns a Resolver over root on fs.
func New(fs afero.Fs, root string) *Resolver {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Resolver{fs: fs, root: root}
}

// Root returns the documents root.
func (r *Resolver) Root() string {
	return r.root
}

// Resolve finds the folder for batchID. A folder whose name equals the ID,
// ignoring case, wins; otherwise the first folder, in name order, whose name
// contains the ID is used. Only immediate subdirectories are considered.
//
// A missing folder is reported through Resolution.Found. The error is non-nil
// only when the root itself cannot be listed.
func (r *Resolver) Resolve(batchID string) (Resolution, error) {
	key := strings.ToLower(strings.TrimSpace(batchID))
	if key == "" {
		return Resolution{Match: MatchNone}, nil
	}

	entries, err := afero.ReadDir(r.fs, r.root)
	if err != nil {
		return Resolution{Match: MatchNone}, fmt.Errorf("list documents root %s: %w", r.root, err)
	}

	var exact, partial []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := strings.ToLower(e.Name())
		switch {
		case name == key:
			exact = append(exact, e.Name())
		case strings.Contains(name, key):
			partial = append(partial, e.Name())
		}
	}

	logger := log.WithField("batch", batchID)
	switch {
	case len(exact) > 0:
		return r.found(exact, MatchExact), nil
	case len(partial) > 0:
		if len(partial) > 1 {
			logger.Warnf("Multiple folders contain batch ID, using %s: %v", partial[0], partial)
		}
		res := r.found(partial, MatchSubstring)
		logger.Infof("Found partial match folder: %s", res.Path)
		return res, nil
	default:
		logger.Warnf("No folder found for batch under %s", r.root)
		return Resolution{Match: MatchNone}, nil
	}
}

func (r *Resolver) found(names []string, m Match) Resolution {
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(r.root, n)
	}
	return Resolution{Path: paths[0], Found: true, Match: m, Candidates: paths}
}
