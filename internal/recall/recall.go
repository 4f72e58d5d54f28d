// Package recall answers queries by delegating to the index backend and
// wrapping the result, resolving each match's projection back to its raw
// archive through the ledger. No match is not a failure.
package recall

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/stellarlinkco/moond/internal/clock"
	"github.com/stellarlinkco/moond/internal/index"
	"github.com/stellarlinkco/moond/internal/ledger"
)

// Match is one ranked result.
type Match struct {
	ArchivePath string            `json:"archive_path"`
	Snippet     string            `json:"snippet"`
	Score       float64           `json:"score"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Result wraps one query's ranked matches.
type Result struct {
	Query                string  `json:"query"`
	Matches              []Match `json:"matches"`
	GeneratedAtEpochSecs int64   `json:"generated_at_epoch_secs"`
}

type Recaller struct {
	Backend index.Backend
	Ledger  *ledger.Store
	Now     func() int64
}

func New(backend index.Backend, led *ledger.Store) *Recaller {
	return &Recaller{Backend: backend, Ledger: led, Now: clock.NowEpoch}
}

// Query runs a search against the collection. Empty results come back as
// matches=[] with no error.
func (r *Recaller) Query(ctx context.Context, collection, query string) (*Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	raw, err := r.Backend.Search(ctx, collection, query)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}

	idx, err := r.Ledger.Index()
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	result := &Result{Query: query, Matches: []Match{}, GeneratedAtEpochSecs: r.Now()}
	root := gjson.Parse(raw)
	rows := root.Get("results")
	if !rows.Exists() {
		rows = root.Get("matches")
	}
	if !rows.Exists() && root.IsArray() {
		rows = root
	}
	for _, row := range rows.Array() {
		path := row.Get("path").String()
		if path == "" {
			path = row.Get("file").String()
		}
		m := Match{
			Snippet: row.Get("snippet").String(),
			Score:   row.Get("score").Float(),
			Metadata: map[string]string{
				"projection_path": path,
			},
		}
		if m.Snippet == "" {
			m.Snippet = row.Get("text").String()
		}
		if rec, ok := idx.FindByProjectionBasename(filepath.Base(path)); ok {
			m.ArchivePath = rec.ArchivePath
			m.Metadata["session_id"] = rec.SessionID
			m.Metadata["collection"] = rec.IndexedCollection
		} else {
			m.ArchivePath = path
		}
		result.Matches = append(result.Matches, m)
	}
	return result, nil
}
