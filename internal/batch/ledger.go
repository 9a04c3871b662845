package batch

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"
)

// ledgerFile is the persisted resume-ledger shape.
type ledgerFile struct {
	CrawledIDs  []int64   `json:"crawled_ids"`
	TotalCount  int       `json:"total_count"`
	LastUpdated time.Time `json:"last_updated"`
}

// Ledger tracks which case ids a crawl run has already seen. It is the
// authority for skip-existing decisions; the batch files are the authority
// for what was actually saved. The in-memory set is the working copy and
// Save replaces the file atomically.
type Ledger struct {
	path   string
	ids    map[int64]struct{}
	logger *zap.Logger
}

// OpenLedger loads the ledger at path. A missing or unreadable file yields
// an empty ledger rather than an error: losing the ledger only costs
// re-crawling, never correctness.
func OpenLedger(path string, logger *zap.Logger) *Ledger {
	l := &Ledger{path: path, ids: make(map[int64]struct{}), logger: logger}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("resume ledger unreadable, starting empty",
				zap.String("path", path), zap.Error(err))
		}
		return l
	}
	var file ledgerFile
	if err := json.Unmarshal(data, &file); err != nil {
		logger.Warn("resume ledger corrupt, starting empty",
			zap.String("path", path), zap.Error(err))
		return l
	}
	for _, id := range file.CrawledIDs {
		l.ids[id] = struct{}{}
	}
	return l
}

// Has reports whether id is recorded as crawled.
func (l *Ledger) Has(id int64) bool {
	_, ok := l.ids[id]
	return ok
}

// Add records ids as crawled. The set union makes repeated adds harmless.
func (l *Ledger) Add(ids ...int64) {
	for _, id := range ids {
		l.ids[id] = struct{}{}
	}
}

// Remove drops ids from the ledger. Used when an id is recorded as crawled
// but absent from every saved batch, so it becomes eligible again.
func (l *Ledger) Remove(ids ...int64) {
	for _, id := range ids {
		delete(l.ids, id)
	}
}

// Len returns the number of recorded ids.
func (l *Ledger) Len() int { return len(l.ids) }

// IDs returns the recorded ids in ascending order.
func (l *Ledger) IDs() []int64 {
	out := make([]int64, 0, len(l.ids))
	for id := range l.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Save persists the current set with a temp-file-then-rename replace.
func (l *Ledger) Save() error {
	file := ledgerFile{
		CrawledIDs:  l.IDs(),
		TotalCount:  len(l.ids),
		LastUpdated: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode resume ledger: %w", err)
	}
	if err := writeFileAtomic(l.path, data); err != nil {
		return fmt.Errorf("write resume ledger: %w", err)
	}
	return nil
}
