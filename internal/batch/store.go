// Package batch persists crawled records as numbered JSON batch files and
// keeps the resume ledger that makes crawl runs restartable. All writes go
// through a temp-file-then-rename step so readers never observe a partial
// file.
package batch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/caseforge/casekb/internal/casekb"
)

const (
	filePattern = "cases_batch_%04d.json"
	fileGlob    = "cases_batch_*.json"
)

// Filename returns the canonical name for a batch number. The zero-padded
// suffix keeps lexicographic order equal to write order.
func Filename(batchNum int) string {
	return fmt.Sprintf(filePattern, batchNum)
}

// envelope is the on-disk batch shape. Older producers wrote
// total/success/failed counters instead of batch_num/batch_size; the reader
// only relies on the cases key, which both shapes carry.
type envelope struct {
	BatchNum  int             `json:"batch_num"`
	BatchSize int             `json:"batch_size"`
	CreatedAt time.Time       `json:"created_at"`
	Cases     []casekb.Record `json:"cases"`
}

// Store writes and reads batch files under a single directory.
type Store struct {
	dir    string
	logger *zap.Logger
}

// NewStore opens a batch directory, creating it if absent.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create batch directory %s: %w", dir, err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Dir returns the directory the store writes into.
func (s *Store) Dir() string { return s.dir }

// Save writes one batch atomically and returns its filename. An existing
// file with the same number is replaced, which makes a re-run after a crash
// safe: the rename either installs the whole new file or leaves the old one.
func (s *Store) Save(batchNum int, records []casekb.Record) (string, error) {
	name := Filename(batchNum)
	env := envelope{
		BatchNum:  batchNum,
		BatchSize: len(records),
		CreatedAt: time.Now().UTC(),
		Cases:     records,
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode batch %d: %w", batchNum, err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, name), data); err != nil {
		return "", fmt.Errorf("write batch %d: %w", batchNum, err)
	}
	s.logger.Info("batch saved",
		zap.String("file", name),
		zap.Int("cases", len(records)))
	return name, nil
}

// Load reads one batch file by name.
func (s *Store) Load(name string) ([]casekb.Record, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("read batch %s: %w", name, err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode batch %s: %w", name, err)
	}
	return env.Cases, nil
}

// List returns the batch filenames present, sorted in write order.
func (s *Store) List() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, fileGlob))
	if err != nil {
		return nil, fmt.Errorf("list batches in %s: %w", s.dir, err)
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, filepath.Base(m))
	}
	sort.Strings(names)
	return names, nil
}

// NextBatchNumber returns one past the highest existing batch number, or 1
// for an empty directory. Resumed runs keep the sequence monotonic.
func (s *Store) NextBatchNumber() (int, error) {
	names, err := s.List()
	if err != nil {
		return 0, err
	}
	next := 1
	for _, name := range names {
		var n int
		if _, err := fmt.Sscanf(name, filePattern, &n); err == nil && n >= next {
			next = n + 1
		}
	}
	return next, nil
}

// SavedCaseIDs scans every batch file and returns the ids of records saved
// as cases. Crawl-failure entries are excluded so their ids remain eligible
// for a re-crawl.
func (s *Store) SavedCaseIDs() (map[int64]struct{}, error) {
	return s.caseIDs(false)
}

// AllCaseIDs returns every id present in any batch file, crawl failures
// included. A failure record still accounts for its id on disk.
func (s *Store) AllCaseIDs() (map[int64]struct{}, error) {
	return s.caseIDs(true)
}

func (s *Store) caseIDs(includeFailures bool) (map[int64]struct{}, error) {
	names, err := s.List()
	if err != nil {
		return nil, err
	}
	ids := make(map[int64]struct{})
	for _, name := range names {
		records, err := s.Load(name)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if !includeFailures && rec.Kind == casekb.KindCrawlFailure {
				continue
			}
			if id := rec.CaseID(); id > 0 {
				ids[id] = struct{}{}
			}
		}
	}
	return ids, nil
}

// writeFileAtomic writes data next to the target and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
