package cron

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const (
	jobsFileName = "jobs.json"
	runLogDir    = "runs"
)

// Store persists the job set as a single JSON document and per-job run
// histories as append-only JSON-lines files. Job writes go through a
// temp file and rename so a crash never leaves a half-written set.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates the directory layout if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("cron directory is required")
	}
	if err := os.MkdirAll(filepath.Join(dir, runLogDir), 0o755); err != nil {
		return nil, fmt.Errorf("create cron directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// jobsDocument is the on-disk shape, versioned for future migrations.
type jobsDocument struct {
	Version int    `json:"version"`
	Jobs    []*Job `json:"jobs"`
}

// LoadJobs reads the persisted job set. A missing file is an empty set.
func (s *Store) LoadJobs() ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, jobsFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cron jobs: %w", err)
	}
	var doc jobsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode cron jobs: %w", err)
	}
	return doc.Jobs, nil
}

// SaveJobs writes the full job set atomically, sorted by id for stable
// diffs.
func (s *Store) SaveJobs(jobs []*Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := make([]*Job, len(jobs))
	copy(sorted, jobs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	data, err := json.MarshalIndent(jobsDocument{Version: 1, Jobs: sorted}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cron jobs: %w", err)
	}

	path := filepath.Join(s.dir, jobsFileName)
	tmp, err := os.CreateTemp(s.dir, ".jobs-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp jobs file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp jobs file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp jobs file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace jobs file: %w", err)
	}
	return nil
}

// AppendRun appends one record to the job's run log.
func (s *Store) AppendRun(rec RunRecord) error {
	if rec.JobID == "" {
		return errors.New("run record missing job id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode run record: %w", err)
	}
	f, err := os.OpenFile(s.runLogPath(rec.JobID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open run log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append run record: %w", err)
	}
	return nil
}

// ReadRuns returns up to limit most recent run records for a job,
// newest last. Malformed lines are skipped.
func (s *Store) ReadRuns(jobID string, limit int) ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.runLogPath(jobID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open run log: %w", err)
	}
	defer f.Close()

	var records []RunRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec RunRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan run log: %w", err)
	}
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

// RemoveRunLog deletes a job's run history, used when a job is removed.
func (s *Store) RemoveRunLog(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.runLogPath(jobID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) runLogPath(jobID string) string {
	return filepath.Join(s.dir, runLogDir, sanitizeID(jobID)+".jsonl")
}

// sanitizeID keeps run log filenames safe for arbitrary job ids.
func sanitizeID(id string) string {
	out := make([]rune, 0, len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
