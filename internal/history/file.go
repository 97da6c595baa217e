package history

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"shopkeeper/pkg/logx"
)

// fileStore keeps history in plain files next to the configured path,
// for hosts where even an embedded database is unwanted:
//
//	<stem>.runs.jsonl          one JSON line per run, last line per id wins
//	<stem>.state.snapshot.json schedule state snapshot
//	<stem>.state.journal.jsonl schedule state appends since the snapshot
//
// The state journal folds into the snapshot every few hundred writes.
// The runs journal is rewritten whenever Prune drops records.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	runsPath string
	runsFile *os.File
	runs     map[string]Record

	stateSnapshotPath string
	stateJournalFile  *os.File
	states            map[string]ScheduleState

	stateWrites int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("history path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	stem := strings.TrimSuffix(path, filepath.Ext(path))
	journalPath := stem + ".state.journal.jsonl"

	s := &fileStore{
		log:               log,
		runsPath:          stem + ".runs.jsonl",
		runs:              map[string]Record{},
		stateSnapshotPath: stem + ".state.snapshot.json",
		states:            map[string]ScheduleState{},
	}
	_ = replayRunsJournal(s.runsPath, s.runs)
	_ = loadStateSnapshot(s.stateSnapshotPath, s.states)
	_ = replayStateJournal(journalPath, s.states)

	var err error
	if s.runsFile, err = os.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
		return nil, err
	}
	if s.stateJournalFile, err = os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600); err != nil {
		_ = s.runsFile.Close()
		return nil, err
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.runsFile != nil {
		errs = append(errs, s.runsFile.Close())
		s.runsFile = nil
	}
	if s.stateJournalFile != nil {
		errs = append(errs, s.stateJournalFile.Close())
		s.stateJournalFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) Append(_ context.Context, r Record) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeRunLocked(r)
}

func (s *fileStore) Finish(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.runs[r.ID]
	if !ok || !prev.FinishedAt.IsZero() {
		return nil
	}
	prev.FinishedAt = r.FinishedAt
	prev.Outcome = r.Outcome
	prev.Error = r.Error
	if len(r.Meta) > 0 {
		prev.Meta = r.Meta
	}
	return s.writeRunLocked(prev)
}

func (s *fileStore) writeRunLocked(r Record) error {
	if s.runsFile == nil {
		return errors.New("runs journal closed")
	}
	if err := json.NewEncoder(s.runsFile).Encode(r); err != nil {
		return err
	}
	s.runs[r.ID] = r
	return nil
}

func (s *fileStore) Query(_ context.Context, q Query) ([]Record, error) {
	s.mu.Lock()
	out := make([]Record, 0, len(s.runs))
	for _, r := range s.runs {
		if q.JobID != "" && r.JobID != q.JobID {
			continue
		}
		if !q.Since.IsZero() && r.StartedAt.Before(q.Since) {
			continue
		}
		if q.Outcome != "" && r.Outcome != q.Outcome {
			continue
		}
		out = append(out, r)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].Attempt > out[j].Attempt
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *fileStore) SaveState(_ context.Context, st ScheduleState) error {
	if st.JobID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stateJournalFile == nil {
		return errors.New("state journal closed")
	}
	s.states[st.JobID] = st

	if err := json.NewEncoder(s.stateJournalFile).Encode(st); err != nil {
		return err
	}
	s.stateWrites++
	if s.stateWrites%256 == 0 {
		if err := s.compactStateLocked(); err != nil {
			s.log.Debug("state compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) LoadStates(_ context.Context) (map[string]ScheduleState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ScheduleState, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out, nil
}

func (s *fileStore) CloseInterrupted(_ context.Context, at time.Time, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.runs {
		if !r.FinishedAt.IsZero() {
			continue
		}
		r.FinishedAt = at
		r.Outcome = OutcomeFailed
		r.Error = reason
		if err := s.writeRunLocked(r); err != nil {
			return n, err
		}
		s.runs[id] = r
		n++
	}
	return n, nil
}

func (s *fileStore) Prune(_ context.Context, cutoff time.Time, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ordered := make([]Record, 0, len(s.runs))
	for _, r := range s.runs {
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].StartedAt.After(ordered[j].StartedAt)
	})

	removed := 0
	for i, r := range ordered {
		if r.FinishedAt.IsZero() {
			continue
		}
		old := !cutoff.IsZero() && r.StartedAt.Before(cutoff)
		over := keep > 0 && i >= keep
		if old || over {
			delete(s.runs, r.ID)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.compactRunsLocked()
}

// compactRunsLocked rewrites the runs journal to just the retained records.
func (s *fileStore) compactRunsLocked() error {
	tmp := s.runsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range s.runs {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	// Close the live handle before the rename lands.
	if s.runsFile != nil {
		_ = s.runsFile.Close()
		s.runsFile = nil
	}
	if err := os.Rename(tmp, s.runsPath); err != nil {
		return err
	}
	s.runsFile, err = os.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	return err
}

func (s *fileStore) compactStateLocked() error {
	if err := snapshotTo(s.stateSnapshotPath, s.states); err != nil {
		return err
	}
	if err := s.stateJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err := s.stateJournalFile.Seek(0, io.SeekEnd)
	return err
}

// snapshotTo writes one JSON document through a temp file and renames
// it into place.
func snapshotTo(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func replayRunsJournal(path string, out map[string]Record) error {
	return eachLine(path, func(line []byte) {
		var r Record
		if json.Unmarshal(line, &r) == nil && r.ID != "" {
			out[r.ID] = r
		}
	})
}

func replayStateJournal(path string, out map[string]ScheduleState) error {
	return eachLine(path, func(line []byte) {
		var st ScheduleState
		if json.Unmarshal(line, &st) == nil && st.JobID != "" {
			out[st.JobID] = st
		}
	})
}

func loadStateSnapshot(path string, out map[string]ScheduleState) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var m map[string]ScheduleState
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func eachLine(path string, fn func(line []byte)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		fn(sc.Bytes())
	}
	return sc.Err()
}
