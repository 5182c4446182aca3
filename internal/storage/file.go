package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"experimentd/internal/experiment"
	logx "experimentd/pkg/logx"
)

// fileStore is the memory backend made durable with plain files.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal of changes since the snapshot)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	*memStore

	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
	compactDue   bool
}

type fileSnapshot struct {
	Experiments []*experiment.Experiment `json:"experiments"`
	Runs        []*runRecord             `json:"runs"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	mem := newMemStore(cfg, log)
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	replayed, err := replayJournal(journalPath, mem)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{
		memStore:     mem,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: 1000,
	}
	mem.onChange = s.append
	if replayed > 0 {
		log.Info("storage journal replayed", logx.Int("records", replayed), logx.String("path", journalPath))
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	s.onChange = func(change) error { return ErrDisabled }
	return err
}

// append journals c; memStore calls it with mu held, right before applying c.
// Compaction runs on the following call, once every journaled change is applied.
func (s *fileStore) append(c change) error {
	if s.journal == nil {
		return errors.New("journal closed")
	}
	if s.compactDue {
		s.compactDue = false
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Any("err", err))
		}
	}
	if err := json.NewEncoder(s.journal).Encode(c); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		s.compactDue = true
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	snap := fileSnapshot{}
	for _, e := range s.exps {
		snap.Experiments = append(snap.Experiments, e)
	}
	for _, r := range s.runs {
		snap.Runs = append(snap.Runs, r)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, mem *memStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, e := range snap.Experiments {
		mem.exps[e.ID] = e
	}
	for _, r := range snap.Runs {
		mem.installRun(r)
	}
	mem.sortRuns()
	return nil
}

func replayJournal(path string, mem *memStore) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	n := 0
	for sc.Scan() {
		var c change
		if err := json.Unmarshal(sc.Bytes(), &c); err != nil {
			// torn tail write
			continue
		}
		mem.replay(c)
		n++
	}
	mem.sortRuns()
	return n, sc.Err()
}
