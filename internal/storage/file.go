package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"alarmd/internal/reminder"
	logx "alarmd/pkg/logx"
)

const defaultCompactEvery = 1000

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot of every row)
//   - <prefix>.journal.jsonl (append-only journal of row upserts)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	t            *table
	snapshotPath string
	journalFile  *os.File

	writes       int
	compactEvery int
}

type journalRecord struct {
	NextID reminder.ID       `json:"next_id"`
	Row    reminder.Schedule `json:"row"`
}

type snapshot struct {
	NextID reminder.ID         `json:"next_id"`
	Rows   []reminder.Schedule `json:"rows"`
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

	t := newTable()
	if err := loadSnapshot(snapPath, t); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, t, log); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	every := cfg.CompactEvery
	if every <= 0 {
		every = defaultCompactEvery
	}
	return &fileStore{
		log:          log,
		t:            t,
		snapshotPath: snapPath,
		journalFile:  jf,
		compactEvery: every,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journalFile.Close(); err == nil {
		err = cerr
	}
	s.journalFile = nil
	return err
}

func (s *fileStore) SaveSchedule(ctx context.Context, sc reminder.Schedule) (reminder.ID, error) {
	return s.write(func() (reminder.Schedule, bool, error) { return s.t.prepareSave(sc) })
}

func (s *fileStore) InsertNextOccurrence(ctx context.Context, sc reminder.Schedule) (reminder.ID, error) {
	return s.write(func() (reminder.Schedule, bool, error) { return s.t.prepareNext(sc) })
}

func (s *fileStore) GetSchedule(ctx context.Context, id reminder.ID) (reminder.Schedule, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return reminder.Schedule{}, false, ErrClosed
	}
	row, ok := s.t.get(id)
	return row, ok, nil
}

func (s *fileStore) MarkCompleted(ctx context.Context, id reminder.ID, reason reminder.Reason, at time.Time) error {
	_, err := s.write(func() (reminder.Schedule, bool, error) { return s.t.prepareCompleted(id, reason, at) })
	return err
}

func (s *fileStore) SoftDelete(ctx context.Context, id reminder.ID, at time.Time) error {
	_, err := s.write(func() (reminder.Schedule, bool, error) { return s.t.prepareSoftDelete(id, at) })
	return err
}

func (s *fileStore) UpdateSnoozeCount(ctx context.Context, id reminder.ID, n int, until time.Time) error {
	_, err := s.write(func() (reminder.Schedule, bool, error) { return s.t.prepareSnooze(id, n, until) })
	return err
}

func (s *fileStore) GetAllFutureSchedules(ctx context.Context, now time.Time) ([]reminder.Schedule, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, ErrClosed
	}
	return s.t.future(now), nil
}

// write journals the prepared row before it becomes visible, so a failed
// append leaves the table untouched.
func (s *fileStore) write(prepare func() (reminder.Schedule, bool, error)) (reminder.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return 0, ErrClosed
	}
	row, changed, err := prepare()
	if err != nil {
		return 0, err
	}
	if !changed {
		return row.ID, nil
	}

	next := s.t.nextID
	if row.ID >= next {
		next = row.ID + 1
	}
	if err := json.NewEncoder(s.journalFile).Encode(journalRecord{NextID: next, Row: row}); err != nil {
		return 0, err
	}
	s.t.put(row)

	s.writes++
	if s.writes%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return row.ID, nil
}

func (s *fileStore) compactLocked() error {
	rows := make([]reminder.Schedule, 0, len(s.t.rows))
	for _, r := range s.t.rows {
		rows = append(rows, r)
	}
	sortByFireAt(rows)

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snapshot{NextID: s.t.nextID, Rows: rows}); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, t *table) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, r := range snap.Rows {
		t.put(r)
	}
	if snap.NextID > t.nextID {
		t.nextID = snap.NextID
	}
	return nil
}

func replayJournal(path string, t *table, log logx.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn tail write is expected after a crash.
			log.Warn("skipping unreadable journal line", logx.Int("line", line), logx.Err(err))
			continue
		}
		if r.Row.ID == 0 {
			continue
		}
		t.put(r.Row)
		if r.NextID > t.nextID {
			t.nextID = r.NextID
		}
	}
	return sc.Err()
}
