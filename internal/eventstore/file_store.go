package eventstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/khjohns/unified-timeline-sub000/internal/errors"
	"github.com/khjohns/unified-timeline-sub000/internal/event"
)

// caseIDPattern bounds what can become a file name.
var caseIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// FileStore keeps one JSON file per case under a base directory. Writes are
// staged to a temporary file in the same directory and promoted with an
// atomic rename, so a reader never observes a partially written history.
// Concurrency control is a per-case mutex around the read-compare-append
// sequence; writes to different cases never contend.
type FileStore struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates the base directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "create event directory")
	}
	return &FileStore{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

func (s *FileStore) caseLock(caseID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[caseID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[caseID] = l
	}
	return l
}

func (s *FileStore) path(caseID string) (string, error) {
	if !caseIDPattern.MatchString(caseID) {
		return "", errors.InvalidInput("case_id", "case id contains characters not allowed in storage keys")
	}
	return filepath.Join(s.dir, caseID+".json"), nil
}

// Append persists one event iff the case version matches expectedVersion.
func (s *FileStore) Append(ctx context.Context, e event.Event, expectedVersion int) (int, error) {
	return s.AppendBatch(ctx, []event.Event{e}, expectedVersion)
}

// AppendBatch persists events all-or-nothing. Either every event lands and
// the version advances by the batch size, or the file is untouched.
func (s *FileStore) AppendBatch(ctx context.Context, events []event.Event, expectedVersion int) (int, error) {
	if len(events) == 0 {
		return 0, errors.New(errors.ErrCodeValidation, "batch must contain at least one event")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	caseID := events[0].CaseID
	for _, e := range events {
		if e.CaseID != caseID {
			return 0, errors.New(errors.ErrCodeValidation, "batch events must belong to a single case")
		}
	}
	path, err := s.path(caseID)
	if err != nil {
		return 0, err
	}

	lock := s.caseLock(caseID)
	lock.Lock()
	defer lock.Unlock()

	history, err := s.read(path)
	if err != nil {
		return 0, err
	}
	if len(history) != expectedVersion {
		return 0, errors.Concurrency(expectedVersion, len(history))
	}

	history = append(history, events...)
	if err := s.write(path, history); err != nil {
		return 0, err
	}
	return len(history), nil
}

// GetEvents returns the ordered history and version; a case with no file is
// an empty history at version 0.
func (s *FileStore) GetEvents(ctx context.Context, caseID string) ([]event.Event, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	path, err := s.path(caseID)
	if err != nil {
		return nil, 0, err
	}
	history, err := s.read(path)
	if err != nil {
		return nil, 0, err
	}
	return history, len(history), nil
}

// ListCaseIDs enumerates cases from the directory listing.
func (s *FileStore) ListCaseIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "read event directory")
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

func (s *FileStore) read(path string) ([]event.Event, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "read case history")
	}
	var history []event.Event
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "decode case history")
	}
	return history, nil
}

// write stages to a temp file in the same directory and renames over the
// target, which is atomic on POSIX filesystems.
func (s *FileStore) write(path string, history []event.Event) error {
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "encode case history")
	}

	tmp, err := os.CreateTemp(s.dir, ".staging-*")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "stage case history")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, errors.ErrCodeInternal, "write staged history")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, errors.ErrCodeInternal, "sync staged history")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "close staged history")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "promote staged history")
	}
	return nil
}
