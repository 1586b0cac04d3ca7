package task

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// fileDoc is the on-disk shape of the task list.
type fileDoc struct {
	Tasks []*Record `yaml:"tasks"`
}

// Store owns the task list file. All mutations load the file, change it in
// memory, and write it back atomically via a temp file rename. A process
// local mutex serializes mutations; cross-process safety relies on the
// rename being atomic on the same filesystem.
type Store struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewStore binds a store to a task list path. The file is created lazily on
// first write.
func NewStore(path string) *Store {
	return &Store{path: path, now: time.Now}
}

// Path returns the task list location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) load() (*fileDoc, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &fileDoc{}, nil
		}
		return nil, fmt.Errorf("reading task list: %w", err)
	}
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing task list %s: %w", s.path, err)
	}
	return &doc, nil
}

func (s *Store) save(doc *fileDoc) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding task list: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating task list directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tasks-*.yaml")
	if err != nil {
		return fmt.Errorf("creating temp task list: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp task list: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp task list: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing task list: %w", err)
	}
	return nil
}

// mutate runs fn against the loaded document and persists the result.
func (s *Store) mutate(fn func(doc *fileDoc) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.save(doc)
}

func findTask(doc *fileDoc, name string) *Record {
	for _, t := range doc.Tasks {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// AddTask appends a new pending task. Names are unique within the list.
func (s *Store) AddTask(name, content, pieceRef string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	return s.mutate(func(doc *fileDoc) error {
		if findTask(doc, name) != nil {
			return fmt.Errorf("task %q already exists", name)
		}
		doc.Tasks = append(doc.Tasks, &Record{
			Name:      name,
			Content:   content,
			Piece:     pieceRef,
			Status:    StatusPending,
			CreatedAt: s.now().UTC(),
		})
		return nil
	})
}

// Get returns a copy of the named task.
func (s *Store) Get(name string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	t := findTask(doc, name)
	if t == nil {
		return nil, fmt.Errorf("task %q not found", name)
	}
	copied := *t
	return &copied, nil
}

// List returns a snapshot of all tasks in file order.
func (s *Store) List() ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]*Record, len(doc.Tasks))
	copy(out, doc.Tasks)
	return out, nil
}

// ClaimNextTasks atomically marks up to n pending tasks as running, FIFO by
// file order, and returns them. Two claimers never receive the same task.
func (s *Store) ClaimNextTasks(n int) ([]*Record, error) {
	var claimed []*Record
	err := s.mutate(func(doc *fileDoc) error {
		now := s.now().UTC()
		for _, t := range doc.Tasks {
			if len(claimed) >= n {
				break
			}
			if t.Status != StatusPending {
				continue
			}
			t.Status = StatusRunning
			started := now
			t.StartedAt = &started
			claimed = append(claimed, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteTask marks a running task completed, recording the final response
// excerpt.
func (s *Store) CompleteTask(name, response string) error {
	return s.mutate(func(doc *fileDoc) error {
		t := findTask(doc, name)
		if t == nil {
			return fmt.Errorf("task %q not found", name)
		}
		t.Status = StatusCompleted
		completed := s.now().UTC()
		t.CompletedAt = &completed
		t.Failure = nil
		t.Response = response
		return nil
	})
}

// FailTask marks a running task failed with its failure context.
func (s *Store) FailTask(name string, failure *Failure) error {
	return s.mutate(func(doc *fileDoc) error {
		t := findTask(doc, name)
		if t == nil {
			return fmt.Errorf("task %q not found", name)
		}
		t.Status = StatusFailed
		t.Failure = failure
		return nil
	})
}

// requeue resets a record for another run. An existing retry note is kept
// and the new one concatenated after a blank line.
func requeue(t *Record, fromStatuses []string, startMovement, retryNote string) error {
	allowed := false
	for _, st := range fromStatuses {
		if t.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("task %q is %s, expected one of %v", t.Name, t.Status, fromStatuses)
	}
	if retryNote != "" {
		if t.RetryNote != "" {
			t.RetryNote = t.RetryNote + "\n\n" + retryNote
		} else {
			t.RetryNote = retryNote
		}
	}
	t.StartMovement = startMovement
	t.StartedAt = nil
	t.CompletedAt = nil
	t.Failure = nil
	t.Response = ""
	return nil
}

// RequeueTask returns a task to pending, provided its current status is one
// of fromStatuses.
func (s *Store) RequeueTask(name string, fromStatuses []string, startMovement, retryNote string) error {
	return s.mutate(func(doc *fileDoc) error {
		t := findTask(doc, name)
		if t == nil {
			return fmt.Errorf("task %q not found", name)
		}
		if err := requeue(t, fromStatuses, startMovement, retryNote); err != nil {
			return err
		}
		t.Status = StatusPending
		return nil
	})
}

// StartReExecution is RequeueTask except the task flips straight to running
// and the updated record is returned, for callers that execute it
// immediately instead of leaving it to the pool.
func (s *Store) StartReExecution(name string, fromStatuses []string, startMovement, retryNote string) (*Record, error) {
	var out Record
	err := s.mutate(func(doc *fileDoc) error {
		t := findTask(doc, name)
		if t == nil {
			return fmt.Errorf("task %q not found", name)
		}
		if err := requeue(t, fromStatuses, startMovement, retryNote); err != nil {
			return err
		}
		t.Status = StatusRunning
		started := s.now().UTC()
		t.StartedAt = &started
		out = *t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RecoverInterruptedRunningTasks flips tasks left running by a crashed or
// killed process back to pending. Called once at runner startup, before any
// claims.
func (s *Store) RecoverInterruptedRunningTasks() (int, error) {
	recovered := 0
	err := s.mutate(func(doc *fileDoc) error {
		for _, t := range doc.Tasks {
			if t.Status == StatusRunning {
				t.Status = StatusPending
				t.StartedAt = nil
				recovered++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return recovered, nil
}

// ClearFinished removes completed and failed tasks, returning how many were
// dropped.
func (s *Store) ClearFinished() (int, error) {
	removed := 0
	err := s.mutate(func(doc *fileDoc) error {
		kept := doc.Tasks[:0]
		for _, t := range doc.Tasks {
			if t.Status == StatusCompleted || t.Status == StatusFailed {
				removed++
				continue
			}
			kept = append(kept, t)
		}
		doc.Tasks = kept
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
