// Package memory is the local agent's long-term store: append-only
// conversation threads, mental models mutated through deltas, and the
// research cache the pipeline reads and writes.
//
// Layout under the memory root:
//
//	index.json                    thread index
//	threads/<id>.json             hot threads
//	threads/archive/<id>.json     archived threads, keyword-searchable
//	models/<id>.json              mental models
//	research-cache/index.json     research index
//	research-cache/<file>.md      research documents
package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dotbot-ai/dotbot/pkg/models"
)

// Store is the file-backed memory store. One Store owns one directory.
type Store struct {
	root string
	now  func() time.Time

	mu sync.Mutex
}

// Open creates the layout under root if needed and returns the store.
func Open(root string) (*Store, error) {
	for _, dir := range []string{
		root,
		filepath.Join(root, "threads"),
		filepath.Join(root, "threads", "archive"),
		filepath.Join(root, "models"),
		filepath.Join(root, "research-cache"),
	} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("memory: create %s: %w", dir, err)
		}
	}
	return &Store{root: root, now: time.Now}, nil
}

// WithNow overrides the clock for tests.
func (s *Store) WithNow(now func() time.Time) *Store {
	s.now = now
	return s
}

type threadIndex struct {
	Threads []models.ThreadInfo `json:"threads"`
}

func (s *Store) indexPath() string { return filepath.Join(s.root, "index.json") }

func (s *Store) threadPath(id string, archived bool) string {
	if archived {
		return filepath.Join(s.root, "threads", "archive", id+".json")
	}
	return filepath.Join(s.root, "threads", id+".json")
}

func (s *Store) loadIndexLocked() (*threadIndex, error) {
	idx := &threadIndex{}
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, fmt.Errorf("memory: read index: %w", err)
	}
	if err := json.Unmarshal(data, idx); err != nil {
		// A torn index is rebuilt lazily rather than failing the agent.
		return &threadIndex{}, nil
	}
	return idx, nil
}

func (s *Store) saveIndexLocked(idx *threadIndex) error {
	sort.Slice(idx.Threads, func(i, j int) bool {
		return idx.Threads[i].LastActive.After(idx.Threads[j].LastActive)
	})
	return writeFileAtomic(s.indexPath(), idx)
}

// CreateThread starts a new hot thread and returns its info.
func (s *Store) CreateThread(topic string) (models.ThreadInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := models.ThreadInfo{
		ThreadID:   uuid.NewString(),
		Topic:      topic,
		LastActive: s.now().UTC(),
	}
	idx, err := s.loadIndexLocked()
	if err != nil {
		return models.ThreadInfo{}, err
	}
	idx.Threads = append(idx.Threads, info)
	if err := s.saveIndexLocked(idx); err != nil {
		return models.ThreadInfo{}, err
	}
	if err := writeFileAtomic(s.threadPath(info.ThreadID, false), []models.ThreadMessage{}); err != nil {
		return models.ThreadInfo{}, err
	}
	return info, nil
}

// Append adds one message to a thread. Threads are append-only; there is no
// edit or delete path.
func (s *Store) Append(threadID string, msg models.ThreadMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, archived, err := s.readThreadLocked(threadID)
	if err != nil {
		return err
	}
	if archived {
		return fmt.Errorf("memory: thread %s is archived", threadID)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}
	msgs = append(msgs, msg)
	if err := writeFileAtomic(s.threadPath(threadID, false), msgs); err != nil {
		return err
	}

	idx, err := s.loadIndexLocked()
	if err != nil {
		return err
	}
	for i := range idx.Threads {
		if idx.Threads[i].ThreadID == threadID {
			idx.Threads[i].LastActive = s.now().UTC()
		}
	}
	return s.saveIndexLocked(idx)
}

// Messages returns a thread's messages, hot or archived.
func (s *Store) Messages(threadID string) ([]models.ThreadMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, _, err := s.readThreadLocked(threadID)
	return msgs, err
}

func (s *Store) readThreadLocked(threadID string) ([]models.ThreadMessage, bool, error) {
	for _, archived := range []bool{false, true} {
		data, err := os.ReadFile(s.threadPath(threadID, archived))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, false, fmt.Errorf("memory: read thread: %w", err)
		}
		var msgs []models.ThreadMessage
		if err := json.Unmarshal(data, &msgs); err != nil {
			return nil, false, fmt.Errorf("memory: thread %s corrupt: %w", threadID, err)
		}
		return msgs, archived, nil
	}
	return nil, false, fmt.Errorf("memory: thread %s not found", threadID)
}

// Recent returns up to limit hot-thread infos, most recently active first.
func (s *Store) Recent(limit int) ([]models.ThreadInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.loadIndexLocked()
	if err != nil {
		return nil, err
	}
	var out []models.ThreadInfo
	for _, t := range idx.Threads {
		if t.Archived {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Archive moves a thread out of the hot set. Archived threads stay
// keyword-searchable.
func (s *Store) Archive(threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.threadPath(threadID, false)
	dst := s.threadPath(threadID, true)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("memory: archive %s: %w", threadID, err)
	}
	idx, err := s.loadIndexLocked()
	if err != nil {
		return err
	}
	for i := range idx.Threads {
		if idx.Threads[i].ThreadID == threadID {
			idx.Threads[i].Archived = true
		}
	}
	return s.saveIndexLocked(idx)
}

// SearchArchive scans archived threads for a keyword, case-insensitive,
// and returns matching thread infos.
func (s *Store) SearchArchive(keyword string) ([]models.ThreadInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadIndexLocked()
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(keyword)
	var out []models.ThreadInfo
	for _, info := range idx.Threads {
		if !info.Archived {
			continue
		}
		if strings.Contains(strings.ToLower(info.Topic), needle) {
			out = append(out, info)
			continue
		}
		data, err := os.ReadFile(s.threadPath(info.ThreadID, true))
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(string(data)), needle) {
			out = append(out, info)
		}
	}
	return out, nil
}

// writeFileAtomic marshals v and replaces path in one rename.
func writeFileAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("memory: encode %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".mem-*")
	if err != nil {
		return fmt.Errorf("memory: temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
