// Package papers manages the on-disk paper cache: one directory per
// normalized topic holding a papers_info.json keyed by arXiv short id.
package papers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// InfoFile is the per-topic cache file name.
const InfoFile = "papers_info.json"

var (
	// ErrNoPapers means the cache directory does not exist yet.
	ErrNoPapers = errors.New("no papers directory")

	// ErrNotFound means no cached topic holds the requested paper.
	ErrNotFound = errors.New("paper not found")

	// ErrInvalidTopic means a topic does not name a folder inside the
	// cache root.
	ErrInvalidTopic = errors.New("invalid topic")
)

// Paper is one cached arXiv record. ID is the map key on disk.
type Paper struct {
	ID        string   `json:"-"`
	Title     string   `json:"title"`
	Authors   []string `json:"authors"`
	Summary   string   `json:"summary"`
	PDFURL    string   `json:"pdf_url"`
	Published string   `json:"published"`
}

// Store reads and writes the topic cache rooted at a directory.
type Store struct {
	dir    string
	logger *slog.Logger

	mu sync.Mutex // serializes Merge read-modify-write cycles
}

// NewStore creates a store rooted at dir. The directory is created
// lazily on the first write.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger}
}

// Dir returns the cache root.
func (s *Store) Dir() string { return s.dir }

// Normalize maps a topic to its folder name: lowercase with every
// space replaced by an underscore.
func Normalize(topic string) string {
	return strings.ReplaceAll(strings.ToLower(topic), " ", "_")
}

// CheckTopic reports ErrInvalidTopic unless the normalized topic is a
// single path element below the cache root.
func CheckTopic(topic string) error {
	name := Normalize(topic)
	if name == "" || name == "." || strings.ContainsAny(name, `/\`) || !filepath.IsLocal(name) {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	return nil
}

func (s *Store) infoPath(topic string) (string, error) {
	if err := CheckTopic(topic); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, Normalize(topic), InfoFile), nil
}

// Load returns the cached papers for a topic. A topic with no cache
// file yields an empty map and no error.
func (s *Store) Load(topic string) (map[string]Paper, error) {
	path, err := s.infoPath(topic)
	if err != nil {
		return nil, err
	}
	return readInfo(path)
}

func readInfo(path string) (map[string]Paper, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]Paper{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var raw map[string]Paper
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make(map[string]Paper, len(raw))
	for id, p := range raw {
		p.ID = id
		out[id] = p
	}
	return out, nil
}

// Merge adds papers to a topic's cache. Existing entries are kept and
// an incoming paper replaces any entry with the same id. A corrupt
// cache file is replaced rather than failing the merge.
func (s *Store) Merge(topic string, papers []Paper) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.infoPath(topic)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create topic dir: %w", err)
	}

	existing, err := readInfo(path)
	if err != nil {
		s.logger.Warn("discarding unreadable paper cache", "path", path, "error", err)
		existing = map[string]Paper{}
	}
	for _, p := range papers {
		existing[p.ID] = p
	}

	data, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal papers: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return err
	}

	s.logger.Debug("paper cache updated", "topic", Normalize(topic), "added", len(papers), "total", len(existing))
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".papers-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// Topics lists the topic folders in sorted order. A missing cache root
// yields no topics and no error.
func (s *Store) Topics() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.dir, err)
	}

	var topics []string
	for _, e := range entries {
		if e.IsDir() {
			topics = append(topics, e.Name())
		}
	}
	sort.Strings(topics)
	return topics, nil
}

// Find searches every topic for a paper id. It returns ErrNoPapers when
// nothing has been cached yet and ErrNotFound when no topic has the id.
// Unreadable topic files are logged and skipped.
func (s *Store) Find(id string) (Paper, error) {
	if _, err := os.Stat(s.dir); errors.Is(err, fs.ErrNotExist) {
		return Paper{}, ErrNoPapers
	}

	topics, err := s.Topics()
	if err != nil {
		return Paper{}, err
	}
	for _, topic := range topics {
		info, err := readInfo(filepath.Join(s.dir, topic, InfoFile))
		if err != nil {
			s.logger.Error("skipping unreadable paper cache", "topic", topic, "error", err)
			continue
		}
		if p, ok := info[id]; ok {
			s.logger.Debug("paper found", "id", id, "topic", topic)
			return p, nil
		}
	}
	return Paper{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Sorted returns papers ordered by id.
func Sorted(info map[string]Paper) []Paper {
	out := make([]Paper, 0, len(info))
	for _, p := range info {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
