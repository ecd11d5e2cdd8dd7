package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sirupsen/logrus"
)

var collectionNameRe = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,128}$`)

// ValidateCollection rejects names that would escape the data directory.
func ValidateCollection(name string) error {
	if !collectionNameRe.MatchString(name) {
		return fmt.Errorf("invalid collection name %q", name)
	}
	return nil
}

type collectionFile struct {
	mu   sync.Mutex
	file *os.File
}

// JSONLStore persists one append-only JSONL file per collection under a
// data directory. Appends are synced before returning so a completed
// append survives a crash.
type JSONLStore struct {
	dir         string
	collections *xsync.Map[string, *collectionFile]
	logger      *logrus.Logger
}

func NewJSONLStore(dir string, logger *logrus.Logger) (*JSONLStore, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &JSONLStore{
		dir:         dir,
		collections: xsync.NewMap[string, *collectionFile](),
		logger:      logger,
	}, nil
}

func (s *JSONLStore) path(collection string) string {
	return filepath.Join(s.dir, collection+".jsonl")
}

func (s *JSONLStore) open(collection string) (*collectionFile, error) {
	if cf, ok := s.collections.Load(collection); ok {
		return cf, nil
	}
	file, err := os.OpenFile(s.path(collection), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %s: %w", collection, err)
	}
	cf, loaded := s.collections.LoadOrStore(collection, &collectionFile{file: file})
	if loaded {
		_ = file.Close()
	}
	return cf, nil
}

// Append serializes the record and appends it to the named collection.
func (s *JSONLStore) Append(ctx context.Context, collection string, rec *Record) error {
	if err := ValidateCollection(collection); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	data = append(data, '\n')

	cf, err := s.open(collection)
	if err != nil {
		return err
	}

	cf.mu.Lock()
	defer cf.mu.Unlock()
	if _, err := cf.file.Write(data); err != nil {
		return fmt.Errorf("failed to append to %s: %w", collection, err)
	}
	if err := cf.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", collection, err)
	}
	return nil
}

// ReadCollection returns up to limit most recent records of a collection.
func (s *JSONLStore) ReadCollection(ctx context.Context, collection string, limit int) ([]*Record, error) {
	if err := ValidateCollection(collection); err != nil {
		return nil, err
	}

	file, err := os.Open(s.path(collection))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var records []*Record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			s.logger.WithError(err).WithField("collection", collection).Warn("skipping corrupt record")
			continue
		}
		records = append(records, &rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

// Collections lists collection names with their record counts.
func (s *JSONLStore) Collections(ctx context.Context) (map[string]int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	out := make(map[string]int)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		collection := strings.TrimSuffix(name, ".jsonl")
		records, err := s.ReadCollection(ctx, collection, 0)
		if err != nil {
			return nil, err
		}
		out[collection] = len(records)
	}
	return out, nil
}

func (s *JSONLStore) Close() error {
	var firstErr error
	s.collections.Range(func(name string, cf *collectionFile) bool {
		cf.mu.Lock()
		if err := cf.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		cf.mu.Unlock()
		s.collections.Delete(name)
		return true
	})
	return firstErr
}
