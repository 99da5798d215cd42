package core

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"geekedapi/utils"
)

const (
	latestFile        = "latest.json"
	defaultExtractTTL = 30 * time.Second
)

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// ConstantSource probes the live version and extracts constants for it.
// *Extractor is the production implementation.
type ConstantSource interface {
	Probe(ctx context.Context) (Discovery, error)
	Extract(ctx context.Context, d Discovery) (*ProtocolConstants, error)
}

// CacheEntry is the persisted form of one extracted version. Entries are
// replaced, never edited.
type CacheEntry struct {
	Version       string             `json:"version"`
	ExtractedAt   time.Time          `json:"extracted_at"`
	Invalidated   bool               `json:"invalidated"`
	InvalidatedAt *time.Time         `json:"invalidated_at,omitempty"`
	Checksum      string             `json:"checksum"`
	Constants     *ProtocolConstants `json:"constants"`
}

type latestPointer struct {
	Version string `json:"version"`
}

func (e *CacheEntry) usable() bool {
	return e != nil && !e.Invalidated && e.Constants != nil
}

func checksum(c *ProtocolConstants) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Store serves the current ProtocolConstants, extracting at most once per
// version no matter how many sessions ask concurrently.
type Store struct {
	dir            string
	source         ConstantSource
	extractTimeout time.Duration
	logger         *zap.Logger

	mu      sync.RWMutex
	entries map[string]*CacheEntry
	latest  string

	group singleflight.Group
}

func NewStore(dir string, source ConstantSource, extractTimeout time.Duration, logger *zap.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("cache dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	if extractTimeout <= 0 {
		extractTimeout = defaultExtractTTL
	}
	s := &Store{
		dir:            dir,
		source:         source,
		extractTimeout: extractTimeout,
		logger:         utils.OrNop(logger),
		entries:        map[string]*CacheEntry{},
	}

	var ptr latestPointer
	if err := readJSON(filepath.Join(dir, latestFile), &ptr); err != nil {
		s.logger.Warn("ignoring unreadable cache pointer", zap.Error(err))
	}
	s.latest = ptr.Version
	return s, nil
}

// Current returns constants for the live script version. When the probe
// fails a usable cached entry is served instead.
func (s *Store) Current(ctx context.Context) (*ProtocolConstants, error) {
	d, err := s.source.Probe(ctx)
	if err != nil {
		if cerr := ctxError(ctx); cerr != nil {
			return nil, cerr
		}
		if entry := s.lookup(s.latestVersion()); entry.usable() {
			s.logger.Warn("version probe failed, serving cached constants",
				zap.String("version", entry.Version), zap.Error(err))
			return entry.Constants, nil
		}
		return nil, err
	}

	if entry := s.lookup(d.Version); entry.usable() {
		s.logger.Debug("constants cache hit", zap.String("version", d.Version))
		return entry.Constants, nil
	}
	s.logger.Debug("constants cache miss", zap.String("version", d.Version))

	if prev := s.latestVersion(); prev != "" && prev != d.Version {
		if err := s.Invalidate(prev); err != nil {
			s.logger.Warn("failed to invalidate stale constants", zap.String("version", prev), zap.Error(err))
		}
	}
	return s.extract(ctx, d)
}

// Refresh re-extracts the live version, bypassing any cached entry for it.
func (s *Store) Refresh(ctx context.Context) (*ProtocolConstants, error) {
	d, err := s.source.Probe(ctx)
	if err != nil {
		return nil, err
	}
	if entry := s.lookup(d.Version); entry.usable() {
		if err := s.Invalidate(d.Version); err != nil {
			return nil, err
		}
	}
	return s.extract(ctx, d)
}

// extract runs one extraction per version. The shared work is detached from
// the first caller's context so that caller giving up cannot fail the rest.
func (s *Store) extract(ctx context.Context, d Discovery) (*ProtocolConstants, error) {
	ch := s.group.DoChan(d.Version, func() (interface{}, error) {
		if entry := s.lookup(d.Version); entry.usable() {
			return entry.Constants, nil
		}

		ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.extractTimeout)
		defer cancel()

		c, err := s.source.Extract(ectx, d)
		if err != nil {
			return nil, err
		}
		if err := s.put(c); err != nil {
			return nil, err
		}
		s.logger.Info("extracted constants", zap.String("version", c.Version), zap.String("key_source", c.PublicKey.Source))
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctxError(ctx)
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ProtocolConstants), nil
	}
}

// Invalidate marks version unusable. The next Current re-extracts it if it
// is still the live version.
func (s *Store) Invalidate(version string) error {
	entry := s.lookup(version)
	if entry == nil {
		return fmt.Errorf("no cached constants for version %q", version)
	}
	if entry.Invalidated {
		return nil
	}

	now := time.Now().UTC()
	replaced := *entry
	replaced.Invalidated = true
	replaced.InvalidatedAt = &now

	if err := writeJSON(s.entryPath(version), &replaced, 0o644); err != nil {
		return fmt.Errorf("failed to persist invalidation: %w", err)
	}
	s.mu.Lock()
	s.entries[version] = &replaced
	s.mu.Unlock()

	s.logger.Warn("invalidated constants", zap.String("version", version))
	return nil
}

// Latest returns the most recently extracted entry, usable or not.
func (s *Store) Latest() *CacheEntry {
	return s.lookup(s.latestVersion())
}

// Entries lists every readable entry on disk, newest first.
func (s *Store) Entries() []*CacheEntry {
	paths, _ := filepath.Glob(filepath.Join(s.dir, "*.json"))
	var out []*CacheEntry
	for _, p := range paths {
		if filepath.Base(p) == latestFile {
			continue
		}
		var entry CacheEntry
		if err := readJSON(p, &entry); err != nil || entry.Version == "" {
			continue
		}
		if e := s.lookup(entry.Version); e != nil {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExtractedAt.After(out[j].ExtractedAt) })
	return out
}

func (s *Store) put(c *ProtocolConstants) error {
	sum, err := checksum(c)
	if err != nil {
		return fmt.Errorf("failed to checksum constants: %w", err)
	}
	entry := &CacheEntry{
		Version:     c.Version,
		ExtractedAt: time.Now().UTC(),
		Checksum:    sum,
		Constants:   c,
	}
	if err := writeJSON(s.entryPath(c.Version), entry, 0o644); err != nil {
		return fmt.Errorf("failed to persist constants: %w", err)
	}
	if err := writeJSON(filepath.Join(s.dir, latestFile), latestPointer{Version: c.Version}, 0o644); err != nil {
		return fmt.Errorf("failed to persist cache pointer: %w", err)
	}

	s.mu.Lock()
	s.entries[c.Version] = entry
	s.latest = c.Version
	s.mu.Unlock()
	return nil
}

// lookup serves from memory, falling back to disk. A corrupt or tampered
// file reads as a miss.
func (s *Store) lookup(version string) *CacheEntry {
	if version == "" {
		return nil
	}
	s.mu.RLock()
	entry, ok := s.entries[version]
	s.mu.RUnlock()
	if ok {
		return entry
	}

	var disk CacheEntry
	path := s.entryPath(version)
	if err := readJSON(path, &disk); err != nil {
		s.logger.Warn("corrupt constants cache entry", zap.String("path", path), zap.Error(err))
		return nil
	}
	if disk.Constants == nil {
		return nil
	}
	if disk.Version != version || disk.Constants.Version != version {
		s.logger.Warn("constants cache entry belongs to another version",
			zap.String("path", path), zap.String("want", version), zap.String("got", disk.Version))
		return nil
	}
	if sum, err := checksum(disk.Constants); err != nil || sum != disk.Checksum {
		s.logger.Warn("constants cache checksum mismatch", zap.String("path", path))
		return nil
	}
	if err := disk.Constants.Validate(); err != nil {
		s.logger.Warn("cached constants failed validation", zap.String("path", path), zap.Error(err))
		return nil
	}

	s.mu.Lock()
	if existing, ok := s.entries[version]; ok {
		s.mu.Unlock()
		return existing
	}
	s.entries[version] = &disk
	s.mu.Unlock()
	return &disk
}

func (s *Store) latestVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

func (s *Store) entryPath(version string) string {
	name := unsafeFileChars.ReplaceAllString(version, "_")
	if name+".json" == latestFile {
		name = "_" + name
	}
	return filepath.Join(s.dir, name+".json")
}
