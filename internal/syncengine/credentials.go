package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

type Credentials struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

func (c Credentials) expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !c.ExpiresAt.After(now)
}

// CredentialStore hands out per-target credentials. Refresh is called after
// a target reported AuthExpired and must return credentials that are at
// least as new as the ones that failed.
type CredentialStore interface {
	Get(ctx context.Context, target SyncTarget) (Credentials, error)
	Refresh(ctx context.Context, target SyncTarget) (Credentials, error)
}

type StaticCredentialStore struct {
	mu    sync.RWMutex
	creds map[SyncTarget]Credentials
}

func NewStaticCredentialStore(creds map[SyncTarget]Credentials) *StaticCredentialStore {
	copied := make(map[SyncTarget]Credentials, len(creds))
	for target, cred := range creds {
		copied[target] = cred
	}
	return &StaticCredentialStore{creds: copied}
}

func (s *StaticCredentialStore) Set(target SyncTarget, cred Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[target] = cred
}

func (s *StaticCredentialStore) Get(ctx context.Context, target SyncTarget) (Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[target]
	if !ok || strings.TrimSpace(cred.Token) == "" {
		return Credentials{}, NewTargetError(KindAuthExpired, "missing_credentials", "no credentials configured for "+string(target))
	}
	return cred, nil
}

// Refresh has nothing newer to offer, so it returns whatever is configured.
func (s *StaticCredentialStore) Refresh(ctx context.Context, target SyncTarget) (Credentials, error) {
	return s.Get(ctx, target)
}

// FileCredentialStore reads a JSON object keyed by target name and reloads it
// whenever the file changes on disk, so operators can rotate tokens without a
// restart.
type FileCredentialStore struct {
	path   string
	logger logrus.FieldLogger

	mu    sync.RWMutex
	creds map[SyncTarget]Credentials

	watcher   *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewFileCredentialStore(path string, logger logrus.FieldLogger) (*FileCredentialStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &FileCredentialStore{
		path:   path,
		logger: logger.WithField("component", "credentials"),
		creds:  map[SyncTarget]Credentials{},
		done:   make(chan struct{}),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Watch starts reloading on file changes until Close.
func (s *FileCredentialStore) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// watch the directory: editors and secret mounts replace files by rename
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	s.watcher = watcher
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchLoop()
	}()
	return nil
}

func (s *FileCredentialStore) watchLoop() {
	name := filepath.Clean(s.path)
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.reload(); err != nil {
				s.logger.WithError(err).Warn("failed to reload credentials file")
				continue
			}
			s.logger.Info("credentials reloaded")
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.WithError(err).Warn("credentials watcher error")
		}
	}
}

func (s *FileCredentialStore) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: credentials file %s does not exist", ErrInvalidInput, s.path)
		}
		return err
	}
	raw := map[string]Credentials{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode credentials file %s: %w", s.path, err)
	}
	creds := make(map[SyncTarget]Credentials, len(raw))
	for key, cred := range raw {
		target, err := ParseSyncTarget(key)
		if err != nil {
			return err
		}
		creds[target] = cred
	}
	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()
	return nil
}

func (s *FileCredentialStore) Get(ctx context.Context, target SyncTarget) (Credentials, error) {
	s.mu.RLock()
	cred, ok := s.creds[target]
	s.mu.RUnlock()
	if !ok || strings.TrimSpace(cred.Token) == "" {
		return Credentials{}, NewTargetError(KindAuthExpired, "missing_credentials", "no credentials configured for "+string(target))
	}
	return cred, nil
}

// Refresh re-reads the file in case the watcher has not caught up yet.
func (s *FileCredentialStore) Refresh(ctx context.Context, target SyncTarget) (Credentials, error) {
	if err := s.reload(); err != nil {
		return Credentials{}, err
	}
	return s.Get(ctx, target)
}

func (s *FileCredentialStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.watcher != nil {
			err = s.watcher.Close()
		}
		s.wg.Wait()
	})
	return err
}

// TargetClient owns the credentials of one sync target. Concurrent refreshes
// collapse into one call to the credential store.
type TargetClient struct {
	target  SyncTarget
	store   CredentialStore
	metrics *Metrics
	group   singleflight.Group

	mu      sync.RWMutex
	current Credentials
	loaded  bool
}

func NewTargetClient(target SyncTarget, store CredentialStore, metrics *Metrics) *TargetClient {
	return &TargetClient{target: target, store: store, metrics: metrics}
}

func (c *TargetClient) Target() SyncTarget {
	return c.target
}

// Token returns the cached token, loading it on first use or once expired.
func (c *TargetClient) Token(ctx context.Context) (string, error) {
	c.mu.RLock()
	cred, loaded := c.current, c.loaded
	c.mu.RUnlock()
	if loaded && !cred.expired(time.Now()) {
		return cred.Token, nil
	}
	if c.store == nil {
		return "", NewTargetError(KindAuthExpired, "missing_credentials", "no credential store for "+string(c.target))
	}
	fresh, err := c.store.Get(ctx, c.target)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.current = fresh
	c.loaded = true
	c.mu.Unlock()
	return fresh.Token, nil
}

// Refresh asks the credential store for new credentials. Callers racing on
// the same expired token share a single refresh.
func (c *TargetClient) Refresh(ctx context.Context) error {
	if c.store == nil {
		return NewTargetError(KindAuthExpired, "missing_credentials", "no credential store for "+string(c.target))
	}
	_, err, _ := c.group.Do(string(c.target), func() (any, error) {
		fresh, err := c.store.Refresh(ctx, c.target)
		c.metrics.observeCredentialRefresh(c.target, err)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.current = fresh
		c.loaded = true
		c.mu.Unlock()
		return nil, nil
	})
	return err
}
