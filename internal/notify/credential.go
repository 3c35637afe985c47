package notify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// CredentialSource supplies the principal's currently valid bearer
// credential at call time. Issuance and renewal belong to the external
// authentication collaborator.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticCredential is a fixed token, useful for tests and env-provided
// credentials.
type StaticCredential string

func (c StaticCredential) Token(ctx context.Context) (string, error) {
	token := strings.TrimSpace(string(c))
	if token == "" {
		return "", ErrUnauthorized
	}
	return token, nil
}

// FileCredential reads the bearer token from the durable client-side
// store the authentication collaborator writes to (a plain file) and
// reloads it whenever that file changes. The watch covers the parent
// directory because token rotation is usually an atomic rename.
type FileCredential struct {
	path    string
	watcher *fsnotify.Watcher
	logger  Logger

	mu    sync.RWMutex
	token string

	closeOnce sync.Once
	done      chan struct{}
}

func NewFileCredential(path string, logger Logger) (*FileCredential, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	c := &FileCredential{
		path:    absPath,
		watcher: watcher,
		logger:  logger,
		done:    make(chan struct{}),
	}
	c.reload()
	go c.watchLoop()
	return c, nil
}

func (c *FileCredential) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token == "" {
		return "", fmt.Errorf("%w: credential file %s is missing or empty", ErrUnauthorized, c.path)
	}
	return token, nil
}

func (c *FileCredential) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.watcher.Close()
		<-c.done
	})
	return err
}

func (c *FileCredential) watchLoop() {
	defer close(c.done)
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if !c.matches(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				c.reload()
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logf("credential watch error: %v", err)
		}
	}
}

func (c *FileCredential) matches(name string) bool {
	abs, err := filepath.Abs(name)
	if err != nil {
		return false
	}
	return abs == c.path
}

func (c *FileCredential) reload() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logf("credential read failed: %v", err)
		}
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		return
	}
	c.mu.Lock()
	c.token = strings.TrimSpace(string(data))
	c.mu.Unlock()
}

func (c *FileCredential) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
