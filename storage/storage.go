// Package storage handles persistence of settings, the cached listing snapshot, and scheduler state.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
)

var keyRegex = regexp.MustCompile(`^[a-z0-9_]{1,128}$`)

// Error is returned by every backend when a storage operation fails.
// It is surfaced to callers and never retried above the backend.
type Error struct {
	Err error
	Op  string
	Key string
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err came from a storage backend.
func IsStorageError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}

var errInvalidKey = errors.New("invalid key format")

// objectName maps a key to a stable object or file name.
// Keys are restricted to a safe alphabet to prevent path traversal.
func objectName(key string) string {
	if !keyRegex.MatchString(key) {
		return ""
	}
	return key + ".json"
}

// sortedKeys returns the keys of values in a deterministic write order.
func sortedKeys(values map[string][]byte) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Store keeps each key as one JSON object, either in a local directory or a Cloud Storage bucket.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a new storage handler. A non-empty localPath selects the local filesystem.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

func retryOptions(ctx context.Context, logger *slog.Logger, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", retryErr)
		}),
	}
}

// Get returns the values for the keys that exist. Missing keys are absent from the result.
func (s *Store) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		data, ok, err := s.load(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[key] = data
		}
	}
	return out, nil
}

func (s *Store) load(ctx context.Context, key string) ([]byte, bool, error) {
	name := objectName(key)
	if name == "" {
		return nil, false, &Error{Op: "get", Key: key, Err: errInvalidKey}
	}

	// Local filesystem storage
	if s.localPath != "" {
		data, err := os.ReadFile(filepath.Join(s.localPath, name))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, false, nil
			}
			return nil, false, &Error{Op: "get", Key: key, Err: fmt.Errorf("read from local storage: %w", err)}
		}
		return data, true, nil
	}

	// Cloud Storage with retry logic for reliability
	var data []byte
	missing := false
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					missing = true
					return nil
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retryOptions(ctx, s.logger, "get", key)...,
	)
	if err != nil {
		return nil, false, &Error{Op: "get", Key: key, Err: fmt.Errorf("load after retries: %w", err)}
	}
	if missing {
		return nil, false, nil
	}
	return data, true, nil
}

// Set writes every key in sorted order. There is no transaction across keys.
func (s *Store) Set(ctx context.Context, values map[string][]byte) error {
	for _, key := range sortedKeys(values) {
		if err := s.save(ctx, key, values[key]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) save(ctx context.Context, key string, data []byte) error {
	name := objectName(key)
	if name == "" {
		return &Error{Op: "set", Key: key, Err: errInvalidKey}
	}
	s.logger.Debug("Saving key", "key", key, "bytes", len(data))

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, name)
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return &Error{Op: "set", Key: key, Err: fmt.Errorf("write to local storage: %w", err)}
		}
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err := retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retryOptions(ctx, s.logger, "set", key)...,
	)
	if err != nil {
		return &Error{Op: "set", Key: key, Err: fmt.Errorf("save after retries: %w", err)}
	}
	return nil
}

// Remove deletes the keys. Removing a missing key is not an error.
func (s *Store) Remove(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if err := s.delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) delete(ctx context.Context, key string) error {
	name := objectName(key)
	if name == "" {
		return &Error{Op: "remove", Key: key, Err: errInvalidKey}
	}
	s.logger.Debug("Deleting key", "key", key)

	// Local filesystem storage
	if s.localPath != "" {
		if err := os.Remove(filepath.Join(s.localPath, name)); err != nil && !os.IsNotExist(err) {
			return &Error{Op: "remove", Key: key, Err: fmt.Errorf("delete from local storage: %w", err)}
		}
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(name).Delete(ctx); deleteErr != nil {
				// Deletion is idempotent
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return nil
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retryOptions(ctx, s.logger, "remove", key)...,
	)
	if err != nil {
		return &Error{Op: "remove", Key: key, Err: fmt.Errorf("delete after retries: %w", err)}
	}
	return nil
}
