// Package storage handles persistence of the shared list and published-once markers.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"recentposts/metrics"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
)

var (
	// ErrNotFound is returned by Get when a key has no value.
	ErrNotFound = errors.New("storage: object doesn't exist")

	// ErrConflict is returned by Update when the value changed underneath it on every attempt.
	ErrConflict = errors.New("storage: concurrent modification")

	// ErrInvalidKey is returned for keys that are not safe to use as object names.
	ErrInvalidKey = errors.New("storage: invalid key")

	keyRegex = regexp.MustCompile(`^[a-z0-9_]+(/[a-z0-9_.-]+)?$`)
)

// conflictAttempts bounds how often an Update is retried after a conflict or a transient bucket error.
const conflictAttempts = 5

// UpdateFunc receives the current value (nil if missing) and returns the value to store.
type UpdateFunc func(current []byte) ([]byte, error)

// objectStore is the bucket surface Store needs.
type objectStore interface {
	// read returns the object's contents and generation, or ErrNotFound.
	read(ctx context.Context, key string) ([]byte, int64, error)
	// write stores value, returning ErrConflict if cond does not hold.
	write(ctx context.Context, key string, value []byte, cond *storage.Conditions) error
}

// Store persists values as objects in a Cloud Storage bucket, or as files in a
// local directory for development.
type Store struct {
	objects   objectStore
	logger    *slog.Logger
	localPath string
	bucket    string
	mu        sync.Mutex // Serializes local read-modify-write
}

// New creates a new storage handler. A non-empty localPath selects the local filesystem.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	s := &Store{
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
	if client != nil {
		s.objects = &bucketObjects{client: client, bucket: bucket, logger: logger}
	}
	return s
}

func validateKey(key string) error {
	if !keyRegex.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// fileName maps a key onto a single flat file name.
func fileName(key string) string {
	return strings.ReplaceAll(key, "/", "__") + ".json"
}

func (s *Store) backend() string {
	if s.localPath != "" {
		return "local"
	}
	return "gcs"
}

// Get loads the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	// Local filesystem storage
	if s.localPath != "" {
		data, err := os.ReadFile(filepath.Join(s.localPath, fileName(key)))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	// Cloud Storage with retry logic for reliability
	var data []byte
	var notFound bool
	err := retry.Do(
		func() error {
			var readErr error
			data, _, readErr = s.objects.read(ctx, key)
			if errors.Is(readErr, ErrNotFound) {
				// Don't retry on "not found" errors
				notFound = true
				return retry.Unrecoverable(readErr)
			}
			return readErr
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if notFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.logger.Debug("Saving value", "key", key, "bytes", len(value))

	// Local filesystem storage
	if s.localPath != "" {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.writeLocal(key, value)
	}

	// Cloud Storage with retry logic for reliability
	err := retry.Do(
		func() error {
			return s.objects.write(ctx, key, value, nil)
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Debug("Value saved", "key", key, "bucket", s.bucket)
	return nil
}

// Update applies fn to the value under key as one read-modify-write.
// Cloud Storage uses generation preconditions and retries when another writer
// got there first; the local filesystem holds a lock for the whole cycle.
func (s *Store) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if err := validateKey(key); err != nil {
		return err
	}

	if s.localPath != "" {
		s.mu.Lock()
		defer s.mu.Unlock()

		current, err := os.ReadFile(filepath.Join(s.localPath, fileName(key)))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("read from local storage: %w", err)
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		return s.writeLocal(key, next)
	}

	// Conflicts and transient bucket errors are retried; errors from fn are not.
	var fnErr error
	return retryUpdate(ctx, s.logger, s.backend(), key, func() error {
		fnErr = nil
		current, generation, err := s.objects.read(ctx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		next, err := fn(current)
		if err != nil {
			fnErr = err
			return err
		}

		cond := storage.Conditions{DoesNotExist: true}
		if generation != 0 {
			cond = storage.Conditions{GenerationMatch: generation}
		}
		return s.objects.write(ctx, key, next, &cond)
	}, func(error) bool {
		return fnErr == nil
	})
}

// bucketObjects reads and writes objects in a Cloud Storage bucket.
type bucketObjects struct {
	client *storage.Client
	logger *slog.Logger
	bucket string
}

func (b *bucketObjects) read(ctx context.Context, key string) ([]byte, int64, error) {
	r, err := b.client.Bucket(b.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("open storage reader: %w", err)
	}
	defer func() {
		if closeErr := r.Close(); closeErr != nil {
			b.logger.Warn("Failed to close storage reader", "error", closeErr)
		}
	}()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, fmt.Errorf("read from storage: %w", err)
	}
	return data, r.Attrs.Generation, nil
}

func (b *bucketObjects) write(ctx context.Context, key string, value []byte, cond *storage.Conditions) error {
	obj := b.client.Bucket(b.bucket).Object(key)
	if cond != nil {
		obj = obj.If(*cond)
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(value); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			b.logger.Warn("Failed to close writer after error", "error", closeErr)
		}
		if isPreconditionFailed(err) {
			return ErrConflict
		}
		return fmt.Errorf("write to storage: %w", err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return ErrConflict
		}
		return fmt.Errorf("close storage writer: %w", err)
	}
	return nil
}

// writeLocal replaces the file atomically so readers never see a partial list.
func (s *Store) writeLocal(key string, value []byte) error {
	path := filepath.Join(s.localPath, fileName(key))
	tmp, err := os.CreateTemp(s.localPath, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write to local storage: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

func isConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// retryUpdate runs attempt until it succeeds, fails with an error retryable
// rejects, or runs out of attempts.
func retryUpdate(ctx context.Context, logger *slog.Logger, backend, key string, attempt func() error, retryable func(error) bool) error {
	var last error
	err := retry.Do(
		func() error {
			last = attempt()
			return last
		},
		retry.Attempts(conflictAttempts),
		retry.Delay(20*time.Millisecond),
		retry.MaxDelay(time.Second),
		retry.MaxJitter(50*time.Millisecond),
		retry.Context(ctx),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, retryErr error) {
			if isConflict(retryErr) {
				metrics.RecordConflict(backend)
				logger.Info("Retrying update after conflict", "attempt", n, "key", key, "backend", backend)
				return
			}
			logger.Info("Retrying update after error", "attempt", n, "key", key, "backend", backend, "error", retryErr)
		}),
	)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if last != nil {
		return fmt.Errorf("update %s: %w", key, last)
	}
	return err
}

// IsNotFound checks if an error indicates a missing value.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
