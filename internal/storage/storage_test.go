package storage_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/gtmlake/internal/storage"
	"github.com/ashita-ai/gtmlake/internal/testutil"
	"github.com/ashita-ai/gtmlake/migrations"
)

type sample struct {
	ID      string         `json:"id"`
	Body    string         `json:"body"`
	Tags    []string       `json:"tags,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// runBackendSuite checks the Client contract against a concrete backend.
func runBackendSuite(t *testing.T, newBackend func(t *testing.T) storage.Backend) {
	ctx := context.Background()
	logger := testutil.TestLogger()

	t.Run("round trip is byte identical", func(t *testing.T) {
		s := storage.New(newBackend(t), logger)
		rec := sample{ID: "c1", Body: "<hello> & goodbye", Details: map[string]any{"z": 1, "a": "b"}}

		require.NoError(t, s.Store(ctx, "bronze/x/c1.json", rec))
		got, err := s.Read(ctx, "bronze/x/c1.json")
		require.NoError(t, err)

		want, err := storage.Marshal(rec)
		require.NoError(t, err)
		assert.Equal(t, string(want), string(got))
		assert.Contains(t, string(got), "<hello> & goodbye")

		var back sample
		require.NoError(t, json.Unmarshal(got, &back))
		assert.Equal(t, "c1", back.ID)
	})

	t.Run("overwrite is idempotent", func(t *testing.T) {
		s := storage.New(newBackend(t), logger)
		rec := sample{ID: "c1", Body: "first"}
		require.NoError(t, s.Store(ctx, "k.json", rec))
		first, err := s.Read(ctx, "k.json")
		require.NoError(t, err)

		require.NoError(t, s.Store(ctx, "k.json", rec))
		second, err := s.Read(ctx, "k.json")
		require.NoError(t, err)
		assert.Equal(t, first, second)

		rec.Body = "second"
		require.NoError(t, s.Store(ctx, "k.json", rec))
		var back sample
		require.NoError(t, storage.ReadInto(ctx, s, "k.json", &back))
		assert.Equal(t, "second", back.Body)
	})

	t.Run("read missing key is not found", func(t *testing.T) {
		s := storage.New(newBackend(t), logger)
		_, err := s.Read(ctx, "missing.json")
		require.Error(t, err)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.False(t, storage.IsRetriable(err))

		var se *storage.Error
		require.True(t, errors.As(err, &se))
		assert.Equal(t, "missing.json", se.Key)
	})

	t.Run("invalid bytes are corrupt", func(t *testing.T) {
		backend := newBackend(t)
		require.NoError(t, backend.Put(ctx, "bad.json", []byte("{not json")))

		s := storage.New(backend, logger)
		_, err := s.Read(ctx, "bad.json")
		assert.ErrorIs(t, err, storage.ErrCorrupt)
		assert.Equal(t, storage.ErrCorrupt, storage.KindOf(err))
	})

	t.Run("list paginates in lexical order", func(t *testing.T) {
		s := storage.New(newBackend(t), logger, storage.WithPageSize(2))
		keys := []string{
			"bronze/emails/year=2024/month=01/day=10/email_thread_t3.json",
			"bronze/emails/year=2024/month=01/day=10/email_thread_t1.json",
			"bronze/emails/year=2024/month=01/day=11/email_thread_t2.json",
			"bronze/emails/year=2024/month=02/day=01/email_thread_t4.json",
			"bronze/emails/year=2024/month=02/day=01/email_thread_t5.json",
			"bronze/conversations/year=2024/month=01/day=10/call_c1.json",
		}
		for _, k := range keys {
			require.NoError(t, s.Store(ctx, k, sample{ID: k}))
		}

		got, more, err := storage.Collect(s.List(ctx, "bronze/emails/"), 0)
		require.NoError(t, err)
		assert.False(t, more)
		assert.Equal(t, []string{
			"bronze/emails/year=2024/month=01/day=10/email_thread_t1.json",
			"bronze/emails/year=2024/month=01/day=10/email_thread_t3.json",
			"bronze/emails/year=2024/month=01/day=11/email_thread_t2.json",
			"bronze/emails/year=2024/month=02/day=01/email_thread_t4.json",
			"bronze/emails/year=2024/month=02/day=01/email_thread_t5.json",
		}, got)

		day, _, err := storage.Collect(s.List(ctx, "bronze/emails/year=2024/month=01/day=10/"), 0)
		require.NoError(t, err)
		assert.Len(t, day, 2)

		limited, more, err := storage.Collect(s.List(ctx, "bronze/"), 3)
		require.NoError(t, err)
		assert.True(t, more)
		assert.Len(t, limited, 3)
		assert.Equal(t, "bronze/conversations/year=2024/month=01/day=10/call_c1.json", limited[0])

		none, _, err := storage.Collect(s.List(ctx, "silver/"), 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("early break stops iteration", func(t *testing.T) {
		s := storage.New(newBackend(t), logger, storage.WithPageSize(1))
		for i := range 5 {
			require.NoError(t, s.Store(ctx, fmt.Sprintf("p/%d.json", i), sample{ID: "x"}))
		}
		n := 0
		for _, err := range s.List(ctx, "p/") {
			require.NoError(t, err)
			n++
			if n == 2 {
				break
			}
		}
		assert.Equal(t, 2, n)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		s := storage.New(newBackend(t), logger)
		require.NoError(t, s.Store(ctx, "d.json", sample{ID: "d"}))
		require.NoError(t, s.Delete(ctx, "d.json"))
		require.NoError(t, s.Delete(ctx, "d.json"))

		_, err := s.Read(ctx, "d.json")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("empty key is rejected", func(t *testing.T) {
		s := storage.New(newBackend(t), logger)
		err := s.Store(ctx, "", sample{})
		assert.ErrorIs(t, err, storage.ErrInvalidKey)
		assert.NotErrorIs(t, err, storage.ErrAccessDenied)
		assert.False(t, storage.IsRetriable(err))
		assert.Equal(t, storage.ErrInvalidKey, storage.KindOf(err))

		_, err = s.Read(ctx, "")
		assert.ErrorIs(t, err, storage.ErrInvalidKey)
	})

	t.Run("unencodable record is corrupt", func(t *testing.T) {
		s := storage.New(newBackend(t), logger)
		err := s.Store(ctx, "c.json", map[string]any{"ch": make(chan int)})
		assert.ErrorIs(t, err, storage.ErrCorrupt)
	})

	t.Run("ping", func(t *testing.T) {
		s := storage.New(newBackend(t), logger)
		assert.NoError(t, s.Ping(ctx))
	})
}

func TestMemoryBackend(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) storage.Backend {
		return storage.NewMemoryBackend()
	})
}

func TestSQLiteBackend(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) storage.Backend {
		b, err := storage.NewSQLiteBackend(context.Background(), ":memory:", testutil.TestLogger())
		require.NoError(t, err)
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}

func TestPostgresBackend(t *testing.T) {
	pg := testutil.StartPostgres(t)
	ctx := context.Background()
	backend, err := pg.NewPostgresBackend(ctx, testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	// Migrations are idempotent.
	require.NoError(t, backend.RunMigrations(ctx, migrations.FS))

	runBackendSuite(t, func(t *testing.T) storage.Backend {
		_, err := backend.Pool().Exec(ctx, "TRUNCATE gtm_objects")
		require.NoError(t, err)
		return nopCloser{backend}
	})
}

func TestS3Backend(t *testing.T) {
	mc := testutil.StartMinIO(t)
	ctx := context.Background()
	n := 0
	runBackendSuite(t, func(t *testing.T) storage.Backend {
		n++
		b, err := storage.NewS3Backend(ctx, storage.S3Config{
			Endpoint:     mc.DSN,
			Region:       "us-east-1",
			Bucket:       fmt.Sprintf("gtm-test-%d", n),
			AccessKey:    "minio",
			SecretKey:    "minio-secret",
			CreateBucket: true,
		}, testutil.TestLogger())
		require.NoError(t, err)
		return b
	})
}

// nopCloser shares one backend between subtests.
type nopCloser struct{ storage.Backend }

func (nopCloser) Close() error { return nil }

func TestWithRetry(t *testing.T) {
	ctx := context.Background()
	transient := &storage.Error{Op: "store", Key: "k", Kind: storage.ErrUnavailable}
	permanent := &storage.Error{Op: "store", Key: "k", Kind: storage.ErrAccessDenied}

	t.Run("retries transient failures", func(t *testing.T) {
		calls := 0
		err := storage.WithRetry(ctx, 3, time.Millisecond, func() error {
			calls++
			if calls < 3 {
				return transient
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := storage.WithRetry(ctx, 2, time.Millisecond, func() error {
			calls++
			return transient
		})
		assert.ErrorIs(t, err, storage.ErrUnavailable)
		assert.Equal(t, 3, calls)
	})

	t.Run("does not retry permanent failures", func(t *testing.T) {
		calls := 0
		err := storage.WithRetry(ctx, 5, time.Millisecond, func() error {
			calls++
			return permanent
		})
		assert.ErrorIs(t, err, storage.ErrAccessDenied)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops when context is cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := storage.WithRetry(cctx, 5, time.Hour, func() error { return transient })
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, err, storage.ErrUnavailable)
	})
}

func TestErrorFormatting(t *testing.T) {
	err := &storage.Error{Op: "read", Key: "a/b.json", Kind: storage.ErrNotFound}
	assert.Equal(t, `storage: read "a/b.json": storage: not found`, err.Error())

	wrapped := fmt.Errorf("ingest: %w", err)
	assert.ErrorIs(t, wrapped, storage.ErrNotFound)
	assert.Nil(t, storage.KindOf(errors.New("other")))
}
