package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

// ArgumentMatcherFunc is a helper to create inline mock matchers.
type ArgumentMatcherFunc func(any) bool

func (f ArgumentMatcherFunc) Match(v any) bool {
	return f(v)
}

var anyValue = ArgumentMatcherFunc(func(any) bool { return true })

func newMockStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing().WillReturnError(nil)
	s, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	s.newID = func() string { return "result-1" }
	return s, mockPool
}

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestMigrate(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	mockPool.ExpectExec(flexibleSQLMatcher(Schema)).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestSave(t *testing.T) {
	ctx := context.Background()
	completed := time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)
	result := schemas.TaskResult{
		TaskID:      "task-1",
		TaskName:    "books",
		Method:      schemas.MethodDirectRequest,
		Items:       []schemas.Item{{"title": "a"}, {"title": "b"}},
		CompletedAt: completed,
	}

	t.Run("should write the result row and copy its items", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newMockStore(t, zap.New(observedZapCore))

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertResult)).
			WithArgs("result-1", "task-1", "books", "direct-request", 2, anyValue).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"result_items"}, resultItemColumns).
			WillReturnResult(2)
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.Save(ctx, result))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, observedLogs.All(), "Expected no errors logged on successful commit")
	})

	t.Run("should skip the copy for an empty result", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		empty := result
		empty.Items = nil

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertResult)).
			WithArgs("result-1", "task-1", "books", "direct-request", 0, anyValue).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.Save(ctx, empty))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should rollback if copying items fails", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		copyErr := errors.New("copy from failed")

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertResult)).
			WithArgs("result-1", "task-1", "books", "direct-request", 2, anyValue).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"result_items"}, resultItemColumns).
			WillReturnError(copyErr)
		mockPool.ExpectRollback()

		err := s.Save(ctx, result)
		require.Error(t, err)
		assert.ErrorIs(t, err, copyErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should handle transaction begin failure", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		beginErr := errors.New("cannot begin tx")
		mockPool.ExpectBegin().WillReturnError(beginErr)

		err := s.Save(ctx, result)
		assert.ErrorIs(t, err, beginErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestLatest(t *testing.T) {
	ctx := context.Background()

	t.Run("should decode the newest result's items in order", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		rows := pgxmock.NewRows([]string{"data"}).
			AddRow([]byte(`{"title":"a","price":1}`)).
			AddRow([]byte(`{"title":"b","price":2}`))
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlLatestItems)).WithArgs("task-1").WillReturnRows(rows)

		items, err := s.Latest(ctx, "task-1")
		require.NoError(t, err)
		assert.Equal(t, []schemas.Item{
			{"title": "a", "price": float64(1)},
			{"title": "b", "price": float64(2)},
		}, items)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should return an empty slice for an unknown task", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlLatestItems)).WithArgs("nope").
			WillReturnRows(pgxmock.NewRows([]string{"data"}))

		items, err := s.Latest(ctx, "nope")
		require.NoError(t, err)
		assert.NotNil(t, items)
		assert.Empty(t, items)
	})
}

func TestPoolSnapshots(t *testing.T) {
	ctx := context.Background()

	t.Run("should upsert identities in one batch", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectBegin()
		batchExp := mockPool.ExpectBatch()
		batchExp.ExpectExec(flexibleSQLMatcher(sqlUpsertIdentity)).
			WithArgs("id-1", anyValue, anyValue).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		batchExp.ExpectExec(flexibleSQLMatcher(sqlUpsertIdentity)).
			WithArgs("id-2", anyValue, anyValue).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.SaveIdentities(ctx, []schemas.Identity{{ID: "id-1"}, {ID: "id-2"}}))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should name the proxy whose upsert failed", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		batchErr := errors.New("batch execution failed")
		mockPool.ExpectBegin()
		batchExp := mockPool.ExpectBatch()
		batchExp.ExpectExec(flexibleSQLMatcher(sqlUpsertProxy)).
			WithArgs("px-1", anyValue, anyValue).
			WillReturnError(batchErr)
		mockPool.ExpectRollback()

		err := s.SaveProxies(ctx, []schemas.Proxy{{ID: "px-1", URL: "http://10.0.0.1:8080"}})
		require.Error(t, err)
		assert.ErrorIs(t, err, batchErr)
		assert.Contains(t, err.Error(), "proxy px-1")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should skip empty snapshots", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		require.NoError(t, s.SaveProxies(ctx, nil))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should load stored proxies", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		rows := pgxmock.NewRows([]string{"data"}).
			AddRow([]byte(`{"id":"px-1","url":"http://10.0.0.1:8080","country":"de"}`))
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlLoadProxies)).WillReturnRows(rows)

		proxies, err := s.LoadProxies(ctx)
		require.NoError(t, err)
		require.Len(t, proxies, 1)
		assert.Equal(t, "px-1", proxies[0].ID)
		assert.Equal(t, "de", proxies[0].Country)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should surface query errors on load", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlLoadIdentities)).WillReturnError(errors.New("relation missing"))

		_, err := s.LoadIdentities(ctx)
		assert.ErrorContains(t, err, "relation missing")
	})
}
