package store_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/omerlefaruk/CasareRPA-sub014/internal/db"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/store"
)

// newTestStores opens a fresh migrated SQLite database in a temp dir.
func newTestStores(t *testing.T) *store.Stores {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	return store.New(database)
}

func TestDecodeListRoundTrip(t *testing.T) {
	require.Nil(t, store.DecodeList(""))
	require.Nil(t, store.DecodeList("[]"))
	require.Nil(t, store.DecodeList("not json"))
	require.Equal(t, []string{"a", "b"}, store.DecodeList(`["a","b"]`))
}

func TestDecodeMapRoundTrip(t *testing.T) {
	require.Nil(t, store.DecodeMap(""))
	require.Nil(t, store.DecodeMap("{}"))
	require.Equal(t, map[string]any{"k": "v"}, store.DecodeMap(`{"k":"v"}`))
}
