package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFS_PairsUpAndDown(t *testing.T) {
	entries, err := fs.ReadDir(FS, dir)
	require.NoError(t, err)

	ups, downs := map[string]bool{}, map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Errorf("unexpected file %s", name)
		}
	}
	assert.Len(t, ups, 3)
	assert.Equal(t, ups, downs)
}

func TestFS_CreatesTables(t *testing.T) {
	var schema strings.Builder
	_ = fs.WalkDir(FS, dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".up.sql") {
			return err
		}
		b, err := fs.ReadFile(FS, path)
		schema.Write(b)
		return err
	})

	for _, table := range []string{"subscription_tiers", "user_subscriptions", "usage_logs", "api_keys"} {
		assert.Contains(t, schema.String(), "CREATE TABLE IF NOT EXISTS "+table+" ")
	}
	assert.Contains(t, schema.String(), "ON usage_logs (user_id, created_at)")
}

func TestSource_ReadsVersions(t *testing.T) {
	src, err := iofs.New(FS, dir)
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	next, err := src.Next(first)
	require.NoError(t, err)
	assert.Equal(t, uint(2), next)
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := New("postgres://invalid:1/none?sslmode=disable&connect_timeout=1", nil)
	assert.Error(t, err)
}
