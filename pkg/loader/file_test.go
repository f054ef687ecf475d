package loader

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-intercept/pkg/domain"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestNewFileLoadsDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "behaviors.json")
	writeFile(t, path, jsonDoc)

	l, err := NewFile(path)
	require.NoError(t, err)

	set, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())
	assert.Equal(t, 45*time.Second, l.ReloadInterval())
}

func TestNewFileErrors(t *testing.T) {
	_, err := NewFile("behaviors.txt")
	assert.ErrorIs(t, err, ErrUnknownFormat)

	l, err := NewFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	_, err = l.Load(context.Background())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWatcherTriggersOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "behaviors.yaml")
	writeFile(t, path, yamlDoc)

	l, err := NewFile(path)
	require.NoError(t, err)

	var reloads atomic.Int32
	var latest atomic.Pointer[domain.BehaviorSet]
	w, err := NewWatcher(path, func(ctx context.Context) error {
		set, err := l.Load(ctx)
		if err != nil {
			return err
		}
		latest.Store(set)
		reloads.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)
	w.SetDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { _ = w.Stop() })

	// Changes to neighbouring files are ignored.
	writeFile(t, filepath.Join(dir, "other.yaml"), "x: 1\n")

	writeFile(t, path, "behaviors:\n  - {owner: Foo, member: bar, params: \"*\", body: \"99\"}\n")

	require.Eventually(t, func() bool {
		set := latest.Load()
		if set == nil {
			return false
		}
		entry, ok := set.Get(domain.WildcardKey("Foo", "bar"))
		return ok && entry.Body == "99"
	}, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, reloads.Load(), int32(1))
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "behaviors.yaml")
	writeFile(t, path, yamlDoc)

	w, err := NewWatcher(path, func(context.Context) error { return nil }, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}
