package fileutil

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "crl.pem")

	require.NoError(t, WriteAtomic(path, []byte("first\n"), 0644))
	require.NoError(t, WriteAtomic(path, []byte("second\n"), 0644))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(got))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())

	// no temporary files left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteAtomicReadersNeverSeePartialContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.txt")
	a := strings.Repeat("a", 64*1024)
	b := strings.Repeat("b", 64*1024)
	require.NoError(t, WriteAtomic(path, []byte(a), 0644))

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			content := a
			if i%2 == 0 {
				content = b
			}
			assert.NoError(t, WriteAtomic(path, []byte(content), 0644))
		}
		close(done)
	}()

	for {
		select {
		case <-done:
			wg.Wait()
			return
		default:
		}
		got, err := os.ReadFile(path)
		require.NoError(t, err)
		if string(got) != a && string(got) != b {
			t.Fatalf("observed torn content of length %d", len(got))
		}
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	ok, err := Exists(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Exists(dir)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockExcludesHolders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.lock")
	first := NewLock(path)
	second := NewLock(path)

	require.NoError(t, first.Acquire(time.Second))
	err := second.Acquire(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, first.Release())
	require.NoError(t, second.Acquire(time.Second))
	require.NoError(t, second.Release())
}

func TestLockSerializesGoroutines(t *testing.T) {
	lock := NewLock(filepath.Join(t.TempDir(), "store.lock"))
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !assert.NoError(t, lock.Acquire(5*time.Second)) {
				return
			}
			v := counter
			time.Sleep(time.Millisecond)
			counter = v + 1
			assert.NoError(t, lock.Release())
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, counter)
}
