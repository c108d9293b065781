package eventlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	s := strings.TrimRight(string(b), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func TestBroadcastAndDeliveredFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	log, err := Open(path)
	require.NoError(t, err)

	log.Broadcast(1)
	log.Delivered(2, 1)
	require.NoError(t, log.Close())

	lines := readLines(t, path)
	assert.ElementsMatch(t, []string{"b 1", "d 2 1"}, lines)
}

func TestAppendModePreservesPriorContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, os.WriteFile(path, []byte("b 0\n"), 0o644))

	log, err := Open(path)
	require.NoError(t, err)
	log.Broadcast(1)
	require.NoError(t, log.Close())

	lines := readLines(t, path)
	assert.Equal(t, []string{"b 0", "b 1"}, lines)
}

func TestImplicitFlushAtThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	log, err := Open(path)
	require.NoError(t, err)
	defer log.Close()

	for i := 0; i < flushThreshold; i++ {
		log.Broadcast(uint32(i))
	}

	// Implicit flush should have happened without calling Flush/Close.
	lines := readLines(t, path)
	assert.Len(t, lines, flushThreshold)
}

func TestConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	log, err := Open(path)
	require.NoError(t, err)

	const n = 500
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		go func(seq uint32) {
			log.Broadcast(seq)
			done <- struct{}{}
		}(uint32(i))
	}
	for i := 0; i < n; i++ {
		<-done
	}
	require.NoError(t, log.Close())

	lines := readLines(t, path)
	assert.Len(t, lines, n)
}
