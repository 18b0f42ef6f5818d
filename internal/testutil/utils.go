package testutil

import (
	"log"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/npezzotti/redischat/internal/store"
)

func TestLogger(t *testing.T) *log.Logger {
	logger := log.New(os.Stdout, "[test] ", log.LstdFlags)
	t.Cleanup(func() {
		logger.SetOutput(os.Stderr)
	})
	return logger
}

// TestStore starts an in-process Redis and returns a Store connected
// to it. Both are torn down with the test.
func TestStore(t *testing.T) (*store.Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	s, err := store.NewStore(mr.Addr())
	if err != nil {
		t.Fatalf("connect store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return s, mr
}
