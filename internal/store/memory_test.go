package store

import "testing"

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore())
}
