package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNanoID_Length(t *testing.T) {
	for _, length := range []int{8, 12, 16} {
		id := NanoID(length)()
		if len(id) != length {
			t.Fatalf("NanoID(%d): got length %d", length, len(id))
		}
	}
}

func TestNanoID_Alphabet(t *testing.T) {
	id := NanoID(100)()
	for _, c := range id {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'z')) {
			t.Fatalf("NanoID: unexpected character %q in %q", c, id)
		}
	}
}

func TestWatchID_UniqueAcrossCalls(t *testing.T) {
	seen := make(map[string]struct{}, 500)
	for i := 0; i < 500; i++ {
		id := WatchID()
		if _, ok := seen[id]; ok {
			t.Fatalf("WatchID: duplicate at iteration %d: %q", i, id)
		}
		seen[id] = struct{}{}
	}
}

func TestPrefixed(t *testing.T) {
	id := Prefixed("aud_", NanoID(8))()
	if !strings.HasPrefix(id, "aud_") || len(id) != 12 {
		t.Fatalf("Prefixed: got %q", id)
	}
}

func TestDefault_IsUUIDv7(t *testing.T) {
	id := Default()
	u, err := uuid.Parse(id)
	if err != nil {
		t.Fatalf("Default: expected a valid UUID, got %q: %v", id, err)
	}
	if u.Version() != 7 {
		t.Fatalf("Default: expected version 7, got %d", u.Version())
	}
}
