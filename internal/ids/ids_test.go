package ids

import (
	"testing"
	"time"
)

func TestNewIsSortableAndValid(t *testing.T) {
	at := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	prev := At(at)
	for i := 0; i < 100; i++ {
		next := At(at)
		if next <= prev {
			t.Fatalf("ids not increasing: %s then %s", prev, next)
		}
		prev = next
	}
	if !Valid(New()) {
		t.Fatal("expected New to produce a valid id")
	}
}

func TestValidRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "abc", "not-a-ulid-at-all-0000000000", "01ARZ3NDEKTSV4RRFFQ69G5FA"} {
		if Valid(s) {
			t.Fatalf("expected %q to be invalid", s)
		}
	}
}
