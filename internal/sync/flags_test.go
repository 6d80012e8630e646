package sync

import "testing"

func TestFlagShouldBeSet(t *testing.T) {
	cases := map[string]bool{
		opMarkSeen:   true,
		opStar:       true,
		opMarkUnseen: false,
		opUnstar:     false,
	}
	for op, want := range cases {
		if got := flagShouldBeSet(op); got != want {
			t.Fatalf("flagShouldBeSet(%q) = %v, want %v", op, got, want)
		}
	}
}
