package fitcommon

import (
	"runtime"
	"testing"
)

func TestClamp(t *testing.T) {
	if got := Clamp(1.5, -1.0, 1.0); got != 1 {
		t.Fatalf("got=%v want=1", got)
	}
	if got := Clamp(-3, 0, 10); got != 0 {
		t.Fatalf("got=%v want=0", got)
	}
	if got := Clamp(float32(0.25), -1, 1); got != 0.25 {
		t.Fatalf("got=%v want=0.25", got)
	}
}

func TestWorkers(t *testing.T) {
	if n, err := Workers(" Auto "); err != nil || n != runtime.GOMAXPROCS(0) {
		t.Fatalf("auto got=%d err=%v", n, err)
	}
	if n, err := Workers("3"); err != nil || n != 3 {
		t.Fatalf("got=%d err=%v want=3", n, err)
	}
	for _, bad := range []string{"", "0", "-2", "many"} {
		if _, err := Workers(bad); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
}
