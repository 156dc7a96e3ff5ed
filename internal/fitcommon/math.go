package fitcommon

import (
	"cmp"
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// Clamp limits v to [lo, hi].
func Clamp[T cmp.Ordered](v, lo, hi T) T {
	return min(max(v, lo), hi)
}

// Workers resolves a -workers flag: a positive count, or "auto" for one worker
// per available CPU.
func Workers(raw string) (int, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "auto" {
		return runtime.GOMAXPROCS(0), nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("workers %q: want a count >= 1 or auto", raw)
	}
	return n, nil
}
