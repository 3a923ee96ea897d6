package registry

import "testing"

func TestIsLockFile(t *testing.T) {
	cases := map[string]bool{
		"/tmp/.X10-lock":    true,
		"/tmp/.X0-lock":     true,
		"/tmp/.X11-unix/X0": false,
		"/tmp/somethingelse": false,
		".X5-lock":          true,
	}
	for path, want := range cases {
		if got := isLockFile(path); got != want {
			t.Errorf("isLockFile(%q) = %v, want %v", path, got, want)
		}
	}
}
