package version

import "testing"

func TestString(t *testing.T) {
	saved := [3]string{Version, GitSHA, BuildDate}
	defer func() { Version, GitSHA, BuildDate = saved[0], saved[1], saved[2] }()

	tests := []struct {
		version, sha, date string
		want               string
	}{
		{"", "", "", "dev " + BuildMarker},
		{"v1.2.0", "0123456789abcdef", "", "v1.2.0 (0123456) " + BuildMarker},
		{"v1.2.0", "abc", "2026-01-02", "v1.2.0 (abc) built 2026-01-02 " + BuildMarker},
	}
	for _, tc := range tests {
		Version, GitSHA, BuildDate = tc.version, tc.sha, tc.date
		if got := String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
}
