package wsproto

import "testing"

func TestMaskUserID(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"12345678-abcd-ef01-2345-6789abcdef01", "12345678***"},
		{"short", "short***"},
		{"exactly8", "exactly8***"},
	}
	for _, tc := range cases {
		if got := MaskUserID(tc.in); got != tc.want {
			t.Errorf("MaskUserID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
