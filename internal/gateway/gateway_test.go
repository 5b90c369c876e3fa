package gateway

import "testing"

func TestAmountPattern(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"100", true},
		{"100.00", true},
		{"0.5", true},
		{"-100", false},
		{"100.", false},
		{"abc", false},
		{"1e10", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := amountPattern.MatchString(tc.in); got != tc.want {
			t.Errorf("amountPattern.MatchString(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestOpaqueJoinErrorIsUniform(t *testing.T) {
	// Both the auction-not-found and the not-eligible cases in joinAuction
	// share this single literal, so the response never distinguishes them.
	if opaqueJoinError == "" {
		t.Fatal("opaqueJoinError must not be empty")
	}
}
