package utils

import "testing"

func TestFirstNonEmpty(t *testing.T) {
	cases := []struct {
		in   []string
		want string
	}{
		{nil, ""},
		{[]string{"", "  ", "\t"}, ""},
		{[]string{"", " agent-1 ", "agent-2"}, "agent-1"},
		{[]string{"a", "b"}, "a"},
	}
	for _, tc := range cases {
		if got := FirstNonEmpty(tc.in...); got != tc.want {
			t.Fatalf("FirstNonEmpty(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
