package tlstrust

import "testing"

func TestWildcardMatch(t *testing.T) {
	cases := []struct {
		pattern, host string
		want          bool
	}{
		{"*.example.com", "foo.example.com", true},
		{"*.example.com", "a.b.example.com", false},
		{"*.example.com", "example.com", false},
		{"foo.example.com", "foo.example.com", true},
		{"foo.example.com", "bar.example.com", false},
	}
	for _, c := range cases {
		if got := wildcardMatch(c.pattern, c.host); got != c.want {
			t.Errorf("wildcardMatch(%q, %q) = %v, want %v", c.pattern, c.host, got, c.want)
		}
	}
}
