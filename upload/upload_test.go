package upload

import "testing"

func TestObjectNameJoinsPrefixBaseAndRelativePath(t *testing.T) {
	cases := []struct {
		prefix, base, rel, want string
	}{
		{"", "20260102T030405Z", "reachable-nodes.csv", "20260102T030405Z/reachable-nodes.csv"},
		{"crawls", "20260102T030405Z", "reachable-nodes.csv", "crawls/20260102T030405Z/reachable-nodes.csv"},
		{"crawls/weekly", "20260102T030405Z", "advertised-addresses.csv", "crawls/weekly/20260102T030405Z/advertised-addresses.csv"},
	}
	for _, c := range cases {
		if got := objectName(c.prefix, c.base, c.rel); got != c.want {
			t.Errorf("objectName(%q, %q, %q) = %q, want %q", c.prefix, c.base, c.rel, got, c.want)
		}
	}
}
