package redis

import "testing"

func TestKey(t *testing.T) {
	if got := Key("fs:", "request", "42"); got != "fs:request:42" {
		t.Fatalf("unexpected key: %s", got)
	}
	if got := Key("fs"); got != "fs" {
		t.Fatalf("unexpected key: %s", got)
	}
}
