package discovery

import (
	"errors"
	"testing"
)

func TestNodeKey(t *testing.T) {
	tests := []struct {
		prefix, id, want string
	}{
		{DefaultPrefix, "b1", "/homerelay/brokers/b1"},
		{"/custom/", "b2", "/custom/b2"},
	}
	for _, tt := range tests {
		if got := nodeKey(tt.prefix, tt.id); got != tt.want {
			t.Errorf("nodeKey(%q, %q) = %q, want %q", tt.prefix, tt.id, got, tt.want)
		}
	}
}

func TestPick(t *testing.T) {
	if _, err := pick(nil); !errors.Is(err, ErrNoBroker) {
		t.Fatalf("pick(nil) err = %v", err)
	}
	got, err := pick(map[string]string{"b2": "10.0.0.2:9000", "b1": "10.0.0.1:9000"})
	if err != nil || got != "10.0.0.1:9000" {
		t.Fatalf("pick = %q, %v", got, err)
	}
}
