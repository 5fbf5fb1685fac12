package cache

import (
	"testing"
)

func TestQualifyKey(t *testing.T) {
	tests := []struct {
		name      string
		namespace string
		key       string
		want      string
	}{
		{
			name:      "simple key",
			namespace: "api",
			key:       "users",
			want:      "api:users",
		},
		{
			name:      "key with separator",
			namespace: "ns",
			key:       "user:1",
			want:      "ns:user:1",
		},
		{
			name:      "empty key",
			namespace: "t",
			key:       "",
			want:      "t:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := QualifyKey(tt.namespace, tt.key); got != tt.want {
				t.Errorf("QualifyKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLogicalKey(t *testing.T) {
	tests := []struct {
		name      string
		namespace string
		physical  string
		want      string
		wantOK    bool
	}{
		{
			name:      "own namespace",
			namespace: "ns",
			physical:  "ns:user:1",
			want:      "user:1",
			wantOK:    true,
		},
		{
			name:      "other namespace",
			namespace: "ns",
			physical:  "other:user:1",
			wantOK:    false,
		},
		{
			name:      "namespace is a prefix of another",
			namespace: "ns",
			physical:  "ns2:user:1",
			wantOK:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := LogicalKey(tt.namespace, tt.physical)
			if ok != tt.wantOK {
				t.Fatalf("LogicalKey() ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("LogicalKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKeyRoundTrip(t *testing.T) {
	for _, key := range []string{"a", "users:1", "list-orgs", ""} {
		logical, ok := LogicalKey("api", QualifyKey("api", key))
		if !ok || logical != key {
			t.Errorf("round trip of %q = (%q, %v)", key, logical, ok)
		}
	}
}
