package mcpclient

import (
	"sort"
	"testing"
)

func TestNewClient_UnsupportedMethod(t *testing.T) {
	_, err := NewClient(ConnectionInfo{Method: Method("carrier-pigeon")})
	if err == nil {
		t.Fatal("expected an error for an unsupported connection method")
	}
}

func TestEnvMapToSlice(t *testing.T) {
	got := envMapToSlice(map[string]string{"API_KEY": "secret", "REGION": "us-east-1"})
	sort.Strings(got)

	want := []string{"API_KEY=secret", "REGION=us-east-1"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestEnvMapToSlice_Empty(t *testing.T) {
	if got := envMapToSlice(nil); got != nil {
		t.Fatalf("expected nil slice for an empty map, got %v", got)
	}
}
