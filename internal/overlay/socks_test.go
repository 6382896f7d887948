package overlay

import (
	"context"
	"testing"
	"time"
)

func TestIsolationTokenStable(t *testing.T) {
	a := isolationToken("example.com")
	b := isolationToken("example.com")
	c := isolationToken("other.com")

	if a != b {
		t.Error("isolationToken not stable for the same key")
	}
	if a == c {
		t.Error("isolationToken collided for distinct keys")
	}
}

func TestBootstrapFailsOnUnreachableEndpoint(t *testing.T) {
	client := New(Config{ProxyAddr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := client.Bootstrap(ctx, 1); err == nil {
		t.Error("Bootstrap() error = nil, want error for unreachable proxy")
	}
}

func TestBootstrapFailsOnEmptyProxyAddr(t *testing.T) {
	client := New(Config{})
	if _, err := client.Bootstrap(context.Background(), 1); err == nil {
		t.Error("Bootstrap() error = nil, want error for empty ProxyAddr")
	}
}
