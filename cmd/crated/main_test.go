package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"crate/internal/bucket"
	"crate/internal/config"
	"crate/internal/invite"
	"crate/internal/logging"
	"crate/internal/membership"
	"crate/internal/proxy"
	"crate/internal/syncerr"
	"crate/internal/testsupport"
)

type running struct {
	url    string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func startDaemon(t *testing.T, d *daemon) *running {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{url: "http://" + ln.Addr().String(), cancel: cancel, done: make(chan struct{})}
	go func() {
		r.err = d.Run(ctx, ln)
		close(r.done)
	}()
	t.Cleanup(func() {
		cancel()
		<-r.done
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(r.url + "/v1/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return r
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("daemon did not become healthy")
	return nil
}

func TestDaemonGatesWritesByMembership(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	d, err := newDaemon(ctx, cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	defer d.Close()
	r := startDaemon(t, d)

	owner := testsupport.NewIdentity(t)
	ownerClient, err := proxy.NewClient(proxy.ClientOptions{BaseURL: r.url, Identity: owner})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := invite.NewManager(ownerClient, owner).Found(ctx, testsupport.NewLibraryKey(t)); err != nil {
		t.Fatalf("Found: %v", err)
	}
	if got := d.server.ChainState().Kind(); got != membership.StateValid {
		t.Fatalf("chain state = %s, want valid", got)
	}

	stranger, err := proxy.NewClient(proxy.ClientOptions{BaseURL: r.url, Identity: testsupport.NewIdentity(t)})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := stranger.Put(ctx, bucket.ChangeKey("intruder", 1), []byte("x")); !errors.Is(err, syncerr.ErrMembership) {
		t.Fatalf("expected membership refusal, got %v", err)
	}
	if err := ownerClient.Put(ctx, bucket.ChangeKey("laptop", 1), []byte("x")); err != nil {
		t.Fatalf("owner put: %v", err)
	}

	resp, err := http.Get(r.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}

	r.cancel()
	select {
	case <-r.done:
		if r.err != nil {
			t.Fatalf("Run returned %v", r.err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("daemon did not shut down")
	}
}

func TestSecondInstanceIsRefused(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t, testsupport.WithBackend(config.BackendMemory))
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}

	first, err := newDaemon(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	defer first.Close()
	startDaemon(t, first)

	second, err := newDaemon(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	defer second.Close()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	err = second.Run(ctx, ln)
	if err == nil || !strings.Contains(err.Error(), "another crated instance") {
		t.Fatalf("expected lock refusal, got %v", err)
	}
}

func TestRefusesProxyBackend(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithProxyURL("http://127.0.0.1:7490"))
	if _, err := newDaemon(context.Background(), cfg, nil); !errors.Is(err, syncerr.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
