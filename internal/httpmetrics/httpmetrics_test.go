// File: internal/httpmetrics/httpmetrics_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package httpmetrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestServerExposesRegisteredSeries(t *testing.T) {
	collectors := NewCollectors()
	collectors.ColdStartsTotal.Inc()
	collectors.WarmPoolSize.Set(3)

	addr := freePort(t)
	srv := NewServer(addr, collectors)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	var body string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err == nil {
			raw, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			body = string(raw)
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned an error: %v", err)
	}

	if !strings.Contains(body, "function_cold_starts_total 1") {
		t.Errorf("missing function_cold_starts_total in exposition:\n%s", body)
	}
	if !strings.Contains(body, "warm_pool_size 3") {
		t.Errorf("missing warm_pool_size in exposition:\n%s", body)
	}
	if !strings.Contains(body, "router_packets_dropped") {
		t.Errorf("missing router_packets_dropped series in exposition:\n%s", body)
	}
}
