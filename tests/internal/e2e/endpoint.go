package e2e

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"
)

const pollInterval = 50 * time.Millisecond

// FreePort reserves an ephemeral localhost port and releases it for the
// binary under test.
func FreePort(tb testing.TB) int {
	tb.Helper()

	var listenCfg net.ListenConfig

	listener, err := listenCfg.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("allocate free port: %v", err)
	}

	defer func() {
		_ = listener.Close()
	}()

	addr := listener.Addr().(*net.TCPAddr) //nolint:forcetypeassert // listener is tcp

	return addr.Port
}

// WaitForBody polls url until a 200 response body satisfies accept or ctx
// expires. It returns the accepted body.
func WaitForBody(ctx context.Context, url string, accept func([]byte) bool) ([]byte, error) {
	client := http.Client{Timeout: time.Second}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for %s: %w", url, ctx.Err())
		case <-ticker.C:
		}

		body, status, err := fetch(ctx, &client, url)
		if err != nil || status != http.StatusOK {
			continue
		}

		if accept == nil || accept(body) {
			return body, nil
		}
	}
}

func fetch(ctx context.Context, client *http.Client, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("get %s: %w", url, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read body: %w", err)
	}

	return body, resp.StatusCode, nil
}
