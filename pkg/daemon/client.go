package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tmaxmax/go-sse"
)

// ErrNotReady is returned by WaitReady when the daemon did not signal
// readiness within the timeout.
var ErrNotReady = errors.New("daemon: not ready")

var errShutDown = errors.New("daemon shut down")

// WaitReady blocks until the daemon at baseURL emits its ready event or
// timeout elapses. Connection failures are retried until the timeout, so it
// can be called right after spawning the daemon process.
func WaitReady(ctx context.Context, baseURL string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimRight(baseURL, "/") + "/events"
	backoff := 50 * time.Millisecond
	var lastErr error
	for {
		ready, err := readReady(ctx, url)
		if ready {
			return nil
		}
		if errors.Is(err, errShutDown) {
			return fmt.Errorf("%w: %v", ErrNotReady, err)
		}
		if err != nil {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("%w after %s: %v", ErrNotReady, timeout, lastErr)
			}
			return fmt.Errorf("%w after %s", ErrNotReady, timeout)
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}
}

func readReady(ctx context.Context, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("unexpected status %s", resp.Status)
	}
	for ev, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			return false, err
		}
		switch ev.Type {
		case EventReady:
			return true, nil
		case EventShutdown:
			return false, errShutDown
		}
	}
	return false, errors.New("event stream closed")
}
