package service

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// HTTPConnectivity probes a URL to decide whether the internet-facing remote
// store is reachable. State transitions are delivered on Changes.
type HTTPConnectivity struct {
	probeURL string
	client   *http.Client
	interval time.Duration
	logger   *logrus.Logger

	online  atomic.Bool
	started atomic.Bool
	changes chan bool
}

func NewHTTPConnectivity(probeURL string, interval time.Duration, logger *logrus.Logger) *HTTPConnectivity {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HTTPConnectivity{
		probeURL: probeURL,
		client:   &http.Client{Timeout: 10 * time.Second},
		interval: interval,
		logger:   logger,
		changes:  make(chan bool, 1),
	}
}

// Changes returns the transition channel. Buffered by one so a slow consumer
// only ever misses intermediate flaps, never the latest state.
func (c *HTTPConnectivity) Changes() <-chan bool {
	return c.changes
}

// Online returns the last probe result.
func (c *HTTPConnectivity) Online() bool {
	return c.online.Load()
}

// Start probes until ctx is cancelled.
func (c *HTTPConnectivity) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probe(ctx)
		}
	}
}

func (c *HTTPConnectivity) probe(ctx context.Context) {
	reachable := c.check(ctx)
	previous := c.online.Swap(reachable)
	if previous == reachable {
		return
	}

	c.logger.WithField("online", reachable).Info("Connectivity changed")
	select {
	case c.changes <- reachable:
	default:
		// Replace the stale pending transition with the current one.
		select {
		case <-c.changes:
		default:
		}
		select {
		case c.changes <- reachable:
		default:
		}
	}
}

func (c *HTTPConnectivity) check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	if closeErr := resp.Body.Close(); closeErr != nil {
		c.logger.WithError(closeErr).Debug("Failed to close probe response body")
	}
	return resp.StatusCode < http.StatusInternalServerError
}
