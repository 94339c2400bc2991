package core

// client.go — typed outbound RPC calls to peers over HTTP 1.1. Broadcast
// helpers swallow TransientRPC failures (peer unreachable, timeout) and
// only log them, per spec.md §7; single-target calls return the error to
// the caller. Grounded on the teacher's walletserver HTTP client usage,
// generalized with a bounded timeout per spec.md §5.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const rpcTimeout = 15 * time.Second

// Client issues outbound HTTP calls to peer nodes.
type Client struct {
	http *http.Client
	log  *logrus.Entry
}

func NewClient(log *logrus.Entry) *Client {
	return &Client{http: &http.Client{Timeout: rpcTimeout}, log: log}
}

func peerURL(n Node, path string) string {
	return fmt.Sprintf("http://%s:%d%s", n.Host, n.Port, path)
}

// Get issues a GET to peer at path and returns the raw response body.
func (c *Client) Get(ctx context.Context, peer Node, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peerURL(peer, path), nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// PostBytes issues a POST of raw bytes to peer at path.
func (c *Client) PostBytes(ctx context.Context, peer Node, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peerURL(peer, path), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	return c.do(req)
}

// PostJSON JSON-encodes v and POSTs it to peer at path.
func (c *Client) PostJSON(ctx context.Context, peer Node, path string, v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peerURL(peer, path), bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

// PatchJSON JSON-encodes v and PATCHes it to peer at path.
func (c *Client) PatchJSON(ctx context.Context, peer Node, path string, v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, peerURL(peer, path), bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transient rpc: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transient rpc: read body: %w", err)
	}
	if resp.StatusCode >= 300 {
		return body, fmt.Errorf("peer responded %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// Broadcast runs send against every node in peers concurrently, logging
// and swallowing any error — broadcast failures never roll back local
// state (spec.md §7).
func (c *Client) Broadcast(peers []Node, label string, send func(Node) error) {
	var wg sync.WaitGroup
	for _, p := range peers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := send(p); err != nil {
				c.log.WithFields(logrus.Fields{
					"peer": p.Host, "call": label,
				}).WithError(err).Warn("broadcast delivery failed")
			}
		}()
	}
	wg.Wait()
}
