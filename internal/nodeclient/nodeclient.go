// Package nodeclient is a generic HTTP/JSON client to the block-producing
// node, with bounded retry/backoff and request pacing. It is the only
// component in the service that speaks to the node; internal/streamer treats
// it as an opaque source of contiguous block ranges.
package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/R3E-Network/chain-indexer/infrastructure/httputil"
	"github.com/R3E-Network/chain-indexer/infrastructure/logging"
	"github.com/R3E-Network/chain-indexer/infrastructure/metrics"
	"github.com/R3E-Network/chain-indexer/internal/errkind"
)

// Block is one finalized block plus its receipts, in the opaque wire format
// user modules (sandboxed or native) consume directly.
type Block struct {
	Height    uint64          `json:"height"`
	Hash      string          `json:"hash"`
	Timestamp time.Time       `json:"timestamp"`
	Receipts  json.RawMessage `json:"receipts"`
}

// Config controls client pacing and retry behavior.
type Config struct {
	Endpoint       string
	RequestsPerSec float64
	MaxRetries     int
	Timeout        time.Duration
}

// Client fetches contiguous block ranges from the node over HTTP/JSON.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     *logging.Logger
}

// New builds a Client. A zero RequestsPerSec disables pacing.
func New(cfg Config, log *logging.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if log == nil {
		log = logging.NewFromEnv("nodeclient")
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), int(cfg.RequestsPerSec)+1)
	}
	base := &http.Client{Transport: httputil.DefaultTransportWithMinTLS12()}
	client, normalized, err := httputil.NewClientWithBaseURL(httputil.ClientConfig{
		BaseURL:    cfg.Endpoint,
		ServiceID:  "indexer",
		Timeout:    cfg.Timeout,
		HTTPClient: base,
	}, httputil.DefaultClientDefaults())
	if err != nil {
		log.WithError(err).Warn("node endpoint did not normalize, using it verbatim")
		client = httputil.CopyHTTPClientWithTimeout(base, cfg.Timeout, true)
		normalized = cfg.Endpoint
	}
	cfg.Endpoint = normalized

	return &Client{
		cfg:     cfg,
		http:    client,
		limiter: limiter,
		log:     log,
	}
}

// rangeRequest is the JSON body posted to the node's /blocks endpoint.
type rangeRequest struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"` // exclusive
}

type rangeResponse struct {
	Blocks []Block `json:"blocks"`
}

// FetchRange requests the half-open range [start, start+count) from the
// node, retrying transient failures with bounded exponential backoff. An
// empty slice with a nil error means the node has no blocks yet in that
// range (the caller should idle-wait and retry later, per §4.4).
func (c *Client) FetchRange(ctx context.Context, start uint64, count int) ([]Block, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errkind.Wrap(errkind.NodeUnavailable, "rate limiter wait", err)
		}
	}

	body, err := json.Marshal(rangeRequest{Start: start, End: start + uint64(count)})
	if err != nil {
		return nil, errkind.Wrap(errkind.Unknown, "marshal range request", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff(attempt)
			c.log.WithField("attempt", attempt).WithField("delay", delay).Warn("retrying node fetch")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		started := time.Now()
		blocks, err := c.doFetch(ctx, body)
		if err == nil {
			metrics.Global().RecordBlockFetch("nodeclient", "ok", len(blocks), time.Since(started))
			return blocks, nil
		}
		metrics.Global().RecordBlockFetch("nodeclient", "error", 0, time.Since(started))
		lastErr = err
		if e, ok := errkind.As(err); !ok || !e.Kind.Transient() {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) doFetch(ctx context.Context, body []byte) ([]Block, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+"/blocks", bytes.NewReader(body))
	if err != nil {
		return nil, errkind.Wrap(errkind.Unknown, "build node request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.NodeUnavailable, "node request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errkind.Wrap(errkind.NodeUnavailable, "read node response", err)
	}

	if resp.StatusCode >= 500 {
		return nil, errkind.New(errkind.NodeUnavailable, fmt.Sprintf("node returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errkind.New(errkind.Unknown, fmt.Sprintf("node returned %d: %s", resp.StatusCode, data))
	}

	var parsed rangeResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, errkind.Wrap(errkind.Unknown, "decode node response", err)
	}
	return parsed.Blocks, nil
}

// CurrentHeight asks the node for its current finalized height, used by
// tests and §8 scenario 3's "given current node height H" setup.
func (c *Client) CurrentHeight(ctx context.Context) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+"/height", nil)
	if err != nil {
		return 0, errkind.Wrap(errkind.Unknown, "build height request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errkind.Wrap(errkind.NodeUnavailable, "height request failed", err)
	}
	defer resp.Body.Close()

	var parsed struct {
		Height uint64 `json:"height"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, errkind.Wrap(errkind.Unknown, "decode height response", err)
	}
	return parsed.Height, nil
}

// backoff computes a jittered exponential delay for retry attempt n (1-based).
func backoff(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
	if base > 10*time.Second {
		base = 10 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base / 2)))
	return base + jitter
}
