package nodeclient

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/chain-indexer/infrastructure/testutil"
	"github.com/R3E-Network/chain-indexer/internal/errkind"
)

func blocksHandler(t *testing.T, heights func(start, end uint64) []uint64) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Start uint64 `json:"start"`
			End   uint64 `json:"end"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var blocks []Block
		for _, h := range heights(req.Start, req.End) {
			blocks = append(blocks, Block{Height: h, Hash: "h", Timestamp: time.Now().UTC()})
		}
		json.NewEncoder(w).Encode(map[string]any{"blocks": blocks})
	}
}

func TestFetchRangeReturnsContiguousBlocks(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/blocks", blocksHandler(t, func(start, end uint64) []uint64 {
		var hs []uint64
		for h := start; h < end; h++ {
			hs = append(hs, h)
		}
		return hs
	}))
	ts := testutil.NewHTTPTestServer(t, mux)
	defer ts.Close()

	c := New(Config{Endpoint: ts.URL}, nil)

	blocks, err := c.FetchRange(context.Background(), 5, 3)
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	for i, b := range blocks {
		assert.Equal(t, uint64(5+i), b.Height)
	}
}

func TestFetchRangeEmptyRangeIsNotAnError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/blocks", blocksHandler(t, func(uint64, uint64) []uint64 { return nil }))
	ts := testutil.NewHTTPTestServer(t, mux)
	defer ts.Close()

	c := New(Config{Endpoint: ts.URL}, nil)

	blocks, err := c.FetchRange(context.Background(), 100, 10)
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

func TestFetchRangeRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/blocks", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"blocks": []Block{{Height: 1}}})
	})
	ts := testutil.NewHTTPTestServer(t, mux)
	defer ts.Close()

	c := New(Config{Endpoint: ts.URL, MaxRetries: 5}, nil)

	blocks, err := c.FetchRange(context.Background(), 1, 1)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.GreaterOrEqual(t, calls.Load(), int64(3))
}

func TestFetchRangeNonTransientStatusFailsFast(t *testing.T) {
	var calls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/blocks", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	})
	ts := testutil.NewHTTPTestServer(t, mux)
	defer ts.Close()

	c := New(Config{Endpoint: ts.URL, MaxRetries: 5}, nil)

	_, err := c.FetchRange(context.Background(), 1, 1)
	require.Error(t, err)
	assert.False(t, errkind.Is(err, errkind.NodeUnavailable))
	assert.Equal(t, int64(1), calls.Load())
}

func TestCurrentHeight(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/height", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]uint64{"height": 42})
	})
	ts := testutil.NewHTTPTestServer(t, mux)
	defer ts.Close()

	c := New(Config{Endpoint: ts.URL}, nil)

	h, err := c.CurrentHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), h)
}
