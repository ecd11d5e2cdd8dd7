package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func rpcServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func slotResponse(slot uint64) []byte {
	data, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"result":  slot,
	})
	return data
}

func newTestClient(t *testing.T, endpoints ...string) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{
		Endpoints:   endpoints,
		Timeout:     2 * time.Second,
		MaxFailures: 5,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
		CallBudget:  10,
		Logger:      testLogger(),
	})
	require.NoError(t, err)
	return client
}

func TestClient_RequiresEndpoint(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	assert.Error(t, err)
}

func TestClient_GetSlot(t *testing.T) {
	srv := rpcServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(slotResponse(251432100))
	})

	client := newTestClient(t, srv.URL)
	slot, err := client.GetSlot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(251432100), slot)
}

func TestClient_FailoverOn429(t *testing.T) {
	var primaryCalls atomic.Int64
	primary := rpcServer(t, func(w http.ResponseWriter, r *http.Request) {
		primaryCalls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})
	fallback := rpcServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(slotResponse(42))
	})

	client := newTestClient(t, primary.URL, fallback.URL)

	// Observed behavior is identical to a single successful call.
	slot, err := client.GetSlot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), slot)
	assert.GreaterOrEqual(t, primaryCalls.Load(), int64(1))

	// The rate-limited endpoint's health score dropped below the fallback's.
	scores := client.HealthScores()
	assert.Less(t, scores[primary.URL], scores[fallback.URL])
}

func TestClient_NotFoundIsNotAFailure(t *testing.T) {
	srv := rpcServer(t, func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      1,
			"error":   map[string]interface{}{"code": -32007, "message": "Slot 5 was skipped"},
		}
		json.NewEncoder(w).Encode(resp)
	})

	client := newTestClient(t, srv.URL)
	_, err := client.GetBlock(context.Background(), 5)
	assert.ErrorIs(t, err, ErrNotFound)

	// Health is untouched by NotFound responses.
	assert.Equal(t, 1.0, client.HealthScores()[srv.URL])
}

func TestClient_NullResultIsNotFound(t *testing.T) {
	srv := rpcServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":null}`))
	})

	client := newTestClient(t, srv.URL)
	_, err := client.GetBlock(context.Background(), 5)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_EndpointExhausted(t *testing.T) {
	var calls atomic.Int64
	srv := rpcServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	client := newTestClient(t, srv.URL)
	_, err := client.GetSlot(context.Background())
	assert.ErrorIs(t, err, ErrEndpointExhausted)
	assert.Equal(t, int64(5), calls.Load())
}

func TestClient_CancelDuringBackoff(t *testing.T) {
	srv := rpcServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	client, err := NewClient(ClientConfig{
		Endpoints:   []string{srv.URL},
		BackoffBase: time.Second,
		BackoffCap:  time.Second,
		Logger:      testLogger(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = client.GetSlot(ctx)
	assert.Error(t, err)
}

func TestClient_GetBlockDecodesTransactions(t *testing.T) {
	srv := rpcServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"jsonrpc": "2.0",
			"id": 1,
			"result": {
				"blockhash": "8HduRGHnR5sWM4PSkDPsDWPhoYGLEYHtb75yYGbvj8nU",
				"parentSlot": 99,
				"blockTime": 1700000000,
				"transactions": [
					{
						"meta": {
							"err": null,
							"fee": 5000,
							"preTokenBalances": [],
							"postTokenBalances": [],
							"innerInstructions": []
						},
						"transaction": {
							"signatures": ["5ok2aTxsj9kXZcGBB"],
							"message": {
								"accountKeys": [{"pubkey": "So11111111111111111111111111111111111111112", "signer": true, "writable": true}],
								"instructions": []
							}
						}
					}
				]
			}
		}`))
	})

	client := newTestClient(t, srv.URL)
	block, err := client.GetBlock(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, block.Transactions, 1)
	assert.Equal(t, uint64(5000), block.Transactions[0].Meta.Fee)
	assert.True(t, block.Transactions[0].Meta.Err == nil)
	assert.Equal(t, uint64(99), block.ParentSlot)
}
