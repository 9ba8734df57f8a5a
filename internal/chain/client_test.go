package chain

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

func testClient(t *testing.T, url string) *Client {
	t.Helper()
	owner, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	c, err := NewClient(Config{
		RPCURL:    url,
		TokenMint: solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112"),
		Owner:     owner,
		Retry:     RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond},
	}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return c
}

func TestFetchTransactionNotFoundAfterRetries(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":null}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.FetchTransaction(context.Background(), solana.Signature{})
	if !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestFetchTransactionGatewayUnavailable(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.FetchTransaction(context.Background(), solana.Signature{})
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestFetchTransactionStopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.FetchTransaction(ctx, solana.Signature{})
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
}

func TestBalanceDelta(t *testing.T) {
	payer := solana.MustPublicKeyFromBase58("4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T")
	treasury := solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")
	tx := Transaction{
		Slot:         1234,
		Sender:       payer,
		AccountKeys:  []solana.PublicKey{payer, treasury},
		PreBalances:  []uint64{5_000_000_000, 1_000_000_000},
		PostBalances: []uint64{3_999_995_000, 2_000_000_000},
	}

	got, err := tx.BalanceDelta(treasury)
	if err != nil {
		t.Fatalf("BalanceDelta: %v", err)
	}
	if got != 1_000_000_000 {
		t.Fatalf("expected delta 1000000000, got %d", got)
	}

	got, err = tx.BalanceDelta(payer)
	if err != nil {
		t.Fatalf("BalanceDelta: %v", err)
	}
	if got != -1_000_005_000 {
		t.Fatalf("expected negative payer delta, got %d", got)
	}

	_, err = tx.BalanceDelta(solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"))
	if !errors.Is(err, ErrAddressNotInTransaction) {
		t.Fatalf("expected ErrAddressNotInTransaction, got %v", err)
	}
}

func TestParseTransactionEmptyResponse(t *testing.T) {
	_, err := parseTransaction(solana.Signature{}, nil)
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	_, err = parseTransaction(solana.Signature{}, &rpc.GetTransactionResult{})
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
}
