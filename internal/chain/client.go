// Package chain provides Solana ledger interaction for the presale backend:
// fetching finalized payment transactions, computing balance deltas, and
// minting purchased tokens to buyers.
package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/shibartum/presale-backend/pkg/logger"
)

var (
	// ErrTransactionNotFound reports that the ledger has no record of the
	// signature after the bounded retry window.
	ErrTransactionNotFound = errors.New("chain: transaction not found")
	// ErrGatewayUnavailable reports a transient network-layer failure that
	// persisted through the bounded retry window. Callers may retry.
	ErrGatewayUnavailable = errors.New("chain: ledger gateway unavailable")
	// ErrAddressNotInTransaction reports that the requested address does not
	// participate in the transaction.
	ErrAddressNotInTransaction = errors.New("chain: address not in transaction")
	// ErrTransferFailed reports that the token delivery was rejected before
	// or during execution; no tokens moved.
	ErrTransferFailed = errors.New("chain: token transfer failed")
	// ErrTransferUnconfirmed reports that the token delivery was accepted by
	// the network but confirmation was not observed in time. The mint may
	// have happened; retrying risks double delivery.
	ErrTransferUnconfirmed = errors.New("chain: token transfer unconfirmed")
)

// RetryPolicy bounds the transaction fetch loop. Confirmation latency on the
// ledger is roughly constant, so the delay is fixed rather than exponential.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultRetryPolicy covers the usual propagation window: five attempts two
// seconds apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Delay: 2 * time.Second}
}

// Config holds client configuration. It is constructed once at startup and
// passed in; the client keeps no process-wide state.
type Config struct {
	RPCURL    string
	TokenMint solana.PublicKey
	// Owner signs mint operations and is the default payment recipient.
	Owner solana.PrivateKey
	Retry RetryPolicy
	// ConfirmTimeout bounds how long MintAndDeliver waits for the network to
	// confirm a submitted transaction.
	ConfirmTimeout time.Duration
}

// Client provides Solana RPC client functionality.
type Client struct {
	rpc            *rpc.Client
	owner          solana.PrivateKey
	mint           solana.PublicKey
	retry          RetryPolicy
	confirmTimeout time.Duration
	log            *logger.Logger

	// sleep is swapped out by tests to avoid real delays.
	sleep func(ctx context.Context, d time.Duration) error

	// submitMu serializes transaction submission so concurrent settlements
	// do not race each other on recent blockhashes.
	submitMu sync.Mutex

	decimalsMu     sync.Mutex
	decimalsLoaded bool
	decimals       uint8
}

// NewClient creates a new Solana client.
func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, fmt.Errorf("RPC URL required")
	}
	if cfg.TokenMint.IsZero() {
		return nil, fmt.Errorf("token mint required")
	}
	if len(cfg.Owner) == 0 {
		return nil, fmt.Errorf("owner keypair required")
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("chain")
	}
	return &Client{
		rpc:            rpc.New(cfg.RPCURL),
		owner:          cfg.Owner,
		mint:           cfg.TokenMint,
		retry:          cfg.Retry,
		confirmTimeout: cfg.ConfirmTimeout,
		log:            log,
		sleep:          sleepContext,
	}, nil
}

// OwnerAddress returns the address that signs mints and receives payments.
func (c *Client) OwnerAddress() string {
	return c.owner.PublicKey().String()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// FetchTransaction retrieves a finalized transaction from the ledger. A null
// response from the node is indistinguishable from propagation lag, so
// not-found participates in the bounded retry; after the bound it surfaces as
// ErrTransactionNotFound, while persistent transport failures surface as
// ErrGatewayUnavailable. Malformed signatures never reach this call.
func (c *Client) FetchTransaction(ctx context.Context, sig solana.Signature) (Transaction, error) {
	maxVersion := uint64(0)
	opts := &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	}

	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		out, err := c.rpc.GetTransaction(ctx, sig, opts)
		if err == nil {
			return parseTransaction(sig, out)
		}
		lastErr = err

		if ctx.Err() != nil {
			return Transaction{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, ctx.Err())
		}
		if attempt < c.retry.MaxAttempts {
			c.log.WithField("signature", sig.String()).
				WithField("attempt", attempt).
				WithError(err).
				Debug("transaction fetch retry")
			if err := c.sleep(ctx, c.retry.Delay); err != nil {
				return Transaction{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
			}
		}
	}

	if errors.Is(lastErr, rpc.ErrNotFound) {
		return Transaction{}, fmt.Errorf("%w: %s", ErrTransactionNotFound, sig)
	}
	return Transaction{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, lastErr)
}
