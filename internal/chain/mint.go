package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
)

// confirmPollInterval is how often MintAndDeliver polls signature status
// while waiting for confirmation.
const confirmPollInterval = 2 * time.Second

// MintAndDeliver mints amount tokens (whole token units) to the recipient
// wallet, creating the associated token account when it does not exist yet.
// It returns the mint transaction signature on success.
//
// Failure modes are distinguished for the caller: ErrTransferFailed means the
// transaction was rejected before or during execution and no tokens moved,
// while ErrTransferUnconfirmed means the transaction was accepted but its
// confirmation was not observed before the timeout. The latter must not be
// retried blindly because the mint may have landed.
func (c *Client) MintAndDeliver(ctx context.Context, recipient solana.PublicKey, amount decimal.Decimal) (solana.Signature, error) {
	decimals, err := c.mintDecimals(ctx)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: mint decimals: %v", ErrTransferFailed, err)
	}

	baseUnits := amount.Shift(int32(decimals))
	if !baseUnits.IsInteger() || !baseUnits.IsPositive() {
		return solana.Signature{}, fmt.Errorf("%w: amount %s not representable in %d decimals", ErrTransferFailed, amount, decimals)
	}
	rawAmount := baseUnits.BigInt()
	if !rawAmount.IsUint64() {
		return solana.Signature{}, fmt.Errorf("%w: amount %s overflows token units", ErrTransferFailed, amount)
	}

	ata, _, err := solana.FindAssociatedTokenAddress(recipient, c.mint)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: derive token account: %v", ErrTransferFailed, err)
	}

	var instrs []solana.Instruction
	exists, err := c.accountExists(ctx, ata)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: check token account: %v", ErrTransferFailed, err)
	}
	if !exists {
		createIx, err := associatedtokenaccount.NewCreateInstruction(
			c.owner.PublicKey(),
			recipient,
			c.mint,
		).ValidateAndBuild()
		if err != nil {
			return solana.Signature{}, fmt.Errorf("%w: build create account: %v", ErrTransferFailed, err)
		}
		instrs = append(instrs, createIx)
	}

	mintIx, err := token.NewMintToInstruction(
		rawAmount.Uint64(),
		c.mint,
		ata,
		c.owner.PublicKey(),
		nil,
	).ValidateAndBuild()
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: build mint: %v", ErrTransferFailed, err)
	}
	instrs = append(instrs, mintIx)

	c.submitMu.Lock()
	sig, err := c.submit(ctx, instrs)
	c.submitMu.Unlock()
	if err != nil {
		return solana.Signature{}, err
	}

	if err := c.awaitConfirmation(ctx, sig); err != nil {
		return sig, err
	}

	c.log.WithField("signature", sig.String()).
		WithField("recipient", recipient.String()).
		WithField("amount", amount.String()).
		Info("tokens minted")
	return sig, nil
}

func (c *Client) submit(ctx context.Context, instrs []solana.Instruction) (solana.Signature, error) {
	bh, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: latest blockhash: %v", ErrTransferFailed, err)
	}

	tx, err := solana.NewTransaction(
		instrs,
		bh.Value.Blockhash,
		solana.TransactionPayer(c.owner.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: build transaction: %v", ErrTransferFailed, err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(c.owner.PublicKey()) {
			return &c.owner
		}
		return nil
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("%w: sign transaction: %v", ErrTransferFailed, err)
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: send: %v", ErrTransferFailed, err)
	}
	return sig, nil
}

// awaitConfirmation polls signature status until the transaction is confirmed
// or the confirm timeout elapses. A status error means the transaction landed
// and failed on chain; a timeout means its fate is unknown.
func (c *Client) awaitConfirmation(ctx context.Context, sig solana.Signature) error {
	deadline := time.Now().Add(c.confirmTimeout)
	for {
		statuses, err := c.rpc.GetSignatureStatuses(ctx, false, sig)
		if err == nil && statuses != nil && len(statuses.Value) > 0 && statuses.Value[0] != nil {
			st := statuses.Value[0]
			if st.Err != nil {
				return fmt.Errorf("%w: on-chain error: %v", ErrTransferFailed, st.Err)
			}
			switch st.ConfirmationStatus {
			case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
				return nil
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: no confirmation for %s within %s", ErrTransferUnconfirmed, sig, c.confirmTimeout)
		}
		if err := c.sleep(ctx, confirmPollInterval); err != nil {
			return fmt.Errorf("%w: %v", ErrTransferUnconfirmed, err)
		}
	}
}

func (c *Client) accountExists(ctx context.Context, addr solana.PublicKey) (bool, error) {
	out, err := c.rpc.GetAccountInfo(ctx, addr)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return out != nil && out.Value != nil, nil
}

// mintDecimals loads and caches the token mint's decimal count. The value is
// immutable on chain, so one fetch per process lifetime is enough.
func (c *Client) mintDecimals(ctx context.Context) (uint8, error) {
	c.decimalsMu.Lock()
	defer c.decimalsMu.Unlock()
	if c.decimalsLoaded {
		return c.decimals, nil
	}

	out, err := c.rpc.GetAccountInfo(ctx, c.mint)
	if err != nil {
		return 0, fmt.Errorf("fetch mint account: %w", err)
	}
	if out == nil || out.Value == nil {
		return 0, fmt.Errorf("mint account %s not found", c.mint)
	}

	var m token.Mint
	if err := bin.NewBinDecoder(out.Value.Data.GetBinary()).Decode(&m); err != nil {
		return 0, fmt.Errorf("decode mint account: %w", err)
	}
	c.decimals = m.Decimals
	c.decimalsLoaded = true
	return c.decimals, nil
}

// TokenSupply returns the current total supply of the presale token in whole
// token units.
func (c *Client) TokenSupply(ctx context.Context) (decimal.Decimal, error) {
	out, err := c.rpc.GetTokenSupply(ctx, c.mint, rpc.CommitmentConfirmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("token supply: %w", err)
	}
	if out == nil || out.Value == nil {
		return decimal.Zero, fmt.Errorf("token supply: empty response")
	}
	raw, err := decimal.NewFromString(out.Value.Amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("token supply: parse %q: %w", out.Value.Amount, err)
	}
	return raw.Shift(-int32(out.Value.Decimals)), nil
}
