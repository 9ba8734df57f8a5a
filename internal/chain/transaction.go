package chain

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Transaction is the decoded view of a ledger transaction that payment
// verification needs: who participated, how lamport balances moved, and
// whether on-chain execution succeeded.
type Transaction struct {
	Signature solana.Signature
	// Slot is the ledger position the transaction landed in. It serves as
	// the durable proof-of-payment reference.
	Slot uint64
	// Failed is true when the transaction executed but its program errored.
	Failed        bool
	FailureDetail string
	// Sender is the fee payer, account_keys[0]. Payment claims are bound to
	// it when checking who paid.
	Sender       solana.PublicKey
	AccountKeys  []solana.PublicKey
	PreBalances  []uint64
	PostBalances []uint64
}

func parseTransaction(sig solana.Signature, out *rpc.GetTransactionResult) (Transaction, error) {
	if out == nil || out.Meta == nil {
		return Transaction{}, fmt.Errorf("%w: empty transaction response", ErrGatewayUnavailable)
	}
	decoded, err := out.Transaction.GetTransaction()
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: decode transaction: %v", ErrGatewayUnavailable, err)
	}
	if len(decoded.Message.AccountKeys) == 0 {
		return Transaction{}, fmt.Errorf("%w: transaction has no account keys", ErrGatewayUnavailable)
	}

	tx := Transaction{
		Signature:    sig,
		Slot:         out.Slot,
		Sender:       decoded.Message.AccountKeys[0],
		AccountKeys:  decoded.Message.AccountKeys,
		PreBalances:  out.Meta.PreBalances,
		PostBalances: out.Meta.PostBalances,
	}
	if out.Meta.Err != nil {
		tx.Failed = true
		tx.FailureDetail = fmt.Sprintf("%v", out.Meta.Err)
	}
	return tx, nil
}

// BalanceDelta returns the lamport balance change of the given address in
// this transaction. Positive means the address received funds. It returns
// ErrAddressNotInTransaction when the address is not among the account keys.
func (t Transaction) BalanceDelta(address solana.PublicKey) (int64, error) {
	for i, key := range t.AccountKeys {
		if !key.Equals(address) {
			continue
		}
		if i >= len(t.PreBalances) || i >= len(t.PostBalances) {
			return 0, fmt.Errorf("%w: balance arrays truncated at index %d", ErrGatewayUnavailable, i)
		}
		return int64(t.PostBalances[i]) - int64(t.PreBalances[i]), nil
	}
	return 0, fmt.Errorf("%w: %s", ErrAddressNotInTransaction, address)
}
