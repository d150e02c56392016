package state

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"vmarket/core/types"
)

// storedAccount is the on-disk layout of an account record.
type storedAccount struct {
	Balance *uint256.Int
	Pending *uint256.Int
}

// GetAccount loads the account stored under addr. Missing accounts come back
// zero-valued: entries exist implicitly and persist even at zero.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	if len(addr) == 0 {
		return nil, fmt.Errorf("state: address must not be empty")
	}
	data, ok, err := m.get(accountKey(addr))
	if err != nil {
		return nil, err
	}
	account := types.NewAccount()
	if !ok || len(data) == 0 {
		return account, nil
	}
	stored := new(storedAccount)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, fmt.Errorf("state: decode account: %w", err)
	}
	if stored.Balance != nil {
		account.Balance = stored.Balance.ToBig()
	}
	if stored.Pending != nil {
		account.Pending = stored.Pending.ToBig()
	}
	return account, nil
}

// PutAccount persists the account record under addr. Balances must be
// non-negative and fit 256 bits.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if len(addr) == 0 {
		return fmt.Errorf("state: address must not be empty")
	}
	if account == nil {
		return fmt.Errorf("state: account must not be nil")
	}
	balance, err := packAmount(account.Balance)
	if err != nil {
		return fmt.Errorf("state: balance: %w", err)
	}
	pending, err := packAmount(account.Pending)
	if err != nil {
		return fmt.Errorf("state: pending balance: %w", err)
	}
	encoded, err := rlp.EncodeToBytes(&storedAccount{Balance: balance, Pending: pending})
	if err != nil {
		return fmt.Errorf("state: encode account: %w", err)
	}
	m.set(accountKey(addr), encoded)
	return nil
}

func packAmount(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return uint256.NewInt(0), nil
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	packed, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("amount exceeds 256 bits")
	}
	return packed, nil
}
