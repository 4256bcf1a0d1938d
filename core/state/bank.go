package state

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"escrowledger/storage"
)

var (
	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	// ErrBalanceOverflow is returned when a credit would exceed 2^256-1.
	ErrBalanceOverflow = errors.New("bank: balance overflow")
)

func (m *Manager) balance(addr [20]byte) (*uint256.Int, error) {
	data, err := m.db.Get(balanceKey(addr))
	if errors.Is(err, storage.ErrNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) > 32 {
		return nil, fmt.Errorf("bank: corrupted balance for %x", addr)
	}
	return new(uint256.Int).SetBytes(data), nil
}

func (m *Manager) setBalance(addr [20]byte, value *uint256.Int) error {
	if value.IsZero() {
		return m.db.Delete(balanceKey(addr))
	}
	return m.db.Put(balanceKey(addr), value.Bytes())
}

// Balance returns the balance held by addr.
func (m *Manager) Balance(addr [20]byte) (*uint256.Int, error) {
	return m.balance(addr)
}

// Credit mints amount into addr. Used by genesis allocation.
func (m *Manager) Credit(addr [20]byte, amount uint64) error {
	current, err := m.balance(addr)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(current, uint256.NewInt(amount))
	if overflow {
		return ErrBalanceOverflow
	}
	return m.setBalance(addr, next)
}

// Transfer moves amount from one account to another. Nothing is written when
// the sender cannot cover the amount.
func (m *Manager) Transfer(from, to [20]byte, amount uint64) error {
	if amount == 0 || from == to {
		return nil
	}
	value := uint256.NewInt(amount)
	src, err := m.balance(from)
	if err != nil {
		return err
	}
	if src.Lt(value) {
		return fmt.Errorf("%w: have %s, need %d", ErrInsufficientBalance, src.Dec(), amount)
	}
	dst, err := m.balance(to)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(dst, value)
	if overflow {
		return ErrBalanceOverflow
	}
	if err := m.setBalance(from, new(uint256.Int).Sub(src, value)); err != nil {
		return err
	}
	return m.setBalance(to, next)
}

// Supply sums every account balance, the vault included.
func (m *Manager) Supply() (*uint256.Int, error) {
	total := new(uint256.Int)
	var overflow bool
	err := m.db.Iterate(balancePrefix, func(_, value []byte) bool {
		var of bool
		total, of = total.AddOverflow(total, new(uint256.Int).SetBytes(value))
		overflow = overflow || of
		return true
	})
	if err != nil {
		return nil, err
	}
	if overflow {
		return nil, ErrBalanceOverflow
	}
	return total, nil
}
