// Package payment holds native-value wallets in process. The marketplace
// collects buyer payments into its custody account and pays sellers out of
// it; accounts with a receive hook run code when value arrives.
package payment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftmarketplace/internal/domain"
	"github.com/alanyoungcy/nftmarketplace/internal/txn"
)

// ErrRejected is returned when a receive hook refuses a payment.
var ErrRejected = errors.New("recipient rejected payment")

// Payable is implemented by accounts that run code on receiving value. The
// hook runs after the balance has moved; an error reverts the payment.
type Payable interface {
	OnPayment(ctx context.Context, from common.Address, amount *big.Int) error
}

// PayableFunc adapts a function to Payable.
type PayableFunc func(ctx context.Context, from common.Address, amount *big.Int) error

func (f PayableFunc) OnPayment(ctx context.Context, from common.Address, amount *big.Int) error {
	return f(ctx, from, amount)
}

// Wallets tracks balances per account. custody is the marketplace account
// that holds collected payments until sellers withdraw.
type Wallets struct {
	custody common.Address

	mu       sync.RWMutex
	balances map[common.Address]*big.Int
	hooks    map[common.Address]Payable
}

// NewWallets creates empty wallets with custody as the marketplace account.
func NewWallets(custody common.Address) *Wallets {
	return &Wallets{
		custody:  custody,
		balances: make(map[common.Address]*big.Int),
		hooks:    make(map[common.Address]Payable),
	}
}

// Custody returns the marketplace account.
func (w *Wallets) Custody() common.Address { return w.custody }

// Balance returns the account's balance.
func (w *Wallets) Balance(account common.Address) *big.Int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if b, ok := w.balances[account]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// SetHook registers the code run when account receives value. A nil hook
// removes it.
func (w *Wallets) SetHook(account common.Address, hook Payable) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if hook == nil {
		delete(w.hooks, account)
		return
	}
	w.hooks[account] = hook
}

// Deposit credits account with newly created value.
func (w *Wallets) Deposit(ctx context.Context, account common.Address, amount *big.Int) (*big.Int, error) {
	if err := checkAmount(amount); err != nil {
		return nil, fmt.Errorf("payment: deposit: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	sum, err := domain.AddAmounts(w.balances[account], amount)
	if err != nil {
		return nil, fmt.Errorf("payment: deposit: %w", err)
	}
	w.balances[account] = sum

	minted := new(big.Int).Neg(amount)
	txn.OnRollback(ctx, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.addLocked(account, minted)
	})
	return new(big.Int).Set(sum), nil
}

// Collect moves amount from a buyer into custody. It implements
// domain.PaymentIntake; the funds move here, so ref is ignored.
func (w *Wallets) Collect(ctx context.Context, from common.Address, amount *big.Int, _ string) error {
	if _, err := w.move(ctx, from, w.custody, amount); err != nil {
		return fmt.Errorf("payment: collect: %w", err)
	}
	return nil
}

// Refund returns amount from custody to a buyer without running hooks.
func (w *Wallets) Refund(ctx context.Context, to common.Address, amount *big.Int) error {
	if _, err := w.move(ctx, w.custody, to, amount); err != nil {
		return fmt.Errorf("payment: refund: %w", err)
	}
	return nil
}

// Send pays amount out of custody. It implements domain.PaymentChannel. The
// recipient's hook runs with no wallet lock held, so it may call back into
// the marketplace; a hook error reverts the payment.
func (w *Wallets) Send(ctx context.Context, to common.Address, amount *big.Int) error {
	restore, err := w.move(ctx, w.custody, to, amount)
	if err != nil {
		return fmt.Errorf("payment: send: %w", err)
	}

	w.mu.RLock()
	hook := w.hooks[to]
	w.mu.RUnlock()
	if hook == nil {
		return nil
	}
	if err := hook.OnPayment(ctx, w.custody, new(big.Int).Set(amount)); err != nil {
		restore()
		return fmt.Errorf("payment: send: %w: %w", ErrRejected, err)
	}
	return nil
}

// move debits from and credits to, returning a function that reverses the
// move. The reversal applies the inverse delta rather than restoring
// snapshots, so moves made on the same accounts in the meantime survive
// it. It runs at most once.
func (w *Wallets) move(ctx context.Context, from, to common.Address, amount *big.Int) (func(), error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	if amount.Sign() == 0 {
		return func() {}, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	fromBal := w.balances[from]
	if fromBal == nil || fromBal.Cmp(amount) < 0 {
		return nil, domain.ErrInsufficient
	}
	toBal, err := domain.AddAmounts(w.balances[to], amount)
	if err != nil {
		return nil, err
	}
	if from == to {
		return func() {}, nil
	}

	w.balances[from] = new(big.Int).Sub(fromBal, amount)
	w.balances[to] = toBal

	delta := new(big.Int).Set(amount)
	var once sync.Once
	restore := func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			w.addLocked(to, new(big.Int).Neg(delta))
			w.addLocked(from, delta)
		})
	}
	txn.OnRollback(ctx, restore)
	return restore, nil
}

// addLocked adds delta to account's balance, dropping the entry when it
// reaches zero. Called with w.mu held.
func (w *Wallets) addLocked(account common.Address, delta *big.Int) {
	sum := new(big.Int).Set(delta)
	if b, ok := w.balances[account]; ok {
		sum.Add(sum, b)
	}
	if sum.Sign() == 0 {
		delete(w.balances, account)
		return
	}
	w.balances[account] = sum
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("invalid amount %v", amount)
	}
	if amount.Cmp(domain.MaxAmount) > 0 {
		return domain.ErrOverflow
	}
	return nil
}

var (
	_ domain.PaymentChannel = (*Wallets)(nil)
	_ domain.PaymentIntake  = (*Wallets)(nil)
)
