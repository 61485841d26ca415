// Package txn runs marketplace operations as nested transaction frames.
//
// A top-level operation takes the serializer, opens a ledger transaction and
// stores its frame in the context. Calls that re-enter the marketplace with
// that context (from asset-transfer or payment hooks) open child frames on
// the same transaction. Rolling a frame back undoes everything done since it
// opened: ledger writes (through savepoints), collaborator state registered
// with OnRollback, and buffered events. Events leave the frame only when the
// top-level frame commits.
package txn

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanyoungcy/nftmarketplace/internal/domain"
)

type ctxKey struct{}

// ErrFrameDone is returned when a finished frame is committed or rolled back
// again.
var ErrFrameDone = errors.New("txn: frame already finished")

// Manager opens frames over a ledger.
type Manager struct {
	ledger     domain.Ledger
	serializer Serializer
}

// NewManager creates a Manager. A nil serializer defaults to an in-process
// MutexSerializer.
func NewManager(ledger domain.Ledger, serializer Serializer) *Manager {
	if serializer == nil {
		serializer = NewMutexSerializer()
	}
	return &Manager{ledger: ledger, serializer: serializer}
}

// root is the state shared by every frame of one top-level operation.
type root struct {
	undo   []func()
	events []domain.Event
	unlock func()
}

// Frame is one level of a (possibly nested) marketplace transaction.
type Frame struct {
	parent    *Frame
	root      *root
	tx        domain.LedgerTx
	undoMark  int
	eventMark int
	done      bool
}

// Begin opens a frame. When ctx already carries a live frame the new frame
// is nested inside it; otherwise Begin waits for the serializer and starts a
// new top-level transaction.
func (m *Manager) Begin(ctx context.Context) (context.Context, *Frame, error) {
	if parent := FromContext(ctx); parent != nil && !parent.done {
		tx, err := parent.tx.Begin(ctx)
		if err != nil {
			return ctx, nil, fmt.Errorf("txn: begin nested: %w", err)
		}
		f := &Frame{
			parent:    parent,
			root:      parent.root,
			tx:        tx,
			undoMark:  len(parent.root.undo),
			eventMark: len(parent.root.events),
		}
		return context.WithValue(ctx, ctxKey{}, f), f, nil
	}

	unlock, err := m.serializer.Lock(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("txn: serialize: %w", err)
	}
	tx, err := m.ledger.Begin(ctx)
	if err != nil {
		unlock()
		return ctx, nil, fmt.Errorf("txn: begin: %w", err)
	}
	f := &Frame{
		root: &root{unlock: unlock},
		tx:   tx,
	}
	return context.WithValue(ctx, ctxKey{}, f), f, nil
}

// FromContext returns the frame stored in ctx, or nil.
func FromContext(ctx context.Context) *Frame {
	f, _ := ctx.Value(ctxKey{}).(*Frame)
	return f
}

// OnRollback registers undo to run if the current frame in ctx (or any
// enclosing frame) rolls back. It is a no-op outside a frame.
func OnRollback(ctx context.Context, undo func()) {
	if f := FromContext(ctx); f != nil && !f.done {
		f.OnRollback(undo)
	}
}

// Nested reports whether f runs inside another frame.
func (f *Frame) Nested() bool { return f.parent != nil }

// Tx returns the frame's ledger transaction.
func (f *Frame) Tx() domain.LedgerTx { return f.tx }

// OnRollback registers undo for this frame.
func (f *Frame) OnRollback(undo func()) {
	f.root.undo = append(f.root.undo, undo)
}

// Emit buffers an event until the top-level frame commits.
func (f *Frame) Emit(ev domain.Event) {
	f.root.events = append(f.root.events, ev)
}

// Commit finishes the frame. A nested commit folds its effects into the
// parent and returns no events. The top-level commit makes the ledger
// transaction durable, releases the serializer and returns the events to
// publish.
func (f *Frame) Commit(ctx context.Context) ([]domain.Event, error) {
	if f.done {
		return nil, ErrFrameDone
	}
	f.done = true

	if err := f.tx.Commit(ctx); err != nil {
		f.undo()
		if f.parent == nil {
			f.root.unlock()
		}
		return nil, fmt.Errorf("txn: commit: %w", err)
	}
	if f.parent != nil {
		return nil, nil
	}

	events := f.root.events
	f.root.events = nil
	f.root.undo = nil
	f.root.unlock()
	return events, nil
}

// Rollback undoes everything done since the frame opened.
func (f *Frame) Rollback(ctx context.Context) error {
	if f.done {
		return ErrFrameDone
	}
	f.done = true

	err := f.tx.Rollback(ctx)
	f.undo()
	if f.parent == nil {
		f.root.unlock()
	}
	if err != nil {
		return fmt.Errorf("txn: rollback: %w", err)
	}
	return nil
}

// undo runs registered undo functions newest first back to the frame's mark
// and drops the frame's buffered events.
func (f *Frame) undo() {
	for i := len(f.root.undo) - 1; i >= f.undoMark; i-- {
		f.root.undo[i]()
	}
	f.root.undo = f.root.undo[:f.undoMark]
	f.root.events = f.root.events[:f.eventMark]
}
