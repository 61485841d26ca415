package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind names a marketplace notification.
type EventKind string

const (
	EventItemListed        EventKind = "ItemListed"
	EventItemBought        EventKind = "ItemBought"
	EventItemCanceled      EventKind = "ItemCanceled"
	EventItemUpdated       EventKind = "ItemUpdated"
	EventProceedsWithdrawn EventKind = "ProceedsWithdrawn"
	EventTransferPending   EventKind = "TransferPending"
)

// Event is a notification emitted by a committed marketplace operation.
// Account is the seller for ItemListed/ItemCanceled/ItemUpdated, the buyer
// for ItemBought, and the withdrawing seller for ProceedsWithdrawn.
// TransferPending follows ItemBought or ProceedsWithdrawn when the asset or
// payout was submitted but not confirmed; Ref then names the transfer.
// Amount is the price, paid amount, or withdrawn amount; it is nil for
// ItemCanceled.
type Event struct {
	ID         string         `json:"id"`
	Kind       EventKind      `json:"kind"`
	Account    common.Address `json:"account"`
	Collection common.Address `json:"collection"`
	AssetID    *big.Int       `json:"asset_id,omitempty"`
	Amount     *big.Int       `json:"amount,omitempty"`
	Ref        string         `json:"ref,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Key returns the asset key the event refers to.
func (e Event) Key() AssetKey {
	return NewAssetKey(e.Collection, e.AssetID)
}

// Bus names carrying committed events as JSON.
const (
	ChannelMarketEvents = "market:events"
	StreamMarketEvents  = "market:events:stream"
)
