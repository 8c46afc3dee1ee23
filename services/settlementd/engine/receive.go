package engine

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"nftledger/services/settlementd/chain"
	serrors "nftledger/services/settlementd/errors"
)

// EventTransfer is the token contract's transfer event as relayed by the
// worker. The other event types are the exchange contract's.
const EventTransfer = "Transfer"

// Delivery is the worker's callback body.
type Delivery struct {
	EventType string          `json:"eventType"`
	Hash      string          `json:"hash"`
	Data      json.RawMessage `json:"data"`
}

// ChainEvent is a decoded worker delivery. Each event type has its own
// concrete type; dispatch switches on it once.
type ChainEvent interface {
	EventType() string
}

// MintedEvent confirms a purchase.
type MintedEvent struct {
	TransactionID string
	Buyer         string
	TokenIDs      []string
}

// AdminMintedEvent confirms an admin mint.
type AdminMintedEvent struct {
	TransactionID string
	Receiver      string
	TokenIDs      []string
}

// TransferEvent is one token changing hands.
type TransferEvent struct {
	From    string
	To      string
	TokenID string
}

// EventCanceledEvent confirms an event cancellation.
type EventCanceledEvent struct {
	TransactionID string
	EventID       string
}

// DepositedEvent confirms a deposit.
type DepositedEvent struct {
	TransactionID string
	Account       string
}

// PermissionUpdateEvent reports an admin role change. When it carries a
// transaction id it also confirms the admin action that requested it.
type PermissionUpdateEvent struct {
	TransactionID string
	Account       string
	Roles         []string
}

// RedemptionEvent confirms one redemption lifecycle step.
type RedemptionEvent struct {
	Name          string
	TransactionID string
	Owner         string
	TokenIDs      []string
}

func (MintedEvent) EventType() string           { return chain.EventMinted }
func (AdminMintedEvent) EventType() string      { return chain.EventAdminMinted }
func (TransferEvent) EventType() string         { return EventTransfer }
func (EventCanceledEvent) EventType() string    { return chain.EventCanceled }
func (DepositedEvent) EventType() string        { return chain.EventDeposited }
func (PermissionUpdateEvent) EventType() string { return chain.EventPermissionUpdated }
func (e RedemptionEvent) EventType() string     { return e.Name }

// Receive is the worker entry point: the delivery is decoded once into its
// concrete event and settled with synced_at stamping.
func (e *Engine) Receive(ctx context.Context, d Delivery) (*Result, error) {
	ev, err := DecodeDelivery(d)
	if err != nil {
		return nil, err
	}
	return e.dispatch(ctx, ev, d.Hash, true)
}

func (e *Engine) dispatch(ctx context.Context, ev ChainEvent, hash string, fromWorker bool) (*Result, error) {
	switch ev := ev.(type) {
	case MintedEvent:
		return e.SettleBuy(ctx, Confirmation{TransactionID: ev.TransactionID, Hash: hash, TokenIDs: ev.TokenIDs, Account: ev.Buyer, FromWorker: fromWorker})
	case AdminMintedEvent:
		return e.SettleAdminMint(ctx, Confirmation{TransactionID: ev.TransactionID, Hash: hash, TokenIDs: ev.TokenIDs, Account: ev.Receiver, FromWorker: fromWorker})
	case TransferEvent:
		return e.SettleTransfer(ctx, TransferConfirmation{Hash: hash, TokenID: ev.TokenID, From: ev.From, To: ev.To, FromWorker: fromWorker})
	case EventCanceledEvent:
		return e.SettleCancelEvent(ctx, Confirmation{TransactionID: ev.TransactionID, Hash: hash, FromWorker: fromWorker})
	case DepositedEvent:
		return e.SettleDeposit(ctx, Confirmation{TransactionID: ev.TransactionID, Hash: hash, Account: ev.Account, FromWorker: fromWorker})
	case PermissionUpdateEvent:
		if ev.TransactionID != "" {
			return e.SettleAdminAction(ctx, Confirmation{TransactionID: ev.TransactionID, Hash: hash, FromWorker: fromWorker})
		}
		if err := e.SyncPermissions(ctx, ev.Account, ev.Roles); err != nil {
			return nil, err
		}
		return &Result{Skipped: true}, nil
	case RedemptionEvent:
		return e.SettleRedemption(ctx, Confirmation{TransactionID: ev.TransactionID, Hash: hash, Account: ev.Owner, FromWorker: fromWorker})
	}
	return nil, serrors.New(serrors.CodeValidation, "dispatch", "unsupported event %T", ev)
}

// wireEvent is the union of every field a worker may send.
type wireEvent struct {
	TransactionID string       `json:"transactionId"`
	Buyer         string       `json:"buyer"`
	Receiver      string       `json:"receiver"`
	Account       string       `json:"account"`
	Owner         string       `json:"owner"`
	From          string       `json:"from"`
	To            string       `json:"to"`
	EventID       string       `json:"eventId"`
	TokenID       flexString   `json:"tokenId"`
	TokenIDs      []flexString `json:"tokenIds"`
	Roles         []string     `json:"roles"`
}

// DecodeDelivery turns a worker delivery into its concrete event. bytes32
// identifiers may arrive hex encoded; unknown event types are rejected.
func DecodeDelivery(d Delivery) (ChainEvent, error) {
	if strings.TrimSpace(d.Hash) == "" {
		return nil, serrors.New(serrors.CodeValidation, "decode delivery", "hash required")
	}
	var w wireEvent
	if len(bytes.TrimSpace(d.Data)) > 0 {
		if err := json.Unmarshal(d.Data, &w); err != nil {
			return nil, serrors.Wrap(serrors.CodeValidation, "decode delivery", err)
		}
	}
	txID, err := decodeID(w.TransactionID)
	if err != nil {
		return nil, err
	}
	tokens := make([]string, 0, len(w.TokenIDs))
	for _, t := range w.TokenIDs {
		tokens = append(tokens, string(t))
	}

	var ev ChainEvent
	switch d.EventType {
	case chain.EventMinted:
		ev = MintedEvent{TransactionID: txID, Buyer: w.Buyer, TokenIDs: tokens}
	case chain.EventAdminMinted:
		ev = AdminMintedEvent{TransactionID: txID, Receiver: w.Receiver, TokenIDs: tokens}
	case EventTransfer:
		return TransferEvent{From: w.From, To: w.To, TokenID: string(w.TokenID)}, nil
	case chain.EventCanceled:
		eventID, err := decodeID(w.EventID)
		if err != nil {
			return nil, err
		}
		ev = EventCanceledEvent{TransactionID: txID, EventID: eventID}
	case chain.EventDeposited:
		ev = DepositedEvent{TransactionID: txID, Account: w.Account}
	case chain.EventPermissionUpdated:
		roles := make([]string, 0, len(w.Roles))
		for _, r := range w.Roles {
			id, err := decodeID(r)
			if err != nil {
				return nil, err
			}
			roles = append(roles, id)
		}
		if txID == "" && w.Account == "" {
			return nil, serrors.New(serrors.CodeValidation, "decode delivery", "permission update needs an account")
		}
		return PermissionUpdateEvent{TransactionID: txID, Account: w.Account, Roles: roles}, nil
	case chain.EventRedemptionSubmitted, chain.EventRedemptionCanceled, chain.EventRedemptionApproved:
		ev = RedemptionEvent{Name: d.EventType, TransactionID: txID, Owner: w.Owner, TokenIDs: tokens}
	default:
		return nil, serrors.New(serrors.CodeValidation, "decode delivery", "unknown event type %q", d.EventType)
	}
	if txID == "" {
		return nil, serrors.New(serrors.CodeValidation, "decode delivery", "%s without transaction id", d.EventType)
	}
	return ev, nil
}

// fromDecoded maps a chain log onto the same event types the worker path
// produces.
func fromDecoded(d chain.DecodedEvent) (ChainEvent, error) {
	var account string
	if d.Account != (common.Address{}) {
		account = strings.ToLower(d.Account.Hex())
	}
	switch d.Name {
	case chain.EventMinted:
		return MintedEvent{TransactionID: d.TransactionID, Buyer: account, TokenIDs: d.TokenIDs}, nil
	case chain.EventAdminMinted:
		return AdminMintedEvent{TransactionID: d.TransactionID, Receiver: account, TokenIDs: d.TokenIDs}, nil
	case chain.EventCanceled:
		return EventCanceledEvent{TransactionID: d.TransactionID, EventID: d.TargetID}, nil
	case chain.EventDeposited:
		return DepositedEvent{TransactionID: d.TransactionID, Account: account}, nil
	case chain.EventPermissionUpdated:
		return PermissionUpdateEvent{TransactionID: d.TransactionID, Account: account, Roles: d.Roles}, nil
	case chain.EventRedemptionSubmitted, chain.EventRedemptionCanceled, chain.EventRedemptionApproved:
		return RedemptionEvent{Name: d.Name, TransactionID: d.TransactionID, Owner: account, TokenIDs: d.TokenIDs}, nil
	}
	return nil, serrors.New(serrors.CodeDataError, "decode event", "unexpected exchange event %s", d.Name)
}

// decodeID accepts a plain identifier or a 0x-prefixed bytes32 word.
func decodeID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) != 66 || !strings.HasPrefix(raw, "0x") {
		return raw, nil
	}
	b, err := hex.DecodeString(raw[2:])
	if err != nil {
		return "", serrors.New(serrors.CodeValidation, "decode id", "invalid bytes32 %q", raw)
	}
	var w [32]byte
	copy(w[:], b)
	return chain.Bytes32ToID(w), nil
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
