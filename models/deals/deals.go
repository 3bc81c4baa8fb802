// Package deals owns the deal aggregate: the record both parties agree
// on, its stage machine and everything the engine needs to decide the
// next transition.
package deals

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gitlab.com/arcanecrypto/swapd/build"
	"gitlab.com/arcanecrypto/swapd/chain"
)

var log = build.AddSubLogger("DEAL")

// Stage is where a deal is in its lifecycle
type Stage string

const (
	// CREATED means the deal exists but at least one party has not
	// submitted their details yet
	CREATED Stage = "CREATED"
	// COLLECTION means both escrows exist and we're waiting for funds
	COLLECTION Stage = "COLLECTION"
	// WAITING means both sides funded and payouts are in flight
	WAITING Stage = "WAITING"
	// CLOSED means every payout completed
	CLOSED Stage = "CLOSED"
	// REVERTED means the deal failed and deposits are refunded
	REVERTED Stage = "REVERTED"
)

// Terminal reports whether a deal in this stage will never move again
func (s Stage) Terminal() bool {
	return s == CLOSED || s == REVERTED
}

// validTransitions is the stage DAG. COLLECTION re-enters itself on
// deposit arrival, terminal stages are absorbing.
var validTransitions = map[Stage][]Stage{
	CREATED:    {COLLECTION, REVERTED},
	COLLECTION: {COLLECTION, WAITING, REVERTED},
	WAITING:    {CLOSED, REVERTED},
}

// CanTransition reports whether moving from one stage to the other is
// legal
func CanTransition(from, to Stage) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Party identifies one of the two sides of a deal
type Party string

const (
	PartyA Party = "A"
	PartyB Party = "B"
)

// Valid reports whether p is one of the two defined parties
func (p Party) Valid() bool {
	return p == PartyA || p == PartyB
}

// Counterparty returns the other side
func (p Party) Counterparty() Party {
	if p == PartyA {
		return PartyB
	}
	return PartyA
}

// AssetSpec is what one side sends: an amount of an asset on a chain
type AssetSpec struct {
	ChainID   string          `json:"chainId"`
	AssetCode string          `json:"assetCode"`
	Amount    decimal.Decimal `json:"amount"`
}

// PartyDetails is the information a party submits through their invite
// link. Once stored it is locked and never mutated.
type PartyDetails struct {
	PaybackAddress   string    `db:"payback_address" json:"paybackAddress"`
	RecipientAddress string    `db:"recipient_address" json:"recipientAddress"`
	Email            *string   `db:"email" json:"email,omitempty"`
	FilledAt         time.Time `db:"filled_at" json:"filledAt"`
}

// Escrow is the broker-custodied account receiving one side's deposit
type Escrow struct {
	Address string `db:"address" json:"address"`
	KeyRef  string `db:"key_ref" json:"-"`
}

// CommissionKind selects how a side's commission is computed
type CommissionKind string

const (
	// FixedUSDNative is a fixed USD amount converted to the chain's
	// native asset at the price pinned when collection starts
	FixedUSDNative CommissionKind = "FIXED_USD_NATIVE"
	// PercentBps is basis points of the send amount, always denominated
	// in the send asset
	PercentBps CommissionKind = "PERCENT_BPS"
)

// CommissionReq describes the commission one side owes. For
// FixedUSDNative the NativeFixed amount and OracleQuote are frozen
// when the deal enters COLLECTION and never touched after that.
type CommissionReq struct {
	Kind             CommissionKind   `json:"kind"`
	USDFixed         decimal.Decimal  `json:"usdFixed,omitempty"`
	NativeFixed      *decimal.Decimal `json:"nativeFixed,omitempty"`
	OracleQuote      *chain.Quote     `json:"oracleQuote,omitempty"`
	PercentBps       int64            `json:"percentBps,omitempty"`
	// CoveredBySurplus is recorded for audit only. Same-asset
	// commissions are always netted against overfunding, native-asset
	// commissions are always funded separately.
	CoveredBySurplus bool `json:"coveredBySurplus"`
}

// Frozen reports whether a FixedUSDNative commission has its native
// amount pinned. PercentBps commissions need no freezing.
func (c CommissionReq) Frozen() bool {
	if c.Kind != FixedUSDNative {
		return true
	}
	return c.NativeFixed != nil
}

// Event is one line of a deal's append-only audit log
type Event struct {
	Timestamp time.Time `db:"ts" json:"timestamp"`
	Message   string    `db:"message" json:"message"`
}

// Deal is the root aggregate
type Deal struct {
	ID             string
	Stage          Stage
	TimeoutSeconds int64
	ExpiresAt      *time.Time

	SideA AssetSpec
	SideB AssetSpec

	CommissionA CommissionReq
	CommissionB CommissionReq

	DetailsA *PartyDetails
	DetailsB *PartyDetails

	EscrowA *Escrow
	EscrowB *Escrow

	Events []Event

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ErrDealNotFound means no deal with the given ID exists
var ErrDealNotFound = errors.New("deal not found")

// ErrDetailsLocked means the party already submitted their details
var ErrDetailsLocked = errors.New("party details are locked and cannot be changed")

// ErrStageConflict means a stage transition lost against a concurrent
// writer or was illegal to begin with
var ErrStageConflict = errors.New("deal stage changed underneath us")

// New builds a fresh deal in CREATED with a random ID
func New(sideA, sideB AssetSpec, timeoutSeconds int64,
	commissionA, commissionB CommissionReq) (Deal, error) {

	if timeoutSeconds < 300 {
		return Deal{}, fmt.Errorf("timeoutSeconds must be at least 300, got %d", timeoutSeconds)
	}
	if !sideA.Amount.IsPositive() || !sideB.Amount.IsPositive() {
		return Deal{}, errors.New("swap amounts must be positive")
	}
	now := time.Now().UTC()
	return Deal{
		ID:             uuid.New().String(),
		Stage:          CREATED,
		TimeoutSeconds: timeoutSeconds,
		SideA:          sideA,
		SideB:          sideB,
		CommissionA:    commissionA,
		CommissionB:    commissionB,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Side returns the asset spec the given party sends
func (d Deal) Side(p Party) AssetSpec {
	if p == PartyA {
		return d.SideA
	}
	return d.SideB
}

// Details returns the given party's submitted details, nil if not yet
// filled
func (d Deal) Details(p Party) *PartyDetails {
	if p == PartyA {
		return d.DetailsA
	}
	return d.DetailsB
}

// Escrow returns the given party's escrow account, nil before their
// details are filled
func (d Deal) Escrow(p Party) *Escrow {
	if p == PartyA {
		return d.EscrowA
	}
	return d.EscrowB
}

// Commission returns the given party's commission requirement
func (d Deal) Commission(p Party) CommissionReq {
	if p == PartyA {
		return d.CommissionA
	}
	return d.CommissionB
}

// BothDetailsFilled reports whether both parties submitted details,
// the guard for entering COLLECTION
func (d Deal) BothDetailsFilled() bool {
	return d.DetailsA != nil && d.DetailsB != nil
}

// Expired reports whether the collection window has passed
func (d Deal) Expired(now time.Time) bool {
	return d.ExpiresAt != nil && !now.Before(*d.ExpiresAt)
}

// marshalCommission serializes a commission requirement for the jsonb
// column
func marshalCommission(c CommissionReq) ([]byte, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("could not marshal commission: %w", err)
	}
	return raw, nil
}

func unmarshalCommission(raw []byte) (CommissionReq, error) {
	var c CommissionReq
	if err := json.Unmarshal(raw, &c); err != nil {
		return CommissionReq{}, fmt.Errorf("could not unmarshal commission: %w", err)
	}
	return c, nil
}
