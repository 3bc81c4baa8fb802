package deals

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"gitlab.com/arcanecrypto/swapd/db"
)

// dbDeal is the flat DB representation of a deal row. This struct is
// only responsible for serialization and deserialization.
type dbDeal struct {
	ID             string     `db:"id"`
	Stage          Stage      `db:"stage"`
	TimeoutSeconds int64      `db:"timeout_seconds"`
	ExpiresAt      *time.Time `db:"expires_at"`

	SideAChain  string          `db:"side_a_chain"`
	SideAAsset  string          `db:"side_a_asset"`
	SideAAmount decimal.Decimal `db:"side_a_amount"`
	SideBChain  string          `db:"side_b_chain"`
	SideBAsset  string          `db:"side_b_asset"`
	SideBAmount decimal.Decimal `db:"side_b_amount"`

	CommissionA []byte `db:"commission_a"`
	CommissionB []byte `db:"commission_b"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (d Deal) toDB() (dbDeal, error) {
	commissionA, err := marshalCommission(d.CommissionA)
	if err != nil {
		return dbDeal{}, err
	}
	commissionB, err := marshalCommission(d.CommissionB)
	if err != nil {
		return dbDeal{}, err
	}
	return dbDeal{
		ID:             d.ID,
		Stage:          d.Stage,
		TimeoutSeconds: d.TimeoutSeconds,
		ExpiresAt:      d.ExpiresAt,
		SideAChain:     d.SideA.ChainID,
		SideAAsset:     d.SideA.AssetCode,
		SideAAmount:    d.SideA.Amount,
		SideBChain:     d.SideB.ChainID,
		SideBAsset:     d.SideB.AssetCode,
		SideBAmount:    d.SideB.Amount,
		CommissionA:    commissionA,
		CommissionB:    commissionB,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}, nil
}

func (row dbDeal) toDeal() (Deal, error) {
	commissionA, err := unmarshalCommission(row.CommissionA)
	if err != nil {
		return Deal{}, err
	}
	commissionB, err := unmarshalCommission(row.CommissionB)
	if err != nil {
		return Deal{}, err
	}
	return Deal{
		ID:             row.ID,
		Stage:          row.Stage,
		TimeoutSeconds: row.TimeoutSeconds,
		ExpiresAt:      row.ExpiresAt,
		SideA: AssetSpec{
			ChainID:   row.SideAChain,
			AssetCode: row.SideAAsset,
			Amount:    row.SideAAmount,
		},
		SideB: AssetSpec{
			ChainID:   row.SideBChain,
			AssetCode: row.SideBAsset,
			Amount:    row.SideBAmount,
		},
		CommissionA: commissionA,
		CommissionB: commissionB,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}, nil
}

const dealColumns = `id, stage, timeout_seconds, expires_at,
	side_a_chain, side_a_asset, side_a_amount,
	side_b_chain, side_b_asset, side_b_amount,
	commission_a, commission_b, created_at, updated_at`

// Insert stores a fresh deal row
func Insert(i db.Inserter, deal Deal) error {
	row, err := deal.toDB()
	if err != nil {
		return err
	}
	query := `INSERT INTO deals (` + dealColumns + `)
		VALUES (:id, :stage, :timeout_seconds, :expires_at,
		        :side_a_chain, :side_a_asset, :side_a_amount,
		        :side_b_chain, :side_b_asset, :side_b_amount,
		        :commission_a, :commission_b, :created_at, :updated_at)`
	rows, err := i.NamedQuery(query, row)
	if err != nil {
		return fmt.Errorf("could not insert deal: %w", err)
	}
	return rows.Close()
}

// GetByID loads one deal with its details, escrows and events
func GetByID(g db.Getter, id string) (Deal, error) {
	var row dbDeal
	query := `SELECT ` + dealColumns + ` FROM deals WHERE id = $1`
	if err := g.Get(&row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return Deal{}, ErrDealNotFound
		}
		return Deal{}, fmt.Errorf("could not get deal %s: %w", id, err)
	}
	deal, err := row.toDeal()
	if err != nil {
		return Deal{}, err
	}
	return loadParts(g, deal)
}

// ListActive loads every deal in a non-terminal stage
func ListActive(g db.Getter) ([]Deal, error) {
	var rows []dbDeal
	query := `SELECT ` + dealColumns + ` FROM deals
		WHERE stage NOT IN ('CLOSED', 'REVERTED')
		ORDER BY created_at`
	if err := g.Select(&rows, query); err != nil {
		return nil, fmt.Errorf("could not list active deals: %w", err)
	}

	result := make([]Deal, 0, len(rows))
	for _, row := range rows {
		deal, err := row.toDeal()
		if err != nil {
			return nil, err
		}
		deal, err = loadParts(g, deal)
		if err != nil {
			return nil, err
		}
		result = append(result, deal)
	}
	return result, nil
}

// loadParts attaches party details, escrows and events to a deal row
func loadParts(g db.Getter, deal Deal) (Deal, error) {
	type detailsRow struct {
		Party Party `db:"party"`
		PartyDetails
	}
	var details []detailsRow
	err := g.Select(&details,
		`SELECT party, payback_address, recipient_address, email, filled_at
		 FROM party_details WHERE deal_id = $1`, deal.ID)
	if err != nil {
		return Deal{}, fmt.Errorf("could not load party details: %w", err)
	}
	for i := range details {
		det := details[i].PartyDetails
		if details[i].Party == PartyA {
			deal.DetailsA = &det
		} else {
			deal.DetailsB = &det
		}
	}

	type escrowRow struct {
		Party Party `db:"party"`
		Escrow
	}
	var escrows []escrowRow
	err = g.Select(&escrows,
		`SELECT party, address, key_ref FROM escrows WHERE deal_id = $1`, deal.ID)
	if err != nil {
		return Deal{}, fmt.Errorf("could not load escrows: %w", err)
	}
	for i := range escrows {
		esc := escrows[i].Escrow
		if escrows[i].Party == PartyA {
			deal.EscrowA = &esc
		} else {
			deal.EscrowB = &esc
		}
	}

	var events []Event
	err = g.Select(&events,
		`SELECT ts, message FROM deal_events WHERE deal_id = $1 ORDER BY id`, deal.ID)
	if err != nil {
		return Deal{}, fmt.Errorf("could not load deal events: %w", err)
	}
	deal.Events = events

	return deal, nil
}

// SetStage moves a deal from one stage to another. The update is
// guarded on the current stage so a concurrent writer loses cleanly
// with ErrStageConflict.
func SetStage(i db.Inserter, dealID string, from, to Stage, expiresAt *time.Time) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal stage transition %s -> %s: %w", from, to, ErrStageConflict)
	}

	arg := struct {
		ID        string     `db:"id"`
		From      Stage      `db:"from_stage"`
		To        Stage      `db:"to_stage"`
		ExpiresAt *time.Time `db:"expires_at"`
	}{dealID, from, to, expiresAt}

	query := `UPDATE deals
		SET stage = :to_stage,
		    expires_at = COALESCE(:expires_at, expires_at),
		    updated_at = now()
		WHERE id = :id AND stage = :from_stage
		RETURNING id`
	rows, err := i.NamedQuery(query, arg)
	if err != nil {
		return fmt.Errorf("could not set stage on deal %s: %w", dealID, err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.WithError(err).Error("could not close rows")
		}
	}()
	if !rows.Next() {
		return ErrStageConflict
	}

	log.WithField("deal", dealID).Infof("Deal moved %s -> %s", from, to)
	return nil
}

// InsertPartyDetails stores one party's submitted details together
// with their freshly generated escrow. Details are insert-only, a
// second insert for the same (deal, party) violates the primary key.
func InsertPartyDetails(i db.Inserter, dealID string, party Party,
	details PartyDetails, escrow Escrow) error {

	detailsArg := struct {
		DealID string `db:"deal_id"`
		Party  Party  `db:"party"`
		PartyDetails
	}{dealID, party, details}

	rows, err := i.NamedQuery(
		`INSERT INTO party_details (deal_id, party, payback_address, recipient_address, email, filled_at)
		 VALUES (:deal_id, :party, :payback_address, :recipient_address, :email, :filled_at)`,
		detailsArg)
	if err != nil {
		return fmt.Errorf("could not insert party details: %w", err)
	}
	if err := rows.Close(); err != nil {
		return err
	}

	escrowArg := struct {
		DealID string `db:"deal_id"`
		Party  Party  `db:"party"`
		Escrow
	}{dealID, party, escrow}

	rows, err = i.NamedQuery(
		`INSERT INTO escrows (deal_id, party, address, key_ref)
		 VALUES (:deal_id, :party, :address, :key_ref)`,
		escrowArg)
	if err != nil {
		return fmt.Errorf("could not insert escrow: %w", err)
	}
	return rows.Close()
}

// FreezeCommission overwrites one side's commission requirement. Used
// exactly once per FixedUSDNative side, when the deal enters
// COLLECTION and the oracle price is pinned.
func FreezeCommission(i db.Inserter, dealID string, party Party, commission CommissionReq) error {
	raw, err := marshalCommission(commission)
	if err != nil {
		return err
	}

	column := "commission_a"
	if party == PartyB {
		column = "commission_b"
	}

	arg := struct {
		ID         string `db:"id"`
		Commission []byte `db:"commission"`
	}{dealID, raw}

	rows, err := i.NamedQuery(
		`UPDATE deals SET `+column+` = :commission, updated_at = now()
		 WHERE id = :id RETURNING id`, arg)
	if err != nil {
		return fmt.Errorf("could not freeze commission: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.WithError(err).Error("could not close rows")
		}
	}()
	if !rows.Next() {
		return ErrDealNotFound
	}
	return nil
}

// AppendEvent adds a line to the deal's audit log
func AppendEvent(i db.Inserter, dealID, message string) error {
	arg := struct {
		DealID  string `db:"deal_id"`
		Message string `db:"message"`
	}{dealID, message}

	rows, err := i.NamedQuery(
		`INSERT INTO deal_events (deal_id, message) VALUES (:deal_id, :message)`, arg)
	if err != nil {
		return fmt.Errorf("could not append deal event: %w", err)
	}
	return rows.Close()
}
