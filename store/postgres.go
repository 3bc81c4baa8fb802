package store

import (
	"database/sql"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/swapd/build"
	"gitlab.com/arcanecrypto/swapd/chain"
	"gitlab.com/arcanecrypto/swapd/db"
	"gitlab.com/arcanecrypto/swapd/models/deals"
	"gitlab.com/arcanecrypto/swapd/models/deposits"
	"gitlab.com/arcanecrypto/swapd/models/oracle"
	"gitlab.com/arcanecrypto/swapd/models/queue"
	"gitlab.com/arcanecrypto/swapd/models/tokens"
)

var log = build.AddSubLogger("STOR")

var _ Store = &Postgres{}
var _ chain.QuoteSource = &Postgres{}

// Postgres is the production Store on top of our DB wrapper
type Postgres struct {
	db *db.DB
}

// NewPostgres wraps the given DB connection as a Store
func NewPostgres(d *db.DB) *Postgres {
	return &Postgres{db: d}
}

// inTx runs fn inside a transaction, rolling back on error
func (p *Postgres) inTx(fn func(tx *sqlx.Tx) error) error {
	tx, err := p.db.Beginx()
	if err != nil {
		return errors.Wrap(err, "could not begin transaction")
	}
	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			log.WithError(rollbackErr).Error("could not roll back transaction")
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "could not commit transaction")
}

func (p *Postgres) CreateDeal(deal deals.Deal, toks []tokens.Token) error {
	return p.inTx(func(tx *sqlx.Tx) error {
		if err := deals.Insert(tx, deal); err != nil {
			return err
		}
		for _, token := range toks {
			if err := tokens.Insert(tx, token); err != nil {
				return err
			}
		}
		return deals.AppendEvent(tx, deal.ID, "Deal created")
	})
}

func (p *Postgres) GetDeal(id string) (deals.Deal, error) {
	return deals.GetByID(p.db, id)
}

func (p *Postgres) ActiveDeals() ([]deals.Deal, error) {
	return deals.ListActive(p.db)
}

func (p *Postgres) SetStage(dealID string, from, to deals.Stage,
	expiresAt *time.Time, event string) error {

	return p.inTx(func(tx *sqlx.Tx) error {
		if err := deals.SetStage(tx, dealID, from, to, expiresAt); err != nil {
			return err
		}
		return deals.AppendEvent(tx, dealID, event)
	})
}

func (p *Postgres) TransitionWithEnqueue(dealID string, from, to deals.Stage,
	items []queue.Item, event string) error {

	return p.inTx(func(tx *sqlx.Tx) error {
		if err := deals.SetStage(tx, dealID, from, to, nil); err != nil {
			return err
		}
		if to == deals.REVERTED {
			if err := queue.CancelPendingForRevert(tx, dealID); err != nil {
				return err
			}
		}
		if err := queue.Insert(tx, items); err != nil {
			return err
		}
		return deals.AppendEvent(tx, dealID, event)
	})
}

func (p *Postgres) FreezeCommission(dealID string, party deals.Party,
	req deals.CommissionReq) error {
	return deals.FreezeCommission(p.db, dealID, party, req)
}

func (p *Postgres) AppendEvent(dealID, message string) error {
	return deals.AppendEvent(p.db, dealID, message)
}

func (p *Postgres) FillPartyDetails(dealID string, party deals.Party,
	details deals.PartyDetails, escrow deals.Escrow, tokenSecret string) error {

	return p.inTx(func(tx *sqlx.Tx) error {
		var stage deals.Stage
		err := tx.Get(&stage, `SELECT stage FROM deals WHERE id = $1 FOR UPDATE`, dealID)
		if err != nil {
			if err == sql.ErrNoRows {
				return deals.ErrDealNotFound
			}
			return errors.Wrap(err, "could not lock deal")
		}
		if stage.Terminal() {
			return errors.Errorf("deal is %s and cannot accept details", stage)
		}

		if err := tokens.Use(tx, tokenSecret, dealID, party); err != nil {
			return err
		}
		if err := deals.InsertPartyDetails(tx, dealID, party, details, escrow); err != nil {
			// the (deal, party) primary key catches double fills that got
			// past the token check
			if strings.Contains(err.Error(), "party_details_pkey") {
				return deals.ErrDetailsLocked
			}
			return err
		}
		return deals.AppendEvent(tx, dealID,
			"Party "+string(party)+" submitted details, escrow "+escrow.Address+" created")
	})
}

func (p *Postgres) GetToken(secret string) (tokens.Token, error) {
	return tokens.Get(p.db, secret)
}

func (p *Postgres) UpsertDeposit(dep deposits.Deposit) (bool, error) {
	return deposits.Upsert(p.db, dep)
}

func (p *Postgres) DealDeposits(dealID string) ([]deposits.Deposit, error) {
	return deposits.ForDeal(p.db, dealID)
}

func (p *Postgres) DealItems(dealID string) ([]queue.Item, error) {
	return queue.ForDeal(p.db, dealID)
}

func (p *Postgres) OpenItems() ([]queue.Item, error) {
	return queue.Open(p.db)
}

func (p *Postgres) UpdateItem(item queue.Item) (queue.Item, error) {
	return queue.Update(p.db, item)
}

func (p *Postgres) Cursor(chainID, address string) (string, error) {
	var cursor string
	err := p.db.Get(&cursor,
		`SELECT cursor FROM watcher_cursors WHERE chain_id = $1 AND address = $2`,
		chainID, address)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", errors.Wrap(err, "could not get watcher cursor")
	}
	return cursor, nil
}

func (p *Postgres) SetCursor(chainID, address, cursor string) error {
	arg := struct {
		ChainID string `db:"chain_id"`
		Address string `db:"address"`
		Cursor  string `db:"cursor"`
	}{chainID, address, cursor}

	rows, err := p.db.NamedQuery(
		`INSERT INTO watcher_cursors (chain_id, address, cursor)
		 VALUES (:chain_id, :address, :cursor)
		 ON CONFLICT (chain_id, address) DO UPDATE SET cursor = EXCLUDED.cursor`,
		arg)
	if err != nil {
		return errors.Wrap(err, "could not set watcher cursor")
	}
	return rows.Close()
}

func (p *Postgres) SaveQuote(quote chain.Quote) error {
	return oracle.Insert(p.db, quote)
}

func (p *Postgres) LatestQuote(chainID, pair string) (chain.Quote, error) {
	return oracle.Latest(p.db, chainID, pair)
}
