// Package tokens issues and redeems the single-use secrets that bind a
// party to one side of one deal. A token authorizes at most one
// successful party-detail submission.
package tokens

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/swapd/db"
	"gitlab.com/arcanecrypto/swapd/models/deals"
)

// ErrNoSuchToken means the presented token does not exist
var ErrNoSuchToken = errors.New("no such token")

// ErrTokenUsed means the presented token was already redeemed
var ErrTokenUsed = errors.New("token has already been used")

// ErrWrongDeal means the token exists but belongs to another deal or
// party
var ErrWrongDeal = errors.New("token does not authorize this deal and party")

// Token is the database representation of a party token
type Token struct {
	Token     string      `db:"token"`
	DealID    string      `db:"deal_id"`
	Party     deals.Party `db:"party"`
	CreatedAt time.Time   `db:"created_at"`
	UsedAt    *time.Time  `db:"used_at"`
}

// New generates a fresh 128-bit token for the given deal and party.
// The raw secret is only ever returned here, links embed it once.
func New(dealID string, party deals.Party) Token {
	secret := make([]byte, 16)
	// according to godoc, this operation never fails
	_, _ = rand.Read(secret)

	return Token{
		Token:     hex.EncodeToString(secret),
		DealID:    dealID,
		Party:     party,
		CreatedAt: time.Now().UTC(),
	}
}

// Insert stores a token row
func Insert(i db.Inserter, token Token) error {
	rows, err := i.NamedQuery(
		`INSERT INTO tokens (token, deal_id, party, created_at)
		 VALUES (:token, :deal_id, :party, :created_at)`, token)
	if err != nil {
		return errors.Wrap(err, "could not insert token")
	}
	return rows.Close()
}

// Get looks a token up by its secret
func Get(g db.Getter, secret string) (Token, error) {
	var token Token
	err := g.Get(&token,
		`SELECT token, deal_id, party, created_at, used_at
		 FROM tokens WHERE token = $1`, secret)
	if err != nil {
		if err == sql.ErrNoRows {
			return Token{}, ErrNoSuchToken
		}
		return Token{}, errors.Wrap(err, "could not get token")
	}
	return token, nil
}

// Use redeems a token for the given deal and party. The update is
// guarded on used_at being unset, so two concurrent redeems race
// cleanly and only one wins.
func Use(i db.Inserter, secret, dealID string, party deals.Party) error {
	arg := struct {
		Token  string      `db:"token"`
		DealID string      `db:"deal_id"`
		Party  deals.Party `db:"party"`
	}{secret, dealID, party}

	rows, err := i.NamedQuery(
		`UPDATE tokens SET used_at = now()
		 WHERE token = :token AND deal_id = :deal_id AND party = :party
		   AND used_at IS NULL
		 RETURNING token`, arg)
	if err != nil {
		return errors.Wrap(err, "could not redeem token")
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return classifyUseFailure(i, secret, dealID, party)
	}
	return nil
}

// classifyUseFailure figures out why redeeming failed, so the caller
// gets an authorization error they can show verbatim
func classifyUseFailure(i db.Inserter, secret, dealID string, party deals.Party) error {
	getter, ok := i.(db.Getter)
	if !ok {
		return ErrNoSuchToken
	}
	token, err := Get(getter, secret)
	if err != nil {
		return err
	}
	if token.DealID != dealID || token.Party != party {
		return ErrWrongDeal
	}
	if token.UsedAt != nil {
		return ErrTokenUsed
	}
	return ErrNoSuchToken
}
