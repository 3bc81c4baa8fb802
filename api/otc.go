package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"gitlab.com/arcanecrypto/swapd/commission"
	"gitlab.com/arcanecrypto/swapd/models/deals"
	"gitlab.com/arcanecrypto/swapd/models/deposits"
	"gitlab.com/arcanecrypto/swapd/models/queue"
	"gitlab.com/arcanecrypto/swapd/models/tokens"
)

// errAssetsLocked is the verbatim message a caller gets when
// cancelling after funds arrived
var errAssetsLocked = errors.New("Cannot cancel deal — assets have already been locked")

type createDealParams struct {
	SideA          deals.AssetSpec `json:"sideA"`
	SideB          deals.AssetSpec `json:"sideB"`
	TimeoutSeconds int64           `json:"timeoutSeconds"`

	// optional overrides of the broker's default commission
	CommissionA *deals.CommissionReq `json:"commissionA,omitempty"`
	CommissionB *deals.CommissionReq `json:"commissionB,omitempty"`

	// optional party emails, filled in when the broker should deliver
	// the invite links itself
	EmailA *string `json:"emailA,omitempty"`
	EmailB *string `json:"emailB,omitempty"`
}

type createDealResponse struct {
	DealID string `json:"dealId"`
	LinkA  string `json:"linkA"`
	LinkB  string `json:"linkB"`
}

// createDeal validates both sides against the asset registry, stores
// the deal with two single-use tokens and hands back one link per
// party. Invitation emails are best effort, a delivery failure never
// fails the deal.
func (r *RestServer) createDeal(raw json.RawMessage) (interface{}, error) {
	var params createDealParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}

	for _, side := range []deals.AssetSpec{params.SideA, params.SideB} {
		if _, err := r.registry.Get(side.AssetCode, side.ChainID); err != nil {
			return nil, err
		}
	}

	commissionA := r.conf.DefaultCommission
	if params.CommissionA != nil {
		commissionA = *params.CommissionA
	}
	commissionB := r.conf.DefaultCommission
	if params.CommissionB != nil {
		commissionB = *params.CommissionB
	}
	for _, req := range []deals.CommissionReq{commissionA, commissionB} {
		if req.Kind != deals.FixedUSDNative && req.Kind != deals.PercentBps {
			return nil, errors.Errorf("unknown commission kind %q", req.Kind)
		}
	}

	deal, err := deals.New(params.SideA, params.SideB, params.TimeoutSeconds,
		commissionA, commissionB)
	if err != nil {
		return nil, err
	}

	tokenA := tokens.New(deal.ID, deals.PartyA)
	tokenB := tokens.New(deal.ID, deals.PartyB)
	if err := r.store.CreateDeal(deal, []tokens.Token{tokenA, tokenB}); err != nil {
		return nil, err
	}

	linkA := r.partyLink(deal.ID, deals.PartyA, tokenA.Token)
	linkB := r.partyLink(deal.ID, deals.PartyB, tokenB.Token)

	r.sendInvitation(params.EmailA, deal.ID, linkA)
	r.sendInvitation(params.EmailB, deal.ID, linkB)

	log.WithField("deal", deal.ID).Info("Created deal")
	return createDealResponse{DealID: deal.ID, LinkA: linkA, LinkB: linkB}, nil
}

func (r *RestServer) partyLink(dealID string, party deals.Party, secret string) string {
	return fmt.Sprintf("%s/deal/%s?party=%s&token=%s", r.conf.BaseURL, dealID, party, secret)
}

func (r *RestServer) sendInvitation(toEmail *string, dealID, link string) {
	if toEmail == nil || *toEmail == "" {
		return
	}
	if err := r.EmailSender.SendDealInvitation(*toEmail, dealID, link); err != nil {
		log.WithError(err).WithField("deal", dealID).Error("Could not send invitation email")
	}
}

type fillPartyDetailsParams struct {
	DealID           string      `json:"dealId"`
	Party            deals.Party `json:"party"`
	PaybackAddress   string      `json:"paybackAddress"`
	RecipientAddress string      `json:"recipientAddress"`
	Email            *string     `json:"email,omitempty"`
	Token            string      `json:"token"`
}

// fillPartyDetails redeems the party's token, validates their
// addresses on the right chain and materializes their escrow. All of
// it commits atomically, a lost race leaves the deal untouched.
func (r *RestServer) fillPartyDetails(raw json.RawMessage) (interface{}, error) {
	var params fillPartyDetailsParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if !params.Party.Valid() {
		return nil, errors.Errorf("invalid party %q", params.Party)
	}

	deal, err := r.store.GetDeal(params.DealID)
	if err != nil {
		return nil, err
	}
	if deal.Stage.Terminal() {
		return nil, errors.Errorf("deal is %s and no longer accepts details", deal.Stage)
	}

	// the token is checked before any chain work, a reused or foreign
	// token must not materialize an escrow account. FillPartyDetails
	// re-checks and redeems it atomically.
	token, err := r.store.GetToken(params.Token)
	if err != nil {
		return nil, err
	}
	if token.DealID != params.DealID || token.Party != params.Party {
		return nil, tokens.ErrWrongDeal
	}
	if token.UsedAt != nil {
		return nil, tokens.ErrTokenUsed
	}

	spec := deal.Side(params.Party)
	plugin, ok := r.plugins[spec.ChainID]
	if !ok {
		return nil, errors.Errorf("no plugin for chain %s", spec.ChainID)
	}
	if !plugin.ValidateAddress(params.PaybackAddress) {
		return nil, errors.Errorf("invalid payback address for chain %s", spec.ChainID)
	}

	// the recipient receives what the counterparty sends, so it lives
	// on the counterparty's chain
	counterSpec := deal.Side(params.Party.Counterparty())
	counterPlugin, ok := r.plugins[counterSpec.ChainID]
	if !ok {
		return nil, errors.Errorf("no plugin for chain %s", counterSpec.ChainID)
	}
	if !counterPlugin.ValidateAddress(params.RecipientAddress) {
		return nil, errors.Errorf("invalid recipient address for chain %s", counterSpec.ChainID)
	}

	escrowAccount, err := plugin.GenerateEscrowAccount(spec.AssetCode)
	if err != nil {
		return nil, errors.Wrap(err, "could not generate escrow account")
	}

	details := deals.PartyDetails{
		PaybackAddress:   params.PaybackAddress,
		RecipientAddress: params.RecipientAddress,
		Email:            params.Email,
		FilledAt:         time.Now().UTC(),
	}
	escrow := deals.Escrow{Address: escrowAccount.Address, KeyRef: escrowAccount.KeyRef}

	if err := r.store.FillPartyDetails(params.DealID, params.Party,
		details, escrow, params.Token); err != nil {
		return nil, err
	}

	log.WithField("deal", params.DealID).WithField("party", params.Party).
		Info("Party details filled")
	return map[string]interface{}{"ok": true}, nil
}

type statusParams struct {
	DealID string `json:"dealId"`
}

type depositView struct {
	Txid      string          `json:"txid"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	Confirms  int64           `json:"confirms"`
	BlockTime *time.Time      `json:"blockTime,omitempty"`
}

type sideStatus struct {
	Sends            deals.AssetSpec            `json:"sends"`
	PartyDetails     *deals.PartyDetails        `json:"partyDetails,omitempty"`
	EscrowAddress    *string                    `json:"escrowAddress,omitempty"`
	Deposits         []depositView              `json:"deposits"`
	CollectedByAsset map[string]decimal.Decimal `json:"collectedByAsset"`
}

type txView struct {
	Purpose          queue.Purpose   `json:"purpose"`
	Side             deals.Party     `json:"side"`
	ToAddress        string          `json:"to"`
	Asset            string          `json:"asset"`
	Amount           decimal.Decimal `json:"amount"`
	Status           queue.Status    `json:"status"`
	Txid             *string         `json:"txid,omitempty"`
	Confirms         int64           `json:"confirms"`
	RequiredConfirms int64           `json:"requiredConfirms"`
	LastError        *string         `json:"lastError,omitempty"`
}

type statusResponse struct {
	DealID         string                `json:"dealId"`
	Stage          deals.Stage           `json:"stage"`
	TimeoutSeconds int64                 `json:"timeoutSeconds"`
	ExpiresAt      *time.Time            `json:"expiresAt,omitempty"`
	Instructions   map[string][]string   `json:"instructions"`
	Collection     map[string]sideStatus `json:"collection"`
	Events         []deals.Event         `json:"events"`
	Transactions   []txView              `json:"transactions"`
}

// status is the one read model both parties poll. It never exposes
// escrow key material or the counterparty's token.
func (r *RestServer) status(raw json.RawMessage) (interface{}, error) {
	var params statusParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}

	deal, err := r.store.GetDeal(params.DealID)
	if err != nil {
		return nil, err
	}
	all, err := r.store.DealDeposits(deal.ID)
	if err != nil {
		return nil, err
	}
	items, err := r.store.DealItems(deal.ID)
	if err != nil {
		return nil, err
	}

	resp := statusResponse{
		DealID:         deal.ID,
		Stage:          deal.Stage,
		TimeoutSeconds: deal.TimeoutSeconds,
		ExpiresAt:      deal.ExpiresAt,
		Instructions:   make(map[string][]string, 2),
		Collection:     make(map[string]sideStatus, 2),
		Events:         deal.Events,
		Transactions:   make([]txView, 0, len(items)),
	}

	for _, side := range []deals.Party{deals.PartyA, deals.PartyB} {
		key := "side" + string(side)
		resp.Instructions[key] = r.instructionsFor(deal, side)

		status := sideStatus{
			Sends:            deal.Side(side),
			PartyDetails:     deal.Details(side),
			Deposits:         make([]depositView, 0),
			CollectedByAsset: deposits.CollectedByAsset(all, side),
		}
		if escrow := deal.Escrow(side); escrow != nil {
			status.EscrowAddress = &escrow.Address
		}
		for _, dep := range deposits.BySide(all, side) {
			status.Deposits = append(status.Deposits, depositView{
				Txid:      dep.Txid,
				Asset:     dep.Asset,
				Amount:    dep.Amount,
				Confirms:  dep.Confirms,
				BlockTime: dep.BlockTime,
			})
		}
		resp.Collection[key] = status
	}

	for _, item := range items {
		resp.Transactions = append(resp.Transactions, txView{
			Purpose:          item.Purpose,
			Side:             item.Side,
			ToAddress:        item.ToAddress,
			Asset:            item.Asset,
			Amount:           item.Amount,
			Status:           item.Status,
			Txid:             item.SubmittedTxid,
			Confirms:         item.Confirms,
			RequiredConfirms: item.RequiredConfirms,
			LastError:        item.LastError,
		})
	}

	return resp, nil
}

// instructionsFor renders what one side still has to do, in plain
// sentences the UI can show verbatim
func (r *RestServer) instructionsFor(deal deals.Deal, side deals.Party) []string {
	if deal.Stage.Terminal() {
		return []string{}
	}
	escrow := deal.Escrow(side)
	if escrow == nil {
		return []string{"Submit your payback and recipient addresses through your deal link."}
	}

	owed, err := commission.Owed(deal.Side(side), deal.Commission(side), r.registry)
	if err != nil {
		// commission not pinned yet, the spot obligation still stands
		spec := deal.Side(side)
		return []string{fmt.Sprintf("Send %s %s to %s.",
			spec.Amount, spec.AssetCode, escrow.Address)}
	}

	var lines []string
	for asset, amount := range owed {
		lines = append(lines, fmt.Sprintf("Send %s %s to %s.", amount, asset, escrow.Address))
	}
	return lines
}

type cancelDealParams struct {
	DealID string `json:"dealId"`
	Token  string `json:"token"`
}

// cancelDeal aborts a deal that has not locked any assets yet. The
// token only has to identify a party of this deal, a token already
// redeemed for details still authorizes cancellation.
func (r *RestServer) cancelDeal(raw json.RawMessage) (interface{}, error) {
	var params cancelDealParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}

	token, err := r.store.GetToken(params.Token)
	if err != nil {
		return nil, err
	}
	if token.DealID != params.DealID {
		return nil, tokens.ErrWrongDeal
	}

	deal, err := r.store.GetDeal(params.DealID)
	if err != nil {
		return nil, err
	}
	if deal.Stage != deals.CREATED {
		return nil, errAssetsLocked
	}
	all, err := r.store.DealDeposits(deal.ID)
	if err != nil {
		return nil, err
	}
	if len(all) > 0 {
		return nil, errAssetsLocked
	}

	err = r.store.SetStage(deal.ID, deals.CREATED, deals.REVERTED, nil,
		fmt.Sprintf("Deal cancelled by party %s", token.Party))
	if err != nil {
		return nil, err
	}

	log.WithField("deal", deal.ID).Info("Deal cancelled")
	return map[string]interface{}{"ok": true}, nil
}
