package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/swapd/api"
	"gitlab.com/arcanecrypto/swapd/chain/mockchain"
	"gitlab.com/arcanecrypto/swapd/email"
	"gitlab.com/arcanecrypto/swapd/models/deals"
	"gitlab.com/arcanecrypto/swapd/models/deposits"
	"gitlab.com/arcanecrypto/swapd/testutil"
)

type apiHarness struct {
	server api.RestServer
	store  *testutil.MemStore
	mocks  map[string]*mockchain.Chain
	sender *email.MockSender
}

func newAPIHarness(t *testing.T) *apiHarness {
	store := testutil.NewMemStore()
	plugins, mocks := testutil.MockChains(store)
	sender := &email.MockSender{}

	server, err := api.NewApp(store, testutil.DefaultRegistry(t), plugins, sender,
		api.Config{
			LogLevel: logrus.ErrorLevel,
			BaseURL:  "http://localhost:3000",
			DefaultCommission: deals.CommissionReq{
				Kind: deals.PercentBps, PercentBps: 30},
		})
	require.NoError(t, err)

	return &apiHarness{server: server, store: store, mocks: mocks, sender: sender}
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (h *apiHarness) call(t *testing.T, method string, params interface{}) (json.RawMessage, *rpcError) {
	body := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"id":      1,
	}
	if params != nil {
		body["params"] = params
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	return h.post(t, raw)
}

func (h *apiHarness) post(t *testing.T, body []byte) (json.RawMessage, *rpcError) {
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	h.server.Router.ServeHTTP(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code)

	var response struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	return response.Result, response.Error
}

type createdDeal struct {
	DealID string `json:"dealId"`
	LinkA  string `json:"linkA"`
	LinkB  string `json:"linkB"`
}

func (h *apiHarness) createDeal(t *testing.T) createdDeal {
	result, rpcErr := h.call(t, "otc.createDeal", map[string]interface{}{
		"sideA":          map[string]string{"chainId": "ETH", "assetCode": "USDC", "amount": "100"},
		"sideB":          map[string]string{"chainId": "POLYGON", "assetCode": "MATIC", "amount": "200"},
		"timeoutSeconds": 3600,
	})
	require.Nil(t, rpcErr)

	var created createdDeal
	require.NoError(t, json.Unmarshal(result, &created))
	return created
}

// tokenFromLink pulls the embedded party token out of a deal link
func tokenFromLink(t *testing.T, link string) string {
	parsed, err := url.Parse(link)
	require.NoError(t, err)
	token := parsed.Query().Get("token")
	require.NotEmpty(t, token)
	return token
}

func (h *apiHarness) fillParty(t *testing.T, dealID string, party deals.Party,
	payback, recipient, token string) *rpcError {

	_, rpcErr := h.call(t, "otc.fillPartyDetails", map[string]interface{}{
		"dealId":           dealID,
		"party":            string(party),
		"paybackAddress":   payback,
		"recipientAddress": recipient,
		"token":            token,
	})
	return rpcErr
}

func TestEnvelope(t *testing.T) {
	h := newAPIHarness(t)

	t.Run("garbage body is a parse error", func(t *testing.T) {
		_, rpcErr := h.post(t, []byte("{not json"))
		require.NotNil(t, rpcErr)
		assert.Equal(t, -32700, rpcErr.Code)
	})

	t.Run("unknown method", func(t *testing.T) {
		_, rpcErr := h.call(t, "otc.noSuchMethod", nil)
		require.NotNil(t, rpcErr)
		assert.Equal(t, -32601, rpcErr.Code)
	})

	t.Run("missing jsonrpc version is rejected", func(t *testing.T) {
		_, rpcErr := h.post(t, []byte(`{"method":"otc.status","id":1}`))
		require.NotNil(t, rpcErr)
		assert.Equal(t, -32600, rpcErr.Code)
	})

	t.Run("application errors use the internal code", func(t *testing.T) {
		_, rpcErr := h.call(t, "otc.status", map[string]string{"dealId": "nope"})
		require.NotNil(t, rpcErr)
		assert.Equal(t, -32603, rpcErr.Code)
		assert.Contains(t, rpcErr.Message, "not found")
	})
}

func TestHealth(t *testing.T) {
	h := newAPIHarness(t)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/health", nil)
	h.server.Router.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "ok")
}

func TestCreateDeal(t *testing.T) {
	h := newAPIHarness(t)

	t.Run("returns distinct party links", func(t *testing.T) {
		created := h.createDeal(t)

		assert.NotEmpty(t, created.DealID)
		assert.Contains(t, created.LinkA, created.DealID)
		assert.Contains(t, created.LinkB, created.DealID)
		assert.NotEqual(t, tokenFromLink(t, created.LinkA), tokenFromLink(t, created.LinkB))
	})

	t.Run("rejects unknown assets", func(t *testing.T) {
		_, rpcErr := h.call(t, "otc.createDeal", map[string]interface{}{
			"sideA":          map[string]string{"chainId": "ETH", "assetCode": "DOGE", "amount": "100"},
			"sideB":          map[string]string{"chainId": "POLYGON", "assetCode": "MATIC", "amount": "200"},
			"timeoutSeconds": 3600,
		})
		require.NotNil(t, rpcErr)
		assert.Equal(t, -32603, rpcErr.Code)
	})

	t.Run("rejects short timeouts", func(t *testing.T) {
		_, rpcErr := h.call(t, "otc.createDeal", map[string]interface{}{
			"sideA":          map[string]string{"chainId": "ETH", "assetCode": "USDC", "amount": "100"},
			"sideB":          map[string]string{"chainId": "POLYGON", "assetCode": "MATIC", "amount": "200"},
			"timeoutSeconds": 10,
		})
		require.NotNil(t, rpcErr)
	})

	t.Run("sends invitations when emails are given", func(t *testing.T) {
		before := len(h.sender.Sent)
		emailA := gofakeit.Email()
		_, rpcErr := h.call(t, "otc.createDeal", map[string]interface{}{
			"sideA":          map[string]string{"chainId": "ETH", "assetCode": "USDC", "amount": "100"},
			"sideB":          map[string]string{"chainId": "POLYGON", "assetCode": "MATIC", "amount": "200"},
			"timeoutSeconds": 3600,
			"emailA":         emailA,
			"emailB":         gofakeit.Email(),
		})
		require.Nil(t, rpcErr)
		require.Len(t, h.sender.Sent, before+2)
		assert.Equal(t, emailA, h.sender.Sent[before].ToEmail)
		assert.Contains(t, h.sender.Sent[before].Link, "token=")
	})
}

func TestFillPartyDetails(t *testing.T) {
	h := newAPIHarness(t)
	created := h.createDeal(t)
	tokenA := tokenFromLink(t, created.LinkA)
	tokenB := tokenFromLink(t, created.LinkB)

	t.Run("stores details and creates the escrow", func(t *testing.T) {
		rpcErr := h.fillParty(t, created.DealID, deals.PartyA,
			"eth1paybacka", "polygon1recva", tokenA)
		require.Nil(t, rpcErr)

		deal, err := h.store.GetDeal(created.DealID)
		require.NoError(t, err)
		require.NotNil(t, deal.DetailsA)
		assert.Equal(t, "eth1paybacka", deal.DetailsA.PaybackAddress)
		require.NotNil(t, deal.EscrowA)
		assert.True(t, h.mocks["ETH"].ValidateAddress(deal.EscrowA.Address))
	})

	t.Run("rejects a reused token and keeps the stored addresses", func(t *testing.T) {
		accounts := h.mocks["ETH"].AccountCount()
		rpcErr := h.fillParty(t, created.DealID, deals.PartyA,
			"eth1other", "polygon1other", tokenA)
		require.NotNil(t, rpcErr)
		assert.Contains(t, rpcErr.Message, "used")

		deal, err := h.store.GetDeal(created.DealID)
		require.NoError(t, err)
		assert.Equal(t, "eth1paybacka", deal.DetailsA.PaybackAddress,
			"locked details never change")
		assert.Equal(t, accounts, h.mocks["ETH"].AccountCount(),
			"a rejected token must not mint an escrow account")
	})

	t.Run("rejects the wrong party's token", func(t *testing.T) {
		accounts := h.mocks["ETH"].AccountCount()
		rpcErr := h.fillParty(t, created.DealID, deals.PartyA,
			"eth1other", "polygon1other", tokenB)
		require.NotNil(t, rpcErr)
		assert.Equal(t, accounts, h.mocks["ETH"].AccountCount(),
			"a rejected token must not mint an escrow account")
	})

	t.Run("rejects addresses on the wrong chain", func(t *testing.T) {
		rpcErr := h.fillParty(t, created.DealID, deals.PartyB,
			"eth1wrongchain", "eth1recvb", tokenB)
		require.NotNil(t, rpcErr)
		assert.Contains(t, rpcErr.Message, "payback")
	})

	t.Run("accepts the second party", func(t *testing.T) {
		rpcErr := h.fillParty(t, created.DealID, deals.PartyB,
			"polygon1paybackb", "eth1recvb", tokenB)
		require.Nil(t, rpcErr)
	})
}

func TestStatus(t *testing.T) {
	h := newAPIHarness(t)
	created := h.createDeal(t)
	tokenA := tokenFromLink(t, created.LinkA)
	require.Nil(t, h.fillParty(t, created.DealID, deals.PartyA,
		"eth1paybacka", "polygon1recva", tokenA))

	result, rpcErr := h.call(t, "otc.status", map[string]string{"dealId": created.DealID})
	require.Nil(t, rpcErr)

	var status struct {
		Stage        string              `json:"stage"`
		Instructions map[string][]string `json:"instructions"`
		Collection   map[string]struct {
			EscrowAddress *string `json:"escrowAddress"`
		} `json:"collection"`
		Events []struct {
			Message string `json:"message"`
		} `json:"events"`
		Transactions []interface{} `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(result, &status))

	assert.Equal(t, "CREATED", status.Stage)
	assert.NotNil(t, status.Collection["sideA"].EscrowAddress)
	assert.Nil(t, status.Collection["sideB"].EscrowAddress)
	assert.NotEmpty(t, status.Instructions["sideA"], "A has an escrow to pay into")
	assert.Contains(t, status.Instructions["sideB"][0], "Submit your payback")
	assert.Empty(t, status.Transactions)
	require.NotEmpty(t, status.Events)
	assert.Equal(t, "Deal created", status.Events[0].Message)
}

func TestCancelDeal(t *testing.T) {
	h := newAPIHarness(t)

	t.Run("cancels before any deposit", func(t *testing.T) {
		created := h.createDeal(t)
		tokenA := tokenFromLink(t, created.LinkA)
		require.Nil(t, h.fillParty(t, created.DealID, deals.PartyA,
			"eth1paybacka", "polygon1recva", tokenA))

		_, rpcErr := h.call(t, "otc.cancelDeal", map[string]string{
			"dealId": created.DealID, "token": tokenA})
		require.Nil(t, rpcErr)

		deal, err := h.store.GetDeal(created.DealID)
		require.NoError(t, err)
		assert.Equal(t, deals.REVERTED, deal.Stage)

		items, err := h.store.DealItems(created.DealID)
		require.NoError(t, err)
		assert.Empty(t, items, "cancelling an unfunded deal moves no money")
	})

	t.Run("rejects cancellation once a deposit exists", func(t *testing.T) {
		created := h.createDeal(t)
		tokenA := tokenFromLink(t, created.LinkA)
		require.Nil(t, h.fillParty(t, created.DealID, deals.PartyA,
			"eth1paybacka", "polygon1recva", tokenA))

		_, err := h.store.UpsertDeposit(deposits.Deposit{
			DealID: created.DealID, Side: deals.PartyA, Txid: "tx1",
			Asset: "USDC@ETH", Amount: decimal.NewFromInt(10), Confirms: 1,
			FirstSeenAt: time.Now().UTC(),
		})
		require.NoError(t, err)

		_, rpcErr := h.call(t, "otc.cancelDeal", map[string]string{
			"dealId": created.DealID, "token": tokenA})
		require.NotNil(t, rpcErr)
		assert.Equal(t, "Cannot cancel deal — assets have already been locked", rpcErr.Message)

		deal, err := h.store.GetDeal(created.DealID)
		require.NoError(t, err)
		assert.Equal(t, deals.CREATED, deal.Stage)
	})

	t.Run("rejects a token from another deal", func(t *testing.T) {
		first := h.createDeal(t)
		second := h.createDeal(t)

		_, rpcErr := h.call(t, "otc.cancelDeal", map[string]string{
			"dealId": first.DealID, "token": tokenFromLink(t, second.LinkA)})
		require.NotNil(t, rpcErr)
	})
}

func TestSetPrice(t *testing.T) {
	h := newAPIHarness(t)

	result, rpcErr := h.call(t, "admin.setPrice", map[string]interface{}{
		"chainId": "ETH", "pair": "ETH/USD", "price": "2000"})
	require.Nil(t, rpcErr)

	var response struct {
		OK   bool      `json:"ok"`
		AsOf time.Time `json:"asOf"`
	}
	require.NoError(t, json.Unmarshal(result, &response))
	assert.True(t, response.OK)
	assert.False(t, response.AsOf.IsZero())

	quote, err := h.store.LatestQuote("ETH", "ETH/USD")
	require.NoError(t, err)
	assert.True(t, quote.Price.Equal(decimal.NewFromInt(2000)))
	assert.Equal(t, "MANUAL", quote.Source)

	t.Run("rejects unknown chains and bad prices", func(t *testing.T) {
		_, rpcErr := h.call(t, "admin.setPrice", map[string]interface{}{
			"chainId": "SOLANA", "pair": "SOL/USD", "price": "100"})
		require.NotNil(t, rpcErr)

		_, rpcErr = h.call(t, "admin.setPrice", map[string]interface{}{
			"chainId": "ETH", "pair": "ETH/USD", "price": "-5"})
		require.NotNil(t, rpcErr)
	})
}
