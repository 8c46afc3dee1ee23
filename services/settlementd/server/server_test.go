package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"nftledger/services/settlementd/engine"
	serrors "nftledger/services/settlementd/errors"
	"nftledger/services/settlementd/models"
)

const (
	testSecret = "test-secret"
	testIssuer = "settlement-worker"
	buyerAddr  = "0x00000000000000000000000000000000000000b1"
	otherAddr  = "0x00000000000000000000000000000000000000c2"
)

type fakeLedger struct {
	deliveries []engine.Delivery
	cancelled  []string
	deposits   []decimal.Decimal
	buys       []engine.BuyRequest
	txns       map[string]*models.Transaction
	err        error
}

func (f *fakeLedger) Receive(_ context.Context, d engine.Delivery) (*engine.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.deliveries = append(f.deliveries, d)
	return &engine.Result{TransactionID: "t1", Type: models.TxMint, Status: models.StatusSuccess}, nil
}

func (f *fakeLedger) SubmitHash(_ context.Context, id, hash string) (*models.Transaction, error) {
	txn := f.txns[id]
	txn.Status = models.StatusProcessing
	txn.Hash = &hash
	return txn, nil
}

func (f *fakeLedger) Cancel(_ context.Context, id, actor string) (*engine.Result, error) {
	f.cancelled = append(f.cancelled, id+"/"+actor)
	return &engine.Result{TransactionID: id, Status: models.StatusCancel}, nil
}

func (f *fakeLedger) Transaction(_ context.Context, id string) (*models.Transaction, error) {
	txn, ok := f.txns[id]
	if !ok {
		return nil, serrors.New(serrors.CodeNotFound, "get transaction", "transaction %s not found", id)
	}
	return txn, nil
}

func (f *fakeLedger) CreateBuy(_ context.Context, req engine.BuyRequest) (*models.Transaction, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.buys = append(f.buys, req)
	return &models.Transaction{ID: "b1", Type: models.TxMint, Status: models.StatusDraft, ToAddress: req.Buyer, Quantity: req.Quantity}, nil
}

func (f *fakeLedger) CreateDeposit(_ context.Context, account string, amount decimal.Decimal) (*models.Transaction, error) {
	f.deposits = append(f.deposits, amount)
	return &models.Transaction{ID: "d1", Type: models.TxDeposit, Status: models.StatusDraft, FromAddress: account, Amount: amount}, nil
}

func (f *fakeLedger) CreateRedemption(_ context.Context, req engine.RedemptionRequest) (*models.Transaction, error) {
	return &models.Transaction{ID: "r1", Type: req.Type, Status: models.StatusDraft, FromAddress: req.Owner}, nil
}

func (f *fakeLedger) CreateAdminMint(_ context.Context, req engine.AdminMintRequest) (*models.Transaction, error) {
	return &models.Transaction{ID: "m1", Type: models.TxAdminMint, Status: models.StatusDraft, FromAddress: req.Actor, ToAddress: req.Receiver}, nil
}

func (f *fakeLedger) CreateCancelEvent(_ context.Context, eventID, actor string) (*models.Transaction, error) {
	return &models.Transaction{ID: "c1", Type: models.TxCancelEvent, Status: models.StatusDraft, EventID: &eventID, FromAddress: actor}, nil
}

func (f *fakeLedger) CreateAdminAction(_ context.Context, req engine.AdminActionRequest) (*models.Transaction, error) {
	return &models.Transaction{ID: "a1", Type: req.Type, Status: models.StatusDraft, FromAddress: req.Actor}, nil
}

func newTestServer(t *testing.T, ledger *fakeLedger) http.Handler {
	t.Helper()
	auth, err := NewAuthenticator(AuthConfig{Secret: []byte(testSecret), Issuer: testIssuer})
	require.NoError(t, err)
	return New(Config{Ledger: ledger, Auth: auth}).Handler()
}

func token(t *testing.T, subject, role string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"iss":  testIssuer,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func do(t *testing.T, h http.Handler, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	rec := do(t, newTestServer(t, &fakeLedger{}), http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWorkerEventsRequireWorkerRole(t *testing.T) {
	ledger := &fakeLedger{}
	h := newTestServer(t, ledger)
	delivery := map[string]any{"eventType": "Minted", "hash": "0xabc", "data": map[string]any{"transactionId": "t1"}}

	rec := do(t, h, http.MethodPost, "/v1/worker/events", "", delivery)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/worker/events", token(t, buyerAddr, "user"), delivery)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/worker/events", token(t, "worker-1", "worker"), delivery)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, ledger.deliveries, 1)
	require.Equal(t, "Minted", ledger.deliveries[0].EventType)

	var body resultView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "t1", body.TransactionID)
	require.Equal(t, string(models.StatusSuccess), body.Status)
}

func TestRejectsExpiredAndForgedTokens(t *testing.T) {
	h := newTestServer(t, &fakeLedger{})
	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": buyerAddr, "role": "worker", "iss": testIssuer, "exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := forged.SignedString([]byte("other-secret"))
	require.NoError(t, err)
	rec := do(t, h, http.MethodGet, "/v1/transactions/x", signed, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": buyerAddr, "role": "user", "iss": testIssuer, "exp": time.Now().Add(-time.Hour).Unix(),
	})
	signed, err = expired.SignedString([]byte(testSecret))
	require.NoError(t, err)
	rec = do(t, h, http.MethodGet, "/v1/transactions/x", signed, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTypedErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{serrors.New(serrors.CodeValidation, "op", "bad"), http.StatusBadRequest},
		{serrors.New(serrors.CodeInsufficientQty, "op", "short"), http.StatusUnprocessableEntity},
		{serrors.New(serrors.CodeContentionExhausted, "op", "busy"), http.StatusServiceUnavailable},
		{serrors.New(serrors.CodeChain, "op", "rpc"), http.StatusBadGateway},
		{serrors.New(serrors.CodeInvalidTransition, "op", "state"), http.StatusConflict},
		{serrors.New(serrors.CodePermissionDenied, "op", "denied"), http.StatusForbidden},
		{serrors.New(serrors.CodeUserNotBDA, "op", "not bda"), http.StatusForbidden},
		{serrors.New(serrors.CodeUserHadRestricted, "op", "already had"), http.StatusForbidden},
		{serrors.New(serrors.CodeUnsupported, "op", "recover"), http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		ledger := &fakeLedger{err: tc.err}
		rec := do(t, newTestServer(t, ledger), http.MethodPost, "/v1/transactions/buy", token(t, buyerAddr, "user"),
			map[string]any{"eventId": "e1", "categoryId": "c1", "quantity": 1})
		require.Equal(t, tc.status, rec.Code, tc.err.Error())
		var body errorBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, string(serrors.CodeOf(tc.err)), body.Code)
	}
}

func TestBuyUsesTokenSubjectAsBuyer(t *testing.T) {
	ledger := &fakeLedger{}
	rec := do(t, newTestServer(t, ledger), http.MethodPost, "/v1/transactions/buy", token(t, buyerAddr, "user"),
		map[string]any{"eventId": "e1", "categoryId": "c1", "quantity": 2})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, ledger.buys, 1)
	require.Equal(t, buyerAddr, ledger.buys[0].Buyer)
	require.EqualValues(t, 2, ledger.buys[0].Quantity)
}

func TestDepositParsesDecimalAmount(t *testing.T) {
	ledger := &fakeLedger{}
	rec := do(t, newTestServer(t, ledger), http.MethodPost, "/v1/transactions/deposit", token(t, buyerAddr, "user"),
		map[string]any{"amount": "12.345"})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.True(t, ledger.deposits[0].Equal(decimal.RequireFromString("12.345")))
}

func TestTransactionVisibleOnlyToParties(t *testing.T) {
	ledger := &fakeLedger{txns: map[string]*models.Transaction{
		"t1": {ID: "t1", Type: models.TxMint, Status: models.StatusDraft, ToAddress: buyerAddr},
	}}
	h := newTestServer(t, ledger)

	rec := do(t, h, http.MethodGet, "/v1/transactions/t1", token(t, buyerAddr, "user"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view transactionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, "t1", view.ID)

	rec = do(t, h, http.MethodGet, "/v1/transactions/t1", token(t, otherAddr, "user"), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/transactions/t1", token(t, otherAddr, "admin"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/transactions/missing", token(t, buyerAddr, "user"), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	hash := "0x" + string(bytes.Repeat([]byte("ab"), 32))
	rec = do(t, h, http.MethodPost, "/v1/transactions/t1/hash", token(t, otherAddr, "user"), map[string]string{"hash": hash})
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, h, http.MethodPost, "/v1/transactions/t1/hash", token(t, buyerAddr, "user"), map[string]string{"hash": hash})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, string(models.StatusProcessing), view.Status)
	require.Equal(t, hash, view.Hash)
}

func TestCancelPassesCallerAsActor(t *testing.T) {
	ledger := &fakeLedger{}
	rec := do(t, newTestServer(t, ledger), http.MethodPost, "/v1/transactions/t9/cancel", token(t, buyerAddr, "user"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"t9/" + buyerAddr}, ledger.cancelled)
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	h := newTestServer(t, &fakeLedger{})
	body := map[string]any{"inventoryId": "i1", "receiver": buyerAddr, "quantity": 1}
	rec := do(t, h, http.MethodPost, "/v1/admin/mints", token(t, buyerAddr, "user"), body)
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(t, h, http.MethodPost, "/v1/admin/mints", token(t, otherAddr, "admin"), body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/transactions/redemption", token(t, buyerAddr, "user"),
		map[string]any{"step": "approve", "owner": buyerAddr, "tokenIds": []string{"1"}})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestNoAuthenticatorRejectsAPI(t *testing.T) {
	h := New(Config{Ledger: &fakeLedger{}}).Handler()
	rec := do(t, h, http.MethodGet, "/v1/transactions/t1", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(t, h, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
