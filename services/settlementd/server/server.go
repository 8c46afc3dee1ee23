// Package server exposes the settlement engine over HTTP: worker callbacks,
// hash submission, transaction creation and status reads.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"nftledger/services/settlementd/engine"
	serrors "nftledger/services/settlementd/errors"
	"nftledger/services/settlementd/models"
)

// Ledger is the engine surface the HTTP handlers call.
type Ledger interface {
	Receive(ctx context.Context, d engine.Delivery) (*engine.Result, error)
	SubmitHash(ctx context.Context, id, hash string) (*models.Transaction, error)
	Cancel(ctx context.Context, id, actor string) (*engine.Result, error)
	Transaction(ctx context.Context, id string) (*models.Transaction, error)
	CreateBuy(ctx context.Context, req engine.BuyRequest) (*models.Transaction, error)
	CreateDeposit(ctx context.Context, account string, amount decimal.Decimal) (*models.Transaction, error)
	CreateRedemption(ctx context.Context, req engine.RedemptionRequest) (*models.Transaction, error)
	CreateAdminMint(ctx context.Context, req engine.AdminMintRequest) (*models.Transaction, error)
	CreateCancelEvent(ctx context.Context, eventID, actor string) (*models.Transaction, error)
	CreateAdminAction(ctx context.Context, req engine.AdminActionRequest) (*models.Transaction, error)
}

// RequestObserver records request metrics.
type RequestObserver interface {
	ObserveRequest(route string, status int, duration time.Duration)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Ledger     Ledger
	Auth       *Authenticator
	WorkerRole string
	AdminRole  string
	Observer   RequestObserver
	Logger     *slog.Logger
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	ledger     Ledger
	auth       *Authenticator
	workerRole string
	adminRole  string
	observer   RequestObserver
	logger     *slog.Logger

	router http.Handler
}

// New constructs the router. Without an Authenticator every /v1 route
// answers 401; only health and metrics are served.
func New(cfg Config) *Server {
	s := &Server{
		ledger:     cfg.Ledger,
		auth:       cfg.Auth,
		workerRole: strings.ToLower(strings.TrimSpace(cfg.WorkerRole)),
		adminRole:  strings.ToLower(strings.TrimSpace(cfg.AdminRole)),
		observer:   cfg.Observer,
		logger:     cfg.Logger,
	}
	if s.workerRole == "" {
		s.workerRole = "worker"
	}
	if s.adminRole == "" {
		s.adminRole = "admin"
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.router = otelhttp.NewHandler(s.buildRouter(), "settlementd")
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		if s.auth != nil {
			api.Use(s.auth.Middleware)
		} else {
			api.Use(func(http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
					writeError(w, http.StatusUnauthorized, "authentication not configured")
				})
			})
		}
		api.With(RequireRole(s.workerRole)).Post("/worker/events", s.receive)

		api.Post("/transactions/buy", s.createBuy)
		api.Post("/transactions/deposit", s.createDeposit)
		api.Post("/transactions/redemption", s.createRedemption)
		api.Get("/transactions/{id}", s.getTransaction)
		api.Post("/transactions/{id}/hash", s.submitHash)
		api.Post("/transactions/{id}/cancel", s.cancel)

		api.Group(func(admin chi.Router) {
			admin.Use(RequireRole(s.adminRole))
			admin.Post("/admin/mints", s.createAdminMint)
			admin.Post("/admin/events/{id}/cancel", s.createCancelEvent)
			admin.Post("/admin/actions", s.createAdminAction)
		})
	})
	return r
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		if s.observer != nil {
			s.observer.ObserveRequest(route, status, time.Since(start))
		}
		level := slog.LevelDebug
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(r.Context(), level, "http request",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", chimw.GetReqID(r.Context())))
	})
}

func (s *Server) receive(w http.ResponseWriter, r *http.Request) {
	var d engine.Delivery
	if !decode(w, r, &d) {
		return
	}
	res, err := s.ledger.Receive(r.Context(), d)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newResultView(res))
}

func (s *Server) submitHash(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Hash string `json:"hash"`
	}
	if !decode(w, r, &req) {
		return
	}
	claims, _ := FromContext(r.Context())
	id := chi.URLParam(r, "id")
	if !s.canSee(w, r, id, claims) {
		return
	}
	txn, err := s.ledger.SubmitHash(r.Context(), id, req.Hash)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newTransactionView(txn))
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	claims, _ := FromContext(r.Context())
	res, err := s.ledger.Cancel(r.Context(), chi.URLParam(r, "id"), claims.Subject)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newResultView(res))
}

func (s *Server) getTransaction(w http.ResponseWriter, r *http.Request) {
	claims, _ := FromContext(r.Context())
	id := chi.URLParam(r, "id")
	txn, err := s.ledger.Transaction(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !s.party(txn, claims) {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	writeJSON(w, http.StatusOK, newTransactionView(txn))
}

// canSee hides transactions the caller is not a party to. Admins and workers
// see everything.
func (s *Server) canSee(w http.ResponseWriter, r *http.Request, id string, claims *Claims) bool {
	txn, err := s.ledger.Transaction(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return false
	}
	if !s.party(txn, claims) {
		writeError(w, http.StatusNotFound, "transaction not found")
		return false
	}
	return true
}

func (s *Server) party(txn *models.Transaction, claims *Claims) bool {
	if claims.Role == s.adminRole || claims.Role == s.workerRole {
		return true
	}
	return txn.FromAddress == claims.Subject || txn.ToAddress == claims.Subject
}

func (s *Server) createBuy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventID    string `json:"eventId"`
		CategoryID string `json:"categoryId"`
		Quantity   int64  `json:"quantity"`
	}
	if !decode(w, r, &req) {
		return
	}
	claims, _ := FromContext(r.Context())
	txn, err := s.ledger.CreateBuy(r.Context(), engine.BuyRequest{
		EventID:    req.EventID,
		CategoryID: req.CategoryID,
		Buyer:      claims.Subject,
		Quantity:   req.Quantity,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTransactionView(txn))
}

func (s *Server) createDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if !decode(w, r, &req) {
		return
	}
	claims, _ := FromContext(r.Context())
	txn, err := s.ledger.CreateDeposit(r.Context(), claims.Subject, req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTransactionView(txn))
}

var redemptionSteps = map[string]models.TransactionType{
	"create":  models.TxCreateRedemption,
	"cancel":  models.TxCancelRedemption,
	"approve": models.TxApproveRedemption,
}

func (s *Server) createRedemption(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Step     string   `json:"step"`
		Owner    string   `json:"owner"`
		TokenIDs []string `json:"tokenIds"`
	}
	if !decode(w, r, &req) {
		return
	}
	step, ok := redemptionSteps[strings.ToLower(strings.TrimSpace(req.Step))]
	if !ok {
		writeError(w, http.StatusBadRequest, "step must be create, cancel or approve")
		return
	}
	claims, _ := FromContext(r.Context())
	owner := claims.Subject
	if step == models.TxApproveRedemption {
		if claims.Role != s.adminRole {
			writeError(w, http.StatusForbidden, "insufficient role")
			return
		}
		owner = req.Owner
	}
	txn, err := s.ledger.CreateRedemption(r.Context(), engine.RedemptionRequest{Type: step, Owner: owner, TokenIDs: req.TokenIDs})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTransactionView(txn))
}

func (s *Server) createAdminMint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InventoryID string `json:"inventoryId"`
		Receiver    string `json:"receiver"`
		Quantity    int64  `json:"quantity"`
	}
	if !decode(w, r, &req) {
		return
	}
	claims, _ := FromContext(r.Context())
	txn, err := s.ledger.CreateAdminMint(r.Context(), engine.AdminMintRequest{
		Actor:       claims.Subject,
		InventoryID: req.InventoryID,
		Receiver:    req.Receiver,
		Quantity:    req.Quantity,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTransactionView(txn))
}

func (s *Server) createCancelEvent(w http.ResponseWriter, r *http.Request) {
	claims, _ := FromContext(r.Context())
	txn, err := s.ledger.CreateCancelEvent(r.Context(), chi.URLParam(r, "id"), claims.Subject)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTransactionView(txn))
}

func (s *Server) createAdminAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type        string   `json:"type"`
		Address     string   `json:"address"`
		Name        string   `json:"name"`
		Permissions []string `json:"permissions"`
	}
	if !decode(w, r, &req) {
		return
	}
	claims, _ := FromContext(r.Context())
	txn, err := s.ledger.CreateAdminAction(r.Context(), engine.AdminActionRequest{
		Type:        models.TransactionType(req.Type),
		Actor:       claims.Subject,
		Address:     req.Address,
		Name:        req.Name,
		Permissions: req.Permissions,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTransactionView(txn))
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("route", r.URL.Path),
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.Any("error", err))
	}
	code := serrors.CodeOf(err)
	if code == "" {
		code = "INTERNAL"
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Code: string(code), Error: msg})
}

// statusFor maps typed settlement errors onto HTTP status codes.
func statusFor(err error) int {
	switch serrors.CodeOf(err) {
	case serrors.CodeValidation:
		return http.StatusBadRequest
	case serrors.CodePermissionDenied, serrors.CodeUserNotBDA, serrors.CodeUserHadRestricted:
		return http.StatusForbidden
	case serrors.CodeNotFound:
		return http.StatusNotFound
	case serrors.CodeInvalidTransition, serrors.CodeDataError:
		return http.StatusConflict
	case serrors.CodeInsufficientQty, serrors.CodeUnsupported:
		return http.StatusUnprocessableEntity
	case serrors.CodeChain:
		return http.StatusBadGateway
	case serrors.CodeContentionExhausted:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

type resultView struct {
	TransactionID    string `json:"transactionId"`
	Type             string `json:"type,omitempty"`
	Status           string `json:"status,omitempty"`
	AlreadyCompleted bool   `json:"alreadyCompleted"`
	Skipped          bool   `json:"skipped"`
	TierChanges      int    `json:"tierChanges"`
}

func newResultView(res *engine.Result) resultView {
	return resultView{
		TransactionID:    res.TransactionID,
		Type:             string(res.Type),
		Status:           string(res.Status),
		AlreadyCompleted: res.AlreadyCompleted,
		Skipped:          res.Skipped,
		TierChanges:      len(res.TierChanges),
	}
}

type transactionView struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	Hash        string     `json:"hash,omitempty"`
	From        string     `json:"from"`
	To          string     `json:"to"`
	Quantity    int64      `json:"quantity,omitempty"`
	Revenue     string     `json:"revenue,omitempty"`
	Amount      string     `json:"amount,omitempty"`
	EventID     string     `json:"eventId,omitempty"`
	InventoryID string     `json:"inventoryId,omitempty"`
	TokenIDs    []string   `json:"tokenIds,omitempty"`
	Signature   string     `json:"signature,omitempty"`
	Message     string     `json:"message,omitempty"`
	SyncedAt    *time.Time `json:"syncedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func newTransactionView(txn *models.Transaction) transactionView {
	v := transactionView{
		ID:        txn.ID,
		Type:      string(txn.Type),
		Status:    string(txn.Status),
		Hash:      txn.HashValue(),
		From:      txn.FromAddress,
		To:        txn.ToAddress,
		Quantity:  txn.Quantity,
		TokenIDs:  txn.TokenIDs,
		Signature: txn.Signature,
		Message:   txn.Message,
		SyncedAt:  txn.SyncedAt,
		CreatedAt: txn.CreatedAt,
		UpdatedAt: txn.UpdatedAt,
	}
	if !txn.Revenue.IsZero() {
		v.Revenue = txn.Revenue.String()
	}
	if !txn.Amount.IsZero() {
		v.Amount = txn.Amount.String()
	}
	if txn.EventID != nil {
		v.EventID = *txn.EventID
	}
	if txn.InventoryID != nil {
		v.InventoryID = *txn.InventoryID
	}
	return v
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
