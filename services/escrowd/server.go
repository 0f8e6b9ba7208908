package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"escrowd/gateway/auth"
	"escrowd/ledger"
	"escrowd/observability"
	"escrowd/state"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20
	operationTimeout     = 10 * time.Second
)

// Server is the HTTP front-end for the escrow ledger.
type Server struct {
	router        *chi.Mux
	authenticator *auth.Authenticator
	engine        *ledger.Engine
	manager       *state.Manager
	store         *SQLiteStore
	queue         *WebhookQueue
	logger        *slog.Logger
	nowFn         func() time.Time

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
	rateCfg  rate.Limit
	burstCfg int
}

func NewServer(authenticator *auth.Authenticator, engine *ledger.Engine, manager *state.Manager, store *SQLiteStore, queue *WebhookQueue, logger *slog.Logger, perSecond float64, burst int) *Server {
	if authenticator == nil {
		panic("authenticator required")
	}
	if engine == nil {
		panic("ledger engine required")
	}
	if manager == nil {
		panic("state manager required")
	}
	if store == nil {
		panic("sqlite store required")
	}
	if queue == nil {
		queue = NewWebhookQueue()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if perSecond <= 0 {
		perSecond = 25
	}
	if burst <= 0 {
		burst = 50
	}
	s := &Server{
		authenticator: authenticator,
		engine:        engine,
		manager:       manager,
		store:         store,
		queue:         queue,
		logger:        logger,
		nowFn:         time.Now,
		limiters:      make(map[string]*rate.Limiter),
		rateCfg:       rate.Limit(perSecond),
		burstCfg:      burst,
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/escrow", func(r chi.Router) {
		r.Post("/", s.mutation("create", s.handleCreate))
		r.Route("/{ref}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Get("/events", s.handleEvents)
			r.Post("/fund", s.mutation("fund", s.handleFund))
			r.Post("/release", s.mutation("release", s.handleRelease))
			r.Post("/refund", s.mutation("refund", s.handleRefund))
			r.Post("/dispute", s.mutation("dispute", s.handleDispute))
			r.Delete("/", s.mutation("destroy", s.handleDestroy))
		})
	})

	r.Route("/accounts/{party}", func(r chi.Router) {
		r.Get("/", s.handleAccountGet)
		r.Post("/credit", s.mutation("credit", s.handleAccountCredit))
	})

	r.Post("/webhooks", s.mutation("webhook_subscribe", s.handleWebhookSubscribe))
	return r
}

// mutationFn executes one authenticated, idempotent operation and returns the
// response status plus JSON payload.
type mutationFn func(ctx context.Context, r *http.Request, principal *auth.Principal, body []byte) (int, []byte, error)

// mutation wraps a handler with the shared pipeline: body buffering, HMAC
// authentication, per-key rate limiting, idempotency replay, audit logging
// and metrics.
func (s *Server) mutation(operation string, fn mutationFn) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := s.nowFn()
		status := s.runMutation(w, r, fn)
		observability.LedgerMetrics().Observe(operation, status, s.nowFn().Sub(start))
	}
}

func (s *Server) runMutation(w http.ResponseWriter, r *http.Request, fn mutationFn) int {
	body, err := readRequestBody(r)
	if err != nil {
		return s.respondError(w, r, nil, nil, http.StatusBadRequest, err)
	}
	principal, err := s.authenticator.Authenticate(r, body)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		return s.respondError(w, r, nil, body, status, err)
	}
	if !s.limiter(principal.APIKey).Allow() {
		return s.respondError(w, r, principal, body, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
	}

	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		return s.respondError(w, r, principal, body, http.StatusBadRequest, errors.New("missing Idempotency-Key header"))
	}
	requestHash := hashRequest(r.Method, auth.CanonicalPath(r), body)
	cached, cacheErr := s.store.LookupIdempotency(r.Context(), principal.APIKey, key, requestHash)
	if cacheErr != nil {
		status := http.StatusInternalServerError
		if errors.Is(cacheErr, ErrIdempotencyMismatch) {
			status = http.StatusConflict
		}
		return s.respondError(w, r, principal, body, status, cacheErr)
	}
	if cached != nil {
		s.writeJSON(w, cached.Status, cached.Body)
		s.audit(r.Context(), principal, r, body, cached.Status, cached.Body)
		return cached.Status
	}

	ctx, cancel := context.WithTimeout(r.Context(), operationTimeout)
	defer cancel()
	status, payload, err := fn(ctx, r, principal, body)
	if err != nil {
		if status == 0 {
			status = statusForError(err)
		}
		return s.respondError(w, r, principal, body, status, err)
	}

	if err := s.store.SaveIdempotency(r.Context(), principal.APIKey, key, requestHash, status, payload); err != nil {
		return s.respondError(w, r, principal, body, http.StatusInternalServerError, err)
	}
	s.writeJSON(w, status, payload)
	s.audit(r.Context(), principal, r, body, status, payload)
	return status
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, []byte(`{"status":"ok"}`))
}

type createRequest struct {
	Payer       string `json:"payer"`
	Payee       string `json:"payee"`
	ContractRef string `json:"contractRef,omitempty"`
	TotalAmount string `json:"totalAmount"`
}

func (s *Server) handleCreate(ctx context.Context, r *http.Request, principal *auth.Principal, body []byte) (int, []byte, error) {
	var req createRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return http.StatusBadRequest, nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	payer, err := ledger.ParsePartyID(req.Payer)
	if err != nil {
		return http.StatusBadRequest, nil, fmt.Errorf("payer: %w", err)
	}
	payee, err := ledger.ParsePartyID(req.Payee)
	if err != nil {
		return http.StatusBadRequest, nil, fmt.Errorf("payee: %w", err)
	}
	total, err := parseAmount(req.TotalAmount)
	if err != nil {
		return http.StatusBadRequest, nil, fmt.Errorf("totalAmount: %w", err)
	}
	ref := ledger.NewContractRef()
	if strings.TrimSpace(req.ContractRef) != "" {
		ref, err = ledger.ParseContractRef(req.ContractRef)
		if err != nil {
			return http.StatusBadRequest, nil, fmt.Errorf("contractRef: %w", err)
		}
	}

	var rec *ledger.EscrowRecord
	err = s.manager.WithRecordLock(ref, func() error {
		var opErr error
		rec, opErr = s.engine.Create(payer, payee, ref, total)
		return opErr
	})
	if err != nil {
		return 0, nil, err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return http.StatusInternalServerError, nil, err
	}
	return http.StatusCreated, payload, nil
}

type fundRequest struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

func (s *Server) handleFund(ctx context.Context, r *http.Request, principal *auth.Principal, body []byte) (int, []byte, error) {
	ref, err := refParam(r)
	if err != nil {
		return http.StatusBadRequest, nil, err
	}
	var req fundRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return http.StatusBadRequest, nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	caller, err := ledger.ParsePartyID(req.Caller)
	if err != nil {
		return http.StatusBadRequest, nil, fmt.Errorf("caller: %w", err)
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return http.StatusBadRequest, nil, fmt.Errorf("amount: %w", err)
	}

	var rec *ledger.EscrowRecord
	err = s.manager.WithRecordLock(ref, func() error {
		var opErr error
		rec, opErr = s.engine.Fund(caller, ref, amount)
		return opErr
	})
	if err != nil {
		return 0, nil, err
	}
	observability.LedgerMetrics().AddHeld(float64(amount))
	payload, err := json.Marshal(rec)
	if err != nil {
		return http.StatusInternalServerError, nil, err
	}
	return http.StatusOK, payload, nil
}

type releaseRequest struct {
	Caller    string `json:"caller"`
	Payee     string `json:"payee"`
	Milestone string `json:"milestone,omitempty"`
	Amount    string `json:"amount"`
}

func (s *Server) handleRelease(ctx context.Context, r *http.Request, principal *auth.Principal, body []byte) (int, []byte, error) {
	ref, err := refParam(r)
	if err != nil {
		return http.StatusBadRequest, nil, err
	}
	var req releaseRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return http.StatusBadRequest, nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	caller, err := ledger.ParsePartyID(req.Caller)
	if err != nil {
		return http.StatusBadRequest, nil, fmt.Errorf("caller: %w", err)
	}
	payee, err := ledger.ParsePartyID(req.Payee)
	if err != nil {
		return http.StatusBadRequest, nil, fmt.Errorf("payee: %w", err)
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return http.StatusBadRequest, nil, fmt.Errorf("amount: %w", err)
	}
	milestone := ledger.ContractRef{}
	if strings.TrimSpace(req.Milestone) != "" {
		milestone, err = ledger.ParseContractRef(req.Milestone)
		if err != nil {
			return http.StatusBadRequest, nil, fmt.Errorf("milestone: %w", err)
		}
	}

	var rec *ledger.EscrowRecord
	err = s.manager.WithRecordLock(ref, func() error {
		var opErr error
		rec, opErr = s.engine.Release(caller, ref, payee, milestone, amount)
		return opErr
	})
	if err != nil {
		return 0, nil, err
	}
	observability.LedgerMetrics().AddHeld(-float64(amount))
	payload, err := json.Marshal(rec)
	if err != nil {
		return http.StatusInternalServerError, nil, err
	}
	return http.StatusOK, payload, nil
}

type refundRequest struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

func (s *Server) handleRefund(ctx context.Context, r *http.Request, principal *auth.Principal, body []byte) (int, []byte, error) {
	ref, err := refParam(r)
	if err != nil {
		return http.StatusBadRequest, nil, err
	}
	var req refundRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return http.StatusBadRequest, nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	caller, err := ledger.ParsePartyID(req.Caller)
	if err != nil {
		return http.StatusBadRequest, nil, fmt.Errorf("caller: %w", err)
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return http.StatusBadRequest, nil, fmt.Errorf("amount: %w", err)
	}

	var rec *ledger.EscrowRecord
	err = s.manager.WithRecordLock(ref, func() error {
		var opErr error
		rec, opErr = s.engine.Refund(caller, ref, amount)
		return opErr
	})
	if err != nil {
		return 0, nil, err
	}
	observability.LedgerMetrics().AddHeld(-float64(amount))
	payload, err := json.Marshal(rec)
	if err != nil {
		return http.StatusInternalServerError, nil, err
	}
	return http.StatusOK, payload, nil
}

type disputeRequest struct {
	Caller string `json:"caller"`
}

func (s *Server) handleDispute(ctx context.Context, r *http.Request, principal *auth.Principal, body []byte) (int, []byte, error) {
	ref, err := refParam(r)
	if err != nil {
		return http.StatusBadRequest, nil, err
	}
	var req disputeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return http.StatusBadRequest, nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	caller, err := ledger.ParsePartyID(req.Caller)
	if err != nil {
		return http.StatusBadRequest, nil, fmt.Errorf("caller: %w", err)
	}

	var rec *ledger.EscrowRecord
	err = s.manager.WithRecordLock(ref, func() error {
		var opErr error
		rec, opErr = s.engine.OpenDispute(caller, ref)
		return opErr
	})
	if err != nil {
		return 0, nil, err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return http.StatusInternalServerError, nil, err
	}
	return http.StatusOK, payload, nil
}

type destroyRequest struct {
	Caller string `json:"caller"`
}

func (s *Server) handleDestroy(ctx context.Context, r *http.Request, principal *auth.Principal, body []byte) (int, []byte, error) {
	ref, err := refParam(r)
	if err != nil {
		return http.StatusBadRequest, nil, err
	}
	var req destroyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return http.StatusBadRequest, nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	caller, err := ledger.ParsePartyID(req.Caller)
	if err != nil {
		return http.StatusBadRequest, nil, fmt.Errorf("caller: %w", err)
	}

	err = s.manager.WithRecordLock(ref, func() error {
		return s.engine.Destroy(caller, ref)
	})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, []byte(`{"destroyed":true}`), nil
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ref, err := refParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.engine.Get(ref)
	if err != nil {
		s.writeError(w, statusForError(err), err)
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ref, err := refParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	events, err := s.store.EventsForContract(r.Context(), ref.String())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []StoredEvent{}
	}
	payload, err := json.Marshal(map[string]interface{}{"events": events})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleAccountGet(w http.ResponseWriter, r *http.Request) {
	party, err := ledger.ParsePartyID(chi.URLParam(r, "party"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("party: %w", err))
		return
	}
	balance, err := s.manager.AccountBalance(party)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"party":   party.String(),
		"balance": strconv.FormatUint(balance, 10),
	})
	s.writeJSON(w, http.StatusOK, payload)
}

type creditRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) handleAccountCredit(ctx context.Context, r *http.Request, principal *auth.Principal, body []byte) (int, []byte, error) {
	party, err := ledger.ParsePartyID(chi.URLParam(r, "party"))
	if err != nil {
		return http.StatusBadRequest, nil, fmt.Errorf("party: %w", err)
	}
	var req creditRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return http.StatusBadRequest, nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return http.StatusBadRequest, nil, fmt.Errorf("amount: %w", err)
	}
	if amount == 0 {
		return http.StatusBadRequest, nil, errors.New("amount must be positive")
	}
	if err := s.manager.AccountCredit(party, amount); err != nil {
		return 0, nil, err
	}
	balance, err := s.manager.AccountBalance(party)
	if err != nil {
		return http.StatusInternalServerError, nil, err
	}
	payload, _ := json.Marshal(map[string]string{
		"party":   party.String(),
		"balance": strconv.FormatUint(balance, 10),
	})
	return http.StatusOK, payload, nil
}

type webhookSubscribeRequest struct {
	EventType string `json:"eventType"`
	URL       string `json:"url"`
	Secret    string `json:"secret"`
	RateLimit int    `json:"rateLimit,omitempty"`
}

func (s *Server) handleWebhookSubscribe(ctx context.Context, r *http.Request, principal *auth.Principal, body []byte) (int, []byte, error) {
	var req webhookSubscribeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return http.StatusBadRequest, nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	if strings.TrimSpace(req.EventType) == "" {
		return http.StatusBadRequest, nil, errors.New("eventType is required")
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		return http.StatusBadRequest, nil, errors.New("url must be http or https")
	}
	if strings.TrimSpace(req.Secret) == "" {
		return http.StatusBadRequest, nil, errors.New("secret is required")
	}
	if req.RateLimit <= 0 {
		req.RateLimit = 60
	}
	id, err := s.store.InsertWebhook(ctx, WebhookSubscription{
		APIKey:    principal.APIKey,
		EventType: strings.TrimSpace(req.EventType),
		URL:       req.URL,
		Secret:    req.Secret,
		RateLimit: req.RateLimit,
		Active:    true,
		CreatedAt: s.nowFn().UTC(),
	})
	if err != nil {
		return http.StatusInternalServerError, nil, err
	}
	payload, _ := json.Marshal(map[string]interface{}{"webhookId": id})
	return http.StatusCreated, payload, nil
}

func (s *Server) limiter(apiKey string) *rate.Limiter {
	s.limitMu.Lock()
	defer s.limitMu.Unlock()
	limiter, ok := s.limiters[apiKey]
	if !ok {
		limiter = rate.NewLimiter(s.rateCfg, s.burstCfg)
		s.limiters[apiKey] = limiter
	}
	return limiter
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, principal *auth.Principal, body []byte, status int, err error) int {
	payload := errorPayload(err)
	s.writeJSON(w, status, payload)
	s.audit(r.Context(), principal, r, body, status, payload)
	return status
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorPayload(err))
}

func (s *Server) audit(ctx context.Context, principal *auth.Principal, r *http.Request, requestBody []byte, status int, responseBody []byte) {
	apiKey := ""
	if principal != nil {
		apiKey = principal.APIKey
	}
	entry := AuditEntry{
		APIKey:         apiKey,
		Method:         r.Method,
		Path:           auth.CanonicalPath(r),
		RequestBody:    append([]byte(nil), requestBody...),
		ResponseBody:   append([]byte(nil), responseBody...),
		ResponseStatus: status,
		Timestamp:      s.nowFn().UTC(),
	}
	if err := s.store.InsertAuditLog(ctx, entry); err != nil {
		s.logger.Error("insert audit log", "error", err)
	}
}

func errorPayload(err error) []byte {
	msg := strings.ReplaceAll(err.Error(), `"`, "'")
	return []byte(fmt.Sprintf(`{"error":"%s"}`, msg))
}

// statusForError maps ledger errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, ledger.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrRecordExists),
		errors.Is(err, ledger.ErrInvalidState),
		errors.Is(err, ledger.ErrHoldingNotEmpty):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrUnauthorizedPayer),
		errors.Is(err, ledger.ErrUnauthorizedPayee),
		errors.Is(err, ledger.ErrUnauthorizedDisputeInitiator):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrOverflow),
		errors.Is(err, ledger.ErrUnderflow):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, state.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func refParam(r *http.Request) (ledger.ContractRef, error) {
	ref, err := ledger.ParseContractRef(chi.URLParam(r, "ref"))
	if err != nil {
		return ledger.ContractRef{}, fmt.Errorf("contract ref: %w", err)
	}
	return ref, nil
}

func parseAmount(raw string) (uint64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, errors.New("amount is required")
	}
	value, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}

func readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxRequestBody+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return fmt.Sprintf("%x", sum[:])
}
