package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gatewayauth "peervault/gateway/auth"
)

const headerIdempotencyKey = "Idempotency-Key"

const (
	nodeCallTimeout = 15 * time.Second
	nodeReadTimeout = 10 * time.Second

	defaultEventsPageSize = 100
	maxEventsPageSize     = 500
)

// Server is the partner-facing HTTP front-end for trade settlement. Every
// /v1 route requires a signed request and every response is audited.
type Server struct {
	authenticator *Authenticator
	node          NodeClient
	store         *SQLiteStore
	nowFn         func() time.Time
}

func NewServer(auth *Authenticator, node NodeClient, store *SQLiteStore) *Server {
	if auth == nil {
		panic("authenticator required")
	}
	if node == nil {
		panic("node client required")
	}
	if store == nil {
		panic("sqlite store required")
	}
	return &Server{
		authenticator: auth,
		node:          node,
		store:         store,
		nowFn:         time.Now,
	}
}

// Router assembles the REST surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(api chi.Router) {
		api.Post("/trades", s.authenticated(s.handleCreateTrade))
		api.Get("/trades/{id}", s.authenticated(s.handleGetTrade))
		api.Post("/trades/{id}/mark-paid", s.authenticated(s.transition("mark-paid")))
		api.Post("/trades/{id}/release", s.authenticated(s.transition("release")))
		api.Post("/trades/{id}/buyer-cancel", s.authenticated(s.transition("buyer-cancel")))
		api.Post("/trades/{id}/seller-cancel", s.authenticated(s.transition("seller-cancel")))
		api.Post("/trades/{id}/dispute", s.authenticated(s.transition("dispute")))
		api.Post("/trades/{id}/resolve", s.authenticated(s.transition("resolve")))
		api.Get("/events", s.authenticated(s.handleListEvents))
		api.Post("/webhooks", s.authenticated(s.handleCreateWebhook))
		api.Get("/webhooks", s.authenticated(s.handleListWebhooks))
		api.Delete("/webhooks/{id}", s.authenticated(s.handleDeleteWebhook))
	})
	return r
}

type authedHandler func(w http.ResponseWriter, r *http.Request, principal *Principal, body []byte)

// authenticated reads the signed body before verification because the HMAC
// covers it.
func (s *Server) authenticated(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readRequestBody(r)
		if err != nil {
			s.fail(r.Context(), w, r, nil, nil, http.StatusBadRequest, err)
			return
		}
		principal, err := s.authenticator.Authenticate(r, body)
		if err != nil {
			s.fail(r.Context(), w, r, nil, body, http.StatusUnauthorized, err)
			return
		}
		next(w, r, principal, body)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleCreateTrade(w http.ResponseWriter, r *http.Request, principal *Principal, body []byte) {
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		s.fail(r.Context(), w, r, principal, body, http.StatusBadRequest, errors.New("missing Idempotency-Key header"))
		return
	}
	requestHash := hashRequest(r.Method, gatewayauth.CanonicalRequestPath(r), body)
	cached, cacheErr := s.store.LookupIdempotency(r.Context(), principal.APIKey, key, requestHash)
	if cacheErr != nil {
		status := http.StatusInternalServerError
		if errors.Is(cacheErr, ErrIdempotencyMismatch) {
			status = http.StatusConflict
		}
		s.fail(r.Context(), w, r, principal, body, status, cacheErr)
		return
	}
	if cached != nil {
		s.respond(r.Context(), w, r, principal, body, cached.Status, cached.Body)
		return
	}

	var req TradeCreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.fail(r.Context(), w, r, principal, body, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	if err := validateTradeCreate(req); err != nil {
		s.fail(r.Context(), w, r, principal, body, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	// Deploying is idempotent, so a fresh seller gets an instance and an
	// existing one is a no-op.
	if _, err := s.node.DeployInstance(ctx, req.Seller); err != nil {
		s.failNode(r.Context(), w, r, principal, body, err)
		return
	}
	trade, err := s.node.CreateTrade(ctx, req)
	if err != nil {
		s.failNode(r.Context(), w, r, principal, body, err)
		return
	}
	payload, err := json.Marshal(trade)
	if err != nil {
		s.fail(r.Context(), w, r, principal, body, http.StatusInternalServerError, err)
		return
	}
	if err := s.store.SaveIdempotency(r.Context(), principal.APIKey, key, requestHash, http.StatusCreated, payload); err != nil {
		s.fail(r.Context(), w, r, principal, body, http.StatusInternalServerError, err)
		return
	}
	s.respond(r.Context(), w, r, principal, body, http.StatusCreated, payload)
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request, principal *Principal, body []byte) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		s.fail(r.Context(), w, r, principal, body, http.StatusBadRequest, errors.New("trade id required"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), nodeReadTimeout)
	defer cancel()
	trade, err := s.node.GetTrade(ctx, id)
	if err != nil {
		s.failNode(r.Context(), w, r, principal, body, err)
		return
	}
	payload, err := json.Marshal(trade)
	if err != nil {
		s.fail(r.Context(), w, r, principal, body, http.StatusInternalServerError, err)
		return
	}
	s.respond(r.Context(), w, r, principal, body, http.StatusOK, payload)
}

type transitionRequest struct {
	Caller   string `json:"caller"`
	Attached string `json:"attached,omitempty"`
	Winner   string `json:"winner,omitempty"`
}

// transition resolves the trade id into its full terms and forwards one
// lifecycle action to the node.
func (s *Server) transition(action string) authedHandler {
	return func(w http.ResponseWriter, r *http.Request, principal *Principal, body []byte) {
		id := strings.TrimSpace(chi.URLParam(r, "id"))
		if id == "" {
			s.fail(r.Context(), w, r, principal, body, http.StatusBadRequest, errors.New("trade id required"))
			return
		}
		var req transitionRequest
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				s.fail(r.Context(), w, r, principal, body, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
				return
			}
		}
		if strings.TrimSpace(req.Caller) == "" {
			s.fail(r.Context(), w, r, principal, body, http.StatusBadRequest, errors.New("caller is required"))
			return
		}
		if action == "resolve" && strings.TrimSpace(req.Winner) == "" {
			s.fail(r.Context(), w, r, principal, body, http.StatusBadRequest, errors.New("winner is required"))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
		defer cancel()
		trade, err := s.node.GetTrade(ctx, id)
		if err != nil {
			s.failNode(r.Context(), w, r, principal, body, err)
			return
		}
		ref := trade.Ref()
		result := []byte(`{"status":"ok"}`)
		switch action {
		case "mark-paid":
			err = s.node.MarkAsPaid(ctx, req.Caller, ref)
		case "release":
			err = s.node.Release(ctx, req.Caller, ref)
		case "buyer-cancel":
			err = s.node.BuyerCancel(ctx, req.Caller, ref)
		case "seller-cancel":
			var cancelled bool
			cancelled, err = s.node.SellerCancel(ctx, req.Caller, ref)
			if err == nil {
				result = []byte(fmt.Sprintf(`{"cancelled":%t}`, cancelled))
			}
		case "dispute":
			err = s.node.OpenDispute(ctx, req.Caller, ref, req.Attached)
		case "resolve":
			err = s.node.ResolveDispute(ctx, req.Caller, ref, req.Winner)
		default:
			err = fmt.Errorf("unknown action %s", action)
		}
		if err != nil {
			s.failNode(r.Context(), w, r, principal, body, err)
			return
		}
		s.respond(r.Context(), w, r, principal, body, http.StatusOK, result)
	}
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request, principal *Principal, body []byte) {
	from, limit, err := parseEventsQuery(r.URL.Query())
	if err != nil {
		s.fail(r.Context(), w, r, principal, body, http.StatusBadRequest, err)
		return
	}
	events, err := s.store.TradeEventsSince(r.Context(), from, limit)
	if err != nil {
		s.fail(r.Context(), w, r, principal, body, http.StatusInternalServerError, err)
		return
	}
	next := from
	if len(events) > 0 {
		next = events[len(events)-1].Sequence + 1
	}
	payload, err := json.Marshal(map[string]interface{}{
		"entries":    events,
		"nextCursor": next,
	})
	if err != nil {
		s.fail(r.Context(), w, r, principal, body, http.StatusInternalServerError, err)
		return
	}
	s.respond(r.Context(), w, r, principal, body, http.StatusOK, payload)
}

func parseEventsQuery(query url.Values) (uint64, int, error) {
	from := uint64(1)
	if raw := strings.TrimSpace(query.Get("from")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid from cursor: %w", err)
		}
		if parsed > 0 {
			from = parsed
		}
	}
	limit := defaultEventsPageSize
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid limit: %w", err)
		}
		if parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxEventsPageSize {
		limit = maxEventsPageSize
	}
	return from, limit, nil
}

type webhookCreateRequest struct {
	EventType string `json:"eventType"`
	URL       string `json:"url"`
	Secret    string `json:"secret"`
	RateLimit int    `json:"rateLimit,omitempty"`
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request, principal *Principal, body []byte) {
	var req webhookCreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.fail(r.Context(), w, r, principal, body, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	if err := validateWebhookCreate(req); err != nil {
		s.fail(r.Context(), w, r, principal, body, http.StatusBadRequest, err)
		return
	}
	sub := WebhookSubscription{
		ID:        uuid.NewString(),
		APIKey:    principal.APIKey,
		EventType: strings.TrimSpace(req.EventType),
		URL:       strings.TrimSpace(req.URL),
		Secret:    req.Secret,
		RateLimit: req.RateLimit,
		Active:    true,
		CreatedAt: s.nowFn().UTC(),
	}
	if sub.RateLimit <= 0 {
		sub.RateLimit = defaultRateLimit
	}
	if err := s.store.InsertSubscription(r.Context(), sub); err != nil {
		s.fail(r.Context(), w, r, principal, body, http.StatusInternalServerError, err)
		return
	}
	payload, err := json.Marshal(sub)
	if err != nil {
		s.fail(r.Context(), w, r, principal, body, http.StatusInternalServerError, err)
		return
	}
	s.respond(r.Context(), w, r, principal, body, http.StatusCreated, payload)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request, principal *Principal, body []byte) {
	subs, err := s.store.ListSubscriptions(r.Context(), principal.APIKey)
	if err != nil {
		s.fail(r.Context(), w, r, principal, body, http.StatusInternalServerError, err)
		return
	}
	if subs == nil {
		subs = []WebhookSubscription{}
	}
	payload, err := json.Marshal(map[string]interface{}{"subscriptions": subs})
	if err != nil {
		s.fail(r.Context(), w, r, principal, body, http.StatusInternalServerError, err)
		return
	}
	s.respond(r.Context(), w, r, principal, body, http.StatusOK, payload)
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request, principal *Principal, body []byte) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if _, err := uuid.Parse(id); err != nil {
		s.fail(r.Context(), w, r, principal, body, http.StatusBadRequest, fmt.Errorf("invalid webhook id: %w", err))
		return
	}
	if err := s.store.DeleteSubscription(r.Context(), principal.APIKey, id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrSubscriptionNotFound) {
			status = http.StatusNotFound
		}
		s.fail(r.Context(), w, r, principal, body, status, err)
		return
	}
	s.audit(r.Context(), principal, r, body, http.StatusNoContent, nil)
	w.WriteHeader(http.StatusNoContent)
}

func validateTradeCreate(req TradeCreateRequest) error {
	if strings.TrimSpace(req.OrderID) == "" {
		return errors.New("orderId is required")
	}
	if strings.TrimSpace(req.Seller) == "" {
		return errors.New("seller is required")
	}
	if strings.TrimSpace(req.Buyer) == "" {
		return errors.New("buyer is required")
	}
	if strings.TrimSpace(req.Amount) == "" {
		return errors.New("amount is required")
	}
	if req.WaitingTime <= 0 {
		return errors.New("waitingTime must be positive")
	}
	return nil
}

func validateWebhookCreate(req webhookCreateRequest) error {
	eventType := strings.TrimSpace(req.EventType)
	if eventType == "" {
		return errors.New("eventType is required")
	}
	if eventType != "*" && !strings.HasPrefix(eventType, "trade.") {
		return fmt.Errorf("unsupported event type %s", eventType)
	}
	target := strings.TrimSpace(req.URL)
	if target == "" {
		return errors.New("url is required")
	}
	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return errors.New("url must be an absolute http(s) endpoint")
	}
	if req.Secret == "" {
		return errors.New("secret is required")
	}
	return nil
}

// failNode maps node RPC failures onto HTTP statuses. The node already sets
// the right status on its error envelope; anything else is a 502.
func (s *Server) failNode(ctx context.Context, w http.ResponseWriter, r *http.Request, principal *Principal, body []byte, err error) {
	status := http.StatusBadGateway
	var rpcErr *NodeRPCError
	if errors.As(err, &rpcErr) && rpcErr.Status >= 400 && rpcErr.Status < 600 {
		status = rpcErr.Status
		if rpcErr.Data != "" {
			err = fmt.Errorf("%s: %s", rpcErr.Message, rpcErr.Data)
		} else {
			err = errors.New(rpcErr.Message)
		}
	}
	s.fail(ctx, w, r, principal, body, status, err)
}

func (s *Server) respond(ctx context.Context, w http.ResponseWriter, r *http.Request, principal *Principal, requestBody []byte, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
	s.audit(ctx, principal, r, requestBody, status, payload)
}

func (s *Server) fail(ctx context.Context, w http.ResponseWriter, r *http.Request, principal *Principal, requestBody []byte, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	msg := strings.ReplaceAll(err.Error(), "\"", "'")
	payload := []byte(fmt.Sprintf(`{"error":"%s"}`, msg))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
	s.audit(ctx, principal, r, requestBody, status, payload)
}

func (s *Server) audit(ctx context.Context, principal *Principal, r *http.Request, requestBody []byte, status int, responseBody []byte) {
	apiKey := ""
	if principal != nil {
		apiKey = principal.APIKey
	}
	entry := AuditEntry{
		ID:             uuid.NewString(),
		APIKey:         apiKey,
		Method:         r.Method,
		Path:           gatewayauth.CanonicalRequestPath(r),
		RequestBody:    append([]byte(nil), requestBody...),
		ResponseBody:   append([]byte(nil), responseBody...),
		ResponseStatus: status,
		Timestamp:      s.nowFn().UTC(),
	}
	_ = s.store.InsertAuditLog(ctx, entry)
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
