package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"custodia/config"
	"custodia/core/events"
	"custodia/native/escrow"
	"custodia/native/operator"
	"custodia/observability"
)

// Server exposes the operator factory and escrow ledger over HTTP.
type Server struct {
	factory *operator.Factory
	ledger  *escrow.Ledger
	events  *events.Buffer
	log     *slog.Logger
	metrics *observability.PaymentMetrics
	limiter *RateLimiter
}

// NewServer wires the HTTP surface over an initialised factory and ledger.
func NewServer(factory *operator.Factory, ledger *escrow.Ledger, buffer *events.Buffer, log *slog.Logger, limit config.RateLimitConfig) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		factory: factory,
		ledger:  ledger,
		events:  buffer,
		log:     log,
		metrics: observability.Payments(),
		limiter: NewRateLimiter(limit),
	}
}

// Router assembles the chi routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(s.limiter.Middleware)
	r.Use(Instrument(s.metrics))

	r.Route("/v1", func(r chi.Router) {
		r.Route("/payments", func(r chi.Router) {
			r.Post("/authorize", s.handleAuthorize)
			r.Post("/release", s.action("release", (*operator.Engine).Release))
			r.Post("/early-release", s.action("early-release", (*operator.Engine).EarlyRelease))
			r.Post("/refund", s.action("refund", (*operator.Engine).RefundInEscrow))
			r.Post("/refund-post-escrow", s.action("refund-post-escrow", (*operator.Engine).RefundPostEscrow))
			r.Post("/void", s.handleVoid)
			r.Get("/", s.handleListPayments)
			r.Get("/{hash}", s.handleGetPayment)
		})
		r.Route("/fees", func(r chi.Router) {
			r.Post("/distribute", s.handleDistribute)
			r.Post("/toggle/queue", s.handleToggleQueue)
			r.Post("/toggle/execute", s.handleToggleExecute)
			r.Post("/toggle/cancel", s.handleToggleCancel)
		})
		r.Route("/operators", func(r chi.Router) {
			r.Post("/", s.handleDeploy)
			r.Get("/", s.handleListOperators)
			r.Get("/{address}", s.handleGetOperator)
		})
		r.Post("/ledger/deposits", s.handleDeposit)
		r.Get("/accounts/{address}/balance", s.handleBalance)
		r.Get("/events", s.handleEvents)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

func decode(req *http.Request, out any) error {
	defer req.Body.Close()
	dec := json.NewDecoder(req.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func (s *Server) engineFor(encoded string) (*operator.Engine, error) {
	addr, err := parseAddress(encoded)
	if err != nil {
		return nil, err
	}
	return s.factory.InstanceAt(addr)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, req *http.Request) {
	var body authorizeRequest
	if err := decode(req, &body); err != nil {
		writeError(w, req, err)
		return
	}
	engine, err := s.engineFor(body.Operator)
	if err != nil {
		writeError(w, req, err)
		return
	}
	info := escrow.PaymentInfo{Operator: engine.Address(), Token: body.Token, PreApprovalExpiry: body.PreApprovalExpiry}
	if info.Payer, err = parseAddress(body.Payer); err != nil {
		writeError(w, req, err)
		return
	}
	if info.Receiver, err = parseAddress(body.Receiver); err != nil {
		writeError(w, req, err)
		return
	}
	if info.MaxAmount, err = parseAmount(body.MaxAmount); err != nil {
		writeError(w, req, err)
		return
	}
	if body.Salt != "" {
		if info.Salt, err = parseHash(body.Salt); err != nil {
			writeError(w, req, err)
			return
		}
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		writeError(w, req, err)
		return
	}
	var collector [20]byte
	if body.Collector != "" {
		if collector, err = parseAddress(body.Collector); err != nil {
			writeError(w, req, err)
			return
		}
	}
	var collectorData []byte
	if body.CollectorData != "" {
		if collectorData, err = hex.DecodeString(body.CollectorData); err != nil {
			writeError(w, req, fmt.Errorf("%w: collector data", errBadRequest))
			return
		}
	}
	record, err := engine.Authorize(info, amount, collector, collectorData)
	if err != nil {
		writeError(w, req, err)
		return
	}
	s.log.Info("payment authorized",
		"hash", encodeHash(record.Hash),
		"operator", encodeAddress(engine.Address()),
		"amount", amount.String(),
		"token", record.Info.Token)
	writeJSON(w, http.StatusCreated, newPaymentView(record))
}

// action builds a handler for the uniform caller/hash/amount transitions.
func (s *Server) action(name string, op func(*operator.Engine, [20]byte, [32]byte, *big.Int) error) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body actionRequest
		if err := decode(req, &body); err != nil {
			writeError(w, req, err)
			return
		}
		engine, err := s.engineFor(body.Operator)
		if err != nil {
			writeError(w, req, err)
			return
		}
		caller, err := parseAddress(body.Caller)
		if err != nil {
			writeError(w, req, err)
			return
		}
		hash, err := parseHash(body.Hash)
		if err != nil {
			writeError(w, req, err)
			return
		}
		amount, err := parseAmount(body.Amount)
		if err != nil {
			writeError(w, req, err)
			return
		}
		if err := op(engine, caller, hash, amount); err != nil {
			writeError(w, req, err)
			return
		}
		record, err := engine.GetPayment(hash)
		if err != nil {
			writeError(w, req, err)
			return
		}
		s.log.Info("payment transition applied",
			"operation", name,
			"hash", encodeHash(hash),
			"amount", amount.String())
		s.metrics.AddVolume(name, record.Info.Token, amountMetric(amount))
		writeJSON(w, http.StatusOK, newPaymentView(record))
	}
}

// amountMetric converts an amount to the float64 prometheus expects. Amounts
// beyond float precision saturate rather than panic.
func amountMetric(amount *big.Int) float64 {
	f, _ := new(big.Float).SetInt(amount).Float64()
	return f
}

func (s *Server) handleVoid(w http.ResponseWriter, req *http.Request) {
	var body actionRequest
	if err := decode(req, &body); err != nil {
		writeError(w, req, err)
		return
	}
	engine, err := s.engineFor(body.Operator)
	if err != nil {
		writeError(w, req, err)
		return
	}
	caller, err := parseAddress(body.Caller)
	if err != nil {
		writeError(w, req, err)
		return
	}
	hash, err := parseHash(body.Hash)
	if err != nil {
		writeError(w, req, err)
		return
	}
	if err := engine.Void(caller, hash); err != nil {
		writeError(w, req, err)
		return
	}
	record, err := engine.GetPayment(hash)
	if err != nil {
		writeError(w, req, err)
		return
	}
	s.log.Info("payment voided", "hash", encodeHash(hash))
	writeJSON(w, http.StatusOK, newPaymentView(record))
}

func (s *Server) handleGetPayment(w http.ResponseWriter, req *http.Request) {
	hash, err := parseHash(chi.URLParam(req, "hash"))
	if err != nil {
		writeError(w, req, err)
		return
	}
	record, err := s.factory.Payment(hash)
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, newPaymentView(record))
}

func (s *Server) handleListPayments(w http.ResponseWriter, req *http.Request) {
	index := operator.IndexPayer
	party := req.URL.Query().Get("payer")
	if party == "" {
		index = operator.IndexReceiver
		party = req.URL.Query().Get("receiver")
	}
	if party == "" {
		writeError(w, req, fmt.Errorf("%w: payer or receiver query is required", errBadRequest))
		return
	}
	addr, err := parseAddress(party)
	if err != nil {
		writeError(w, req, err)
		return
	}
	hashes, err := s.factory.PaymentsByParty(index, addr)
	if err != nil {
		writeError(w, req, err)
		return
	}
	views := make([]paymentView, 0, len(hashes))
	for _, hash := range hashes {
		record, err := s.factory.Payment(hash)
		if err != nil {
			writeError(w, req, err)
			return
		}
		views = append(views, newPaymentView(record))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleDistribute(w http.ResponseWriter, req *http.Request) {
	var body distributeRequest
	if err := decode(req, &body); err != nil {
		writeError(w, req, err)
		return
	}
	engine, err := s.engineFor(body.Operator)
	if err != nil {
		writeError(w, req, err)
		return
	}
	protocol, arbiter, err := engine.DistributeFees(body.Token)
	if err != nil {
		writeError(w, req, err)
		return
	}
	s.log.Info("fees distributed",
		"operator", encodeAddress(engine.Address()),
		"token", body.Token,
		"protocol", protocol.String(),
		"arbiter", arbiter.String())
	writeJSON(w, http.StatusOK, distributionView{
		Operator: encodeAddress(engine.Address()),
		Token:    body.Token,
		Protocol: protocol.String(),
		Arbiter:  arbiter.String(),
	})
}

func (s *Server) handleToggleQueue(w http.ResponseWriter, req *http.Request) {
	s.toggle(w, req, func(engine *operator.Engine, caller [20]byte, body toggleRequest) error {
		return engine.QueueFeesEnabled(caller, body.Enabled)
	})
}

func (s *Server) handleToggleExecute(w http.ResponseWriter, req *http.Request) {
	s.toggle(w, req, func(engine *operator.Engine, caller [20]byte, _ toggleRequest) error {
		return engine.ExecuteFeesEnabled(caller)
	})
}

func (s *Server) handleToggleCancel(w http.ResponseWriter, req *http.Request) {
	s.toggle(w, req, func(engine *operator.Engine, caller [20]byte, _ toggleRequest) error {
		return engine.CancelFeesEnabled(caller)
	})
}

func (s *Server) toggle(w http.ResponseWriter, req *http.Request, op func(*operator.Engine, [20]byte, toggleRequest) error) {
	var body toggleRequest
	if err := decode(req, &body); err != nil {
		writeError(w, req, err)
		return
	}
	engine, err := s.engineFor(body.Operator)
	if err != nil {
		writeError(w, req, err)
		return
	}
	caller, err := parseAddress(body.Caller)
	if err != nil {
		writeError(w, req, err)
		return
	}
	if err := op(engine, caller, body); err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, newOperatorView(engine))
}

func (s *Server) handleDeploy(w http.ResponseWriter, req *http.Request) {
	var body deployRequest
	if err := decode(req, &body); err != nil {
		writeError(w, req, err)
		return
	}
	arbiter, err := parseAddress(body.Arbiter)
	if err != nil {
		writeError(w, req, err)
		return
	}
	policy := operator.Policy{
		Arbiter:             arbiter,
		EscrowDelay:         body.EscrowDelay,
		AuthorizationWindow: body.AuthorizationWindow,
		RefundWindow:        body.RefundWindow,
	}
	engine, err := s.factory.Deploy(policy)
	if err != nil {
		writeError(w, req, err)
		return
	}
	s.log.Info("operator deployed", "address", encodeAddress(engine.Address()))
	writeJSON(w, http.StatusCreated, newOperatorView(engine))
}

func (s *Server) handleListOperators(w http.ResponseWriter, req *http.Request) {
	instances := s.factory.Instances()
	views := make([]operatorView, 0, len(instances))
	for _, engine := range instances {
		views = append(views, newOperatorView(engine))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetOperator(w http.ResponseWriter, req *http.Request) {
	engine, err := s.engineFor(chi.URLParam(req, "address"))
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, newOperatorView(engine))
}

// handleDeposit credits a ledger account, recording an externally confirmed
// deposit into the custodial pool.
func (s *Server) handleDeposit(w http.ResponseWriter, req *http.Request) {
	var body depositRequest
	if err := decode(req, &body); err != nil {
		writeError(w, req, err)
		return
	}
	addr, err := parseAddress(body.Address)
	if err != nil {
		writeError(w, req, err)
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		writeError(w, req, err)
		return
	}
	token, err := escrow.NormalizeToken(body.Token)
	if err != nil {
		writeError(w, req, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if err := s.ledger.Mint(addr, token, amount); err != nil {
		writeError(w, req, err)
		return
	}
	balance, err := s.ledger.BalanceOf(addr, token)
	if err != nil {
		writeError(w, req, err)
		return
	}
	s.log.Info("deposit credited", "address", encodeAddress(addr), "token", token, "amount", amount.String())
	writeJSON(w, http.StatusCreated, balanceView{Address: encodeAddress(addr), Token: token, Balance: balance.String()})
}

func (s *Server) handleBalance(w http.ResponseWriter, req *http.Request) {
	addr, err := parseAddress(chi.URLParam(req, "address"))
	if err != nil {
		writeError(w, req, err)
		return
	}
	token, err := escrow.NormalizeToken(req.URL.Query().Get("token"))
	if err != nil {
		writeError(w, req, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	balance, err := s.ledger.BalanceOf(addr, token)
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceView{Address: encodeAddress(addr), Token: token, Balance: balance.String()})
}

func (s *Server) handleEvents(w http.ResponseWriter, req *http.Request) {
	limit := 0
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, req, fmt.Errorf("%w: limit %q", errBadRequest, raw))
			return
		}
		limit = parsed
	}
	entries := s.events.List(req.URL.Query().Get("type"), limit)
	writeJSON(w, http.StatusOK, entries)
}
