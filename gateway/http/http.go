// Package http exposes the administrative REST surface: token issuance,
// repricing, burning, transfers, wallet queries, health, and metrics.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/walletvault/auth"
	walleterrors "github.com/c360/walletvault/errors"
	"github.com/c360/walletvault/ledger"
)

// Ledger is the slice of the balance service the API drives.
type Ledger interface {
	Inject(ctx context.Context, req ledger.InjectRequest) ([]ledger.Record, []ledger.Failure, error)
	SetPrice(ctx context.Context, req ledger.SetPriceRequest) ([]ledger.Record, []ledger.Failure, error)
	Burn(ctx context.Context, req ledger.BurnRequest) ([]ledger.Record, []ledger.Failure, error)
	Transfer(ctx context.Context, req ledger.TransferRequest) (ledger.TransferResult, error)
	WalletTokens(ctx context.Context, wallet string) ([]ledger.Record, error)
}

// Handler serves the admin API.
type Handler struct {
	ledger   Ledger
	verifier auth.Verifier
	healthy  func(ctx context.Context) error
	logger   *slog.Logger
	started  time.Time
}

// Options configures the handler.
type Options struct {
	Ledger       Ledger
	Verifier     auth.Verifier
	StoreHealthy func(ctx context.Context) error
	Logger       *slog.Logger
	WSHandler    http.Handler
	PromRegistry *prometheus.Registry
}

// NewHandler builds the API router. WSHandler, when set, is mounted at /ws;
// PromRegistry, when set, mounts /metrics.
func NewHandler(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	h := &Handler{
		ledger:   opts.Ledger,
		verifier: opts.Verifier,
		healthy:  opts.StoreHealthy,
		logger:   logger.With("component", "http"),
		started:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("POST /api/token/inject", h.authenticated(h.adminOnly(h.handleInject)))
	mux.HandleFunc("POST /api/token/set-price", h.authenticated(h.adminOnly(h.handleSetPrice)))
	mux.HandleFunc("POST /api/token/burn", h.authenticated(h.adminOnly(h.handleBurn)))
	mux.HandleFunc("POST /api/token/transfer", h.authenticated(h.handleTransfer))
	mux.HandleFunc("GET /api/wallet/{wallet}/tokens", h.authenticated(h.handleWalletTokens))
	if opts.WSHandler != nil {
		mux.Handle("/ws", opts.WSHandler)
	}
	if opts.PromRegistry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(opts.PromRegistry, promhttp.HandlerOpts{}))
	}
	return mux
}

type principalKey struct{}

func principalFrom(ctx context.Context) auth.Principal {
	p, _ := ctx.Value(principalKey{}).(auth.Principal)
	return p
}

// authenticated verifies the bearer token and stores the principal on the
// request context.
func (h *Handler) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		principal, err := h.verifier.Verify(token)
		if err != nil {
			h.writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next(w, r.WithContext(ctx))
	}
}

func (h *Handler) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := auth.RequireAdmin(principalFrom(r.Context())); err != nil {
			h.writeError(w, err)
			return
		}
		next(w, r)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	storeStatus := "ok"
	code := http.StatusOK
	if h.healthy != nil {
		if err := h.healthy(r.Context()); err != nil {
			status = "degraded"
			storeStatus = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"data": map[string]any{
			"store":  storeStatus,
			"uptime": time.Since(h.started).Round(time.Second).String(),
		},
	})
}

func (h *Handler) handleInject(w http.ResponseWriter, r *http.Request) {
	var req ledger.InjectRequest
	if !h.decode(w, r, &req) {
		return
	}
	records, failures, err := h.ledger.Inject(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeResult(w, map[string]any{"records": records, "failures": failures})
}

func (h *Handler) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	var req ledger.SetPriceRequest
	if !h.decode(w, r, &req) {
		return
	}
	records, failures, err := h.ledger.SetPrice(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeResult(w, map[string]any{"records": records, "failures": failures})
}

func (h *Handler) handleBurn(w http.ResponseWriter, r *http.Request) {
	var req ledger.BurnRequest
	if !h.decode(w, r, &req) {
		return
	}
	records, failures, err := h.ledger.Burn(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeResult(w, map[string]any{"records": records, "failures": failures})
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req ledger.TransferRequest
	if !h.decode(w, r, &req) {
		return
	}
	// A non-admin caller may only move funds out of its own wallet.
	principal := principalFrom(r.Context())
	if !principal.Admin && principal.ID != req.Source {
		h.writeError(w, walleterrors.WrapKind(walleterrors.KindAuthorization,
			walleterrors.ErrAdminRequired, "http", "handleTransfer", "transferring from foreign wallet"))
		return
	}
	result, err := h.ledger.Transfer(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeResult(w, result)
}

func (h *Handler) handleWalletTokens(w http.ResponseWriter, r *http.Request) {
	wallet := r.PathValue("wallet")
	principal := principalFrom(r.Context())
	if !principal.Admin && principal.ID != wallet {
		h.writeError(w, walleterrors.WrapKind(walleterrors.KindAuthorization,
			walleterrors.ErrAdminRequired, "http", "handleWalletTokens", "reading foreign wallet"))
		return
	}
	records, err := h.ledger.WalletTokens(r.Context(), wallet)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeResult(w, map[string]any{"wallet": wallet, "tokens": records})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, walleterrors.WrapKind(walleterrors.KindValidation, err,
			"http", "decode", "parsing request body"))
		return false
	}
	return true
}

func (h *Handler) writeResult(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": data})
}

// writeError maps the error to a status code and sanitizes internal
// failures so backend details never reach the client.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := walleterrors.HTTPStatus(err)
	message := err.Error()
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
		message = "internal error"
	}
	writeJSON(w, code, map[string]any{
		"status":  "error",
		"code":    walleterrors.KindOf(err).String(),
		"message": message,
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
