// Package api provides the operator HTTP handlers: seeding holder profiles
// and inspecting what the pipeline decided and executed for them.
//
// All monetary values use shopspring/decimal, never float64 for money.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/valuestor/trader/internal/model"
	"github.com/valuestor/trader/internal/store"
)

const (
	defaultDecisionLimit = 50
	maxDecisionLimit     = 500
)

// Reviewer produces on-demand portfolio advice for one holder.
type Reviewer interface {
	ReviewHolder(ctx context.Context, address string) (*model.PortfolioAdvice, error)
}

// Service serves the operator API.
type Service struct {
	store    store.Store
	reviewer Reviewer // optional; portfolio endpoint answers 503 without it
	log      *zap.Logger
	now      func() time.Time
}

// NewService creates a new API service.
// Pass nil for reviewer if on-demand portfolio advice is not wanted.
func NewService(st store.Store, reviewer Reviewer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    st,
		reviewer: reviewer,
		log:      logger.Named("api"),
		now:      time.Now,
	}
}

// Routes mounts the handlers under /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/profiles", s.SaveProfile)
		r.Get("/profiles/{address}", s.GetProfile)
		r.Get("/holders/{address}/positions", s.ListPositions)
		r.Get("/holders/{address}/decisions", s.ListDecisions)
		r.Get("/holders/{address}/portfolio", s.GetPortfolio)
		r.Get("/executions/{executionID}", s.GetExecution)
		r.Get("/tokens/{token}/analysis", s.GetAnalysis)
	})
}

// --- Request types ---

// ProfileRequest is the JSON body for profile seeding.
type ProfileRequest struct {
	Address  string       `json:"address"`
	Values   model.Values `json:"values"`
	IsActive *bool        `json:"is_active"` // defaults to true
}

// --- HTTP Handlers ---

// SaveProfile handles POST /api/v1/profiles
// Profiles normally come from the external registry; this seeds them.
func (s *Service) SaveProfile(w http.ResponseWriter, r *http.Request) {
	var req ProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	req.Address = strings.TrimSpace(req.Address)
	if req.Address == "" {
		writeError(w, "address is required", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.Address) {
		writeError(w, "address must be a 20-byte hex address", http.StatusBadRequest)
		return
	}
	req.Address = normalizeAddress(req.Address)
	if req.Values.RiskTolerance.Rank() < 0 {
		writeError(w, "risk_tolerance must be conservative, moderate or aggressive", http.StatusBadRequest)
		return
	}
	if req.Values.MaxInvestmentPerToken.IsNegative() {
		writeError(w, "max_investment_per_token must not be negative", http.StatusBadRequest)
		return
	}
	if a := req.Values.AIGuidance.Aggressiveness; a < 0 || a > 100 {
		writeError(w, "aggressiveness must be within 0..100", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	now := s.now().UTC()
	profile := &model.ValueProfile{
		ID:        uuid.New().String(),
		Address:   req.Address,
		Values:    req.Values,
		IsActive:  req.IsActive == nil || *req.IsActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	status := http.StatusCreated
	existing, err := s.store.GetProfile(ctx, req.Address)
	switch {
	case err == nil:
		profile.ID = existing.ID
		profile.CreatedAt = existing.CreatedAt
		status = http.StatusOK
	case !errors.Is(err, store.ErrNotFound):
		s.log.Error("profile lookup failed", zap.String("holder", req.Address), zap.Error(err))
		writeError(w, "failed to load profile", http.StatusInternalServerError)
		return
	}

	if err := s.store.SaveProfile(ctx, profile); err != nil {
		s.log.Error("profile save failed", zap.String("holder", req.Address), zap.Error(err))
		writeError(w, "failed to save profile", http.StatusInternalServerError)
		return
	}

	s.log.Info("profile saved",
		zap.String("holder", profile.Address),
		zap.Bool("active", profile.IsActive),
		zap.Bool("auto_trade", profile.Values.AutoTrade),
		zap.String("risk_tolerance", string(profile.Values.RiskTolerance)),
	)

	writeJSON(w, status, profile)
}

// GetProfile handles GET /api/v1/profiles/{address}
func (s *Service) GetProfile(w http.ResponseWriter, r *http.Request) {
	address := addressParam(r)

	profile, err := s.store.GetProfile(r.Context(), address)
	if err != nil {
		s.lookupError(w, "profile", err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// ListPositions handles GET /api/v1/holders/{address}/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	address := addressParam(r)

	positions, err := s.store.ListPositions(r.Context(), address)
	if err != nil {
		s.log.Error("list positions failed", zap.String("holder", address), zap.Error(err))
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// ListDecisions handles GET /api/v1/holders/{address}/decisions
// Returns the newest decisions first, optionally bounded by ?limit=<n>.
func (s *Service) ListDecisions(w http.ResponseWriter, r *http.Request) {
	address := addressParam(r)

	limit := defaultDecisionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxDecisionLimit)
	}

	decisions, err := s.store.ListDecisions(r.Context(), address, limit)
	if err != nil {
		s.log.Error("list decisions failed", zap.String("holder", address), zap.Error(err))
		writeError(w, "failed to load decisions", http.StatusInternalServerError)
		return
	}
	if decisions == nil {
		decisions = []model.TradeDecision{}
	}
	writeJSON(w, http.StatusOK, decisions)
}

// GetPortfolio handles GET /api/v1/holders/{address}/portfolio
// Runs a portfolio review for the holder right now.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	if s.reviewer == nil {
		writeError(w, "portfolio review is not enabled", http.StatusServiceUnavailable)
		return
	}
	address := addressParam(r)

	advice, err := s.reviewer.ReviewHolder(r.Context(), address)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "profile not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("portfolio review failed", zap.String("holder", address), zap.Error(err))
		writeError(w, "portfolio review failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, advice)
}

// GetExecution handles GET /api/v1/executions/{executionID}
func (s *Service) GetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")

	exec, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		s.lookupError(w, "execution", err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// GetAnalysis handles GET /api/v1/tokens/{token}/analysis
func (s *Service) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	analysis, err := s.store.GetAnalysis(r.Context(), token)
	if err != nil {
		s.lookupError(w, "analysis", err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

// normalizeAddress lower-cases a hex address so store keys match however the
// caller cased it.
func normalizeAddress(addr string) string {
	return strings.ToLower(common.HexToAddress(addr).Hex())
}

func addressParam(r *http.Request) string {
	addr := chi.URLParam(r, "address")
	if common.IsHexAddress(addr) {
		return normalizeAddress(addr)
	}
	return addr
}

func (s *Service) lookupError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, what+" not found", http.StatusNotFound)
		return
	}
	s.log.Error(what+" lookup failed", zap.Error(err))
	writeError(w, "failed to load "+what, http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
