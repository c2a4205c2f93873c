package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/optionclear/custody/internal/auth"
	"github.com/optionclear/custody/internal/engine"
	"github.com/optionclear/custody/internal/models"
)

var lamportsPerSol = decimal.NewFromInt(1_000_000_000)

// Handler contains dependencies for HTTP handlers.
type Handler struct {
	Engine *engine.Engine
	Auth   *auth.Service
	Log    *zap.Logger
}

// NewHandler creates a new handler.
func NewHandler(eng *engine.Engine, authService *auth.Service, log *zap.Logger) *Handler {
	return &Handler{Engine: eng, Auth: authService, Log: log}
}

// Register handles user registration.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeErrorMessage(w, http.StatusBadRequest, "Username and password required")
		return
	}

	user, err := h.Auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		writeErrorMessage(w, http.StatusInternalServerError, "Failed to register user")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, err := h.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeErrorMessage(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens and attaches the caller identity.
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeErrorMessage(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		userID, err := h.Auth.UserFromToken(tokenString)
		if err != nil {
			writeErrorMessage(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), "user_id", userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// InitializeAccount creates the caller's position registry.
func (h *Handler) InitializeAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		writeErrorMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if err := h.Engine.InitializeUser(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"message": "Account initialized"})
}

// InitializeEscrow creates the caller's escrow sub-account.
func (h *Handler) InitializeEscrow(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		writeErrorMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if err := h.Engine.InitializeEscrow(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"message": "Escrow initialized"})
}

// Deposit moves funds from the caller's wallet into their escrow.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.moveFunds(w, r, h.Engine.Deposit, "Deposit complete")
}

// Withdraw moves funds from the caller's escrow back to their wallet.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.moveFunds(w, r, h.Engine.Withdraw, "Withdrawal complete")
}

func (h *Handler) moveFunds(w http.ResponseWriter, r *http.Request, op func(context.Context, int64, uint64) error, message string) {
	userID, ok := callerID(r)
	if !ok {
		writeErrorMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var req struct {
		Amount uint64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := op(r.Context(), userID, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}

// GetEscrow reports the caller's escrow and wallet balances.
func (h *Handler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		writeErrorMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	escrow, err := h.Engine.Store().EscrowBalance(r.Context(), userID)
	if err != nil {
		writeError(w, engine.ErrAccountNotFound)
		return
	}
	wallet, err := h.Engine.Store().WalletBalance(r.Context(), userID)
	if err != nil {
		writeError(w, engine.ErrAccountNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"escrow_balance": escrow,
		"escrow_sol":     solString(escrow),
		"wallet_balance": wallet,
		"wallet_sol":     solString(wallet),
	})
}

// CreateContract originates a contract with the caller as buyer.
func (h *Handler) CreateContract(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		writeErrorMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var req struct {
		SellerID             int64  `json:"seller_id"`
		UnderlyingAsset      string `json:"underlying_asset"`
		NumUnits             uint64 `json:"num_units"`
		StrikePrice          uint64 `json:"strike_price"`
		ExpirationDate       int64  `json:"expiration_date"`
		OptionType           string `json:"option_type"`
		Premium              uint64 `json:"premium"`
		MarginRequirementBps uint16 `json:"margin_requirement_bps"`
		IsTest               bool   `json:"is_test"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	contract, err := h.Engine.CreateContract(r.Context(), userID, engine.CreateContractParams{
		SellerID:             req.SellerID,
		UnderlyingAsset:      req.UnderlyingAsset,
		NumUnits:             req.NumUnits,
		StrikePrice:          req.StrikePrice,
		ExpirationDate:       time.Unix(req.ExpirationDate, 0),
		OptionType:           models.OptionType(req.OptionType),
		Premium:              req.Premium,
		MarginRequirementBps: req.MarginRequirementBps,
		IsTest:               req.IsTest,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(contractResponse(contract))
}

// ListContracts returns every contract the caller appears on.
func (h *Handler) ListContracts(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		writeErrorMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	contracts, err := h.Engine.Store().ContractsByOwner(r.Context(), userID)
	if err != nil {
		writeError(w, engine.ErrAccountNotFound)
		return
	}
	out := make([]map[string]interface{}, 0, len(contracts))
	for i := range contracts {
		out = append(out, contractResponse(&contracts[i]))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// Exercise computes and freezes the payoff on a contract.
func (h *Handler) Exercise(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		writeErrorMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	ref, err := refFromURL(r)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "Invalid contract reference")
		return
	}
	var req struct {
		UnderlyingPriceUSD uint64 `json:"underlying_price_usd"`
		SolPriceUSD        uint64 `json:"sol_price_usd"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	contract, err := h.Engine.Exercise(r.Context(), userID, ref, req.UnderlyingPriceUSD, req.SolPriceUSD)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(contractResponse(contract))
}

// Settle finalizes an exercised contract. Deliberately open to any
// authenticated caller.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	ref, err := refFromURL(r)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "Invalid contract reference")
		return
	}

	contract, err := h.Engine.Settle(r.Context(), ref)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(contractResponse(contract))
}

func callerID(r *http.Request) (int64, bool) {
	userID, ok := r.Context().Value("user_id").(int64)
	return userID, ok
}

func refFromURL(r *http.Request) (models.ContractRef, error) {
	var ref models.ContractRef
	buyer, err := strconv.ParseInt(chi.URLParam(r, "buyer"), 10, 64)
	if err != nil {
		return ref, err
	}
	seller, err := strconv.ParseInt(chi.URLParam(r, "seller"), 10, 64)
	if err != nil {
		return ref, err
	}
	seq, err := strconv.ParseUint(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		return ref, err
	}
	ref.Buyer, ref.Seller, ref.Seq = buyer, seller, seq
	return ref, nil
}

func contractResponse(c *models.OptionContract) map[string]interface{} {
	return map[string]interface{}{
		"ref":                    c.Ref,
		"underlying_asset":       c.UnderlyingAsset,
		"num_units":              c.NumUnits,
		"strike_price":           c.StrikePrice,
		"expiration_date":        c.ExpirationDate.Unix(),
		"option_type":            c.OptionType,
		"premium":                c.Premium,
		"seller_pending_balance": c.SellerPendingBalance,
		"buyer_pending_balance":  c.BuyerPendingBalance,
		"pending_sol":            solString(c.SellerPendingBalance),
		"status":                 c.Status,
		"margin_requirement_bps": c.MarginRequirementBps,
		"margin_amount":          c.MarginAmount,
		"margin_sol":             solString(c.MarginAmount),
		"is_test":                c.IsTest,
		"created_at":             c.CreatedAt,
	}
}

// solString renders a lamport amount as a SOL decimal string.
func solString(lamports uint64) string {
	return decimal.NewFromUint64(lamports).Div(lamportsPerSol).String()
}

func writeErrorMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeError maps engine errors onto HTTP statuses, keeping the stable code
// in the body.
func writeError(w http.ResponseWriter, err error) {
	engErr, ok := err.(*engine.Error)
	if !ok {
		writeErrorMessage(w, http.StatusInternalServerError, "Internal error")
		return
	}

	status := http.StatusBadRequest
	switch engErr {
	case engine.ErrUnauthorizedExercise:
		status = http.StatusForbidden
	case engine.ErrAccountNotFound, engine.ErrContractNotFound:
		status = http.StatusNotFound
	case engine.ErrAlreadyInitialized, engine.ErrContractNotActive,
		engine.ErrContractNotExpired, engine.ErrNotExercised, engine.ErrNoPendingBalance:
		status = http.StatusConflict
	case engine.ErrCalculation:
		status = http.StatusUnprocessableEntity
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": engErr.Message,
		"code":  engErr.Code,
	})
}
