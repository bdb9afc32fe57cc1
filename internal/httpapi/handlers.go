package httpapi

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	svcerrors "github.com/R3E-Network/metatx_ledger/internal/errors"
	"github.com/R3E-Network/metatx_ledger/internal/httputil"
	"github.com/R3E-Network/metatx_ledger/internal/keys"
	"github.com/R3E-Network/metatx_ledger/internal/ledger"
	"github.com/R3E-Network/metatx_ledger/internal/metatx"
	"github.com/R3E-Network/metatx_ledger/internal/middleware"
)

// InstructionRequest is the body of POST /v1/instructions.
type InstructionRequest struct {
	PublicKey string           `json:"public_key"`
	Signature string           `json:"signature"`
	Direction metatx.Direction `json:"direction"`
	Amount    uint64           `json:"amount"`
	Expiry    int64            `json:"expiry"`
	Counter   uint64           `json:"counter"`
}

// WithdrawalRequest is the body of POST /v1/withdrawals.
type WithdrawalRequest struct {
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
	Amount    uint64 `json:"amount"`
	Expiry    int64  `json:"expiry"`
	Counter   uint64 `json:"counter"`
}

// DepositRequest is the body of POST /v1/deposits.
type DepositRequest struct {
	Amount uint64 `json:"amount"`
}

// AccountResponse is returned by GET /v1/accounts/{address}.
type AccountResponse struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance"`
	Counter uint64 `json:"counter"`
	Exists  bool   `json:"exists"`
}

// DomainResponse tells signers what to bind their signatures to.
type DomainResponse struct {
	DomainID string   `json:"domain_id"`
	Version  string   `json:"version"`
	Schemes  []string `json:"schemes"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDomain(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, DomainResponse{
		DomainID: s.processor.DomainID(),
		Version:  metatx.Version,
		Schemes:  []string{string(keys.SchemeEd25519), string(keys.SchemeSecp256r1)},
	})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if err := keys.ValidateAddress(address); err != nil {
		httputil.WriteError(w, r, svcerrors.InvalidFormat("address", err.Error()))
		return
	}
	acct, found, err := s.processor.Account(r.Context(), address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, AccountResponse{
		Address: address,
		Balance: acct.Balance,
		Counter: acct.Counter,
		Exists:  found,
	})
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httputil.WriteError(w, r, svcerrors.InvalidFormat("limit", "must be a non-negative integer"))
			return
		}
		limit = n
	}
	entries, err := s.processor.Entries(r.Context(), address, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	entry, err := s.processor.Deposit(r.Context(), middleware.GetCaller(r.Context()), req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, entry)
}

func (s *Server) handleInstruction(w http.ResponseWriter, r *http.Request) {
	var req InstructionRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	pub, sig, err := decodeAuth(req.PublicKey, req.Signature)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	entry, err := s.processor.SubmitInstruction(r.Context(), ledger.SignedInstruction{
		PublicKey: pub,
		Signature: sig,
		Direction: req.Direction,
		Amount:    req.Amount,
		Expiry:    time.Unix(req.Expiry, 0),
		Counter:   req.Counter,
		Relayer:   relayerID(r),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, entry)
}

func (s *Server) handleWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	pub, sig, err := decodeAuth(req.PublicKey, req.Signature)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	entry, err := s.processor.Withdraw(r.Context(), ledger.SignedWithdrawal{
		PublicKey: pub,
		Signature: sig,
		Amount:    req.Amount,
		Expiry:    time.Unix(req.Expiry, 0),
		Counter:   req.Counter,
		Relayer:   relayerID(r),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, entry)
}

func decodeAuth(pubHex, sigHex string) ([]byte, []byte, error) {
	pub, err := hex.DecodeString(strings.TrimPrefix(pubHex, "0x"))
	if err != nil || len(pub) == 0 {
		return nil, nil, svcerrors.InvalidFormat("public_key", "must be non-empty hex")
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil || len(sig) == 0 {
		return nil, nil, svcerrors.InvalidFormat("signature", "must be non-empty hex")
	}
	return pub, sig, nil
}

func relayerID(r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get(httputil.RelayerHeader))
	if len(id) > 128 {
		id = id[:128]
	}
	return id
}

// writeError maps ledger errors onto service errors. Anything unmapped is
// logged and reported as internal.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	se := toServiceError(err)
	if se.HTTPStatus >= http.StatusInternalServerError {
		s.logger.WithContext(r.Context()).WithError(err).Error("request failed")
	}
	httputil.WriteError(w, r, se)
}

func toServiceError(err error) *svcerrors.ServiceError {
	if se := svcerrors.GetServiceError(err); se != nil {
		return se
	}
	switch {
	case errors.Is(err, ledger.ErrExpired):
		return svcerrors.Expired(err)
	case errors.Is(err, ledger.ErrBadSignature):
		return svcerrors.BadSignature(err)
	case errors.Is(err, ledger.ErrStaleCounter):
		return svcerrors.StaleCounter(err).WithDetails("reason", err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return svcerrors.InsufficientFunds(err).WithDetails("reason", err.Error())
	case errors.Is(err, ledger.ErrUnknownAccount):
		return svcerrors.UnknownAccount(err)
	case errors.Is(err, ledger.ErrBalanceOverflow):
		return svcerrors.BalanceOverflow(err)
	case errors.Is(err, ledger.ErrInvalidAmount):
		return svcerrors.InvalidFormat("amount", err.Error())
	case errors.Is(err, ledger.ErrInvalidAddress):
		return svcerrors.InvalidFormat("address", err.Error())
	case errors.Is(err, metatx.ErrInvalidDirection):
		return svcerrors.InvalidFormat("direction", err.Error())
	default:
		return svcerrors.Internal("internal error", err)
	}
}
