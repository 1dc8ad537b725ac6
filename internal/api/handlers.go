package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yegors/sessionpay/internal/api/httpx"
	"github.com/yegors/sessionpay/internal/apperr"
	"github.com/yegors/sessionpay/internal/authority"
	"github.com/yegors/sessionpay/internal/chain"
	"github.com/yegors/sessionpay/internal/ledger"
	"github.com/yegors/sessionpay/internal/orchestrator"
	"github.com/yegors/sessionpay/internal/policy"
	"github.com/yegors/sessionpay/internal/x402"
	"github.com/yegors/sessionpay/pkg/logger"
)

// Sessions is the session lifecycle the handlers drive
type Sessions interface {
	CreateSession(ctx context.Context, ownerWallet, smartAccount string) (*authority.Descriptor, error)
	ActivateSession(ctx context.Context, id, proofHex string) (*ledger.Session, error)
	RevokeSession(ctx context.Context, id string) (*ledger.Session, error)
	LookupActiveSession(ctx context.Context, ownerWallet string) (*ledger.Session, error)
	Debit(ctx context.Context, id string, amount policy.Amount) (*ledger.Session, error)
}

// Payments fulfils paid resource calls
type Payments interface {
	Fulfill(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
}

// Reconciliations lists records of funds needing operator attention
type Reconciliations interface {
	ListReconciliations(ctx context.Context, openOnly bool) ([]*ledger.Reconciliation, error)
}

// Handler contains the API handlers
type Handler struct {
	sessions        Sessions
	payments        Payments
	reconciliations Reconciliations
	subscribers     func() int
	version         string
	logger          *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(sessions Sessions, payments Payments, recs Reconciliations, version string, log *logger.Logger) *Handler {
	return &Handler{
		sessions:        sessions,
		payments:        payments,
		reconciliations: recs,
		subscribers:     func() int { return 0 },
		version:         version,
		logger:          log.Named("api-handler"),
	}
}

type policyView struct {
	AllowedTargetAddress string    `json:"allowedTargetAddress"`
	PerCallCeiling       string    `json:"perCallCeiling"`
	CumulativeBudget     string    `json:"cumulativeBudget"`
	NotBefore            time.Time `json:"validFrom"`
	NotAfter             time.Time `json:"validUntil"`
}

func newPolicyView(p policy.Policy) policyView {
	return policyView{
		AllowedTargetAddress: p.AllowedTargetAddress,
		PerCallCeiling:       p.PerCallCeiling.String(),
		CumulativeBudget:     p.CumulativeBudget.String(),
		NotBefore:            p.ValidityWindow.NotBefore,
		NotAfter:             p.ValidityWindow.NotAfter,
	}
}

type sessionView struct {
	HasSession      bool          `json:"hasSession"`
	SessionID       string        `json:"sessionId,omitempty"`
	RemainingAmount string        `json:"remainingAmount,omitempty"`
	TotalAmount     string        `json:"totalAmount,omitempty"`
	Status          ledger.Status `json:"status,omitempty"`
	ExpiresAt       *time.Time    `json:"expiresAt,omitempty"`
	CreatedAt       *time.Time    `json:"createdAt,omitempty"`
}

// amountField accepts an amount as a JSON string or number
type amountField string

func (a *amountField) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*a = amountField(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*a = amountField(n.String())
	return nil
}

func (a amountField) parse(field string) (policy.Amount, error) {
	if a == "" {
		return 0, apperr.Validation("%s is required", field)
	}
	v, err := policy.ParseAmount(string(a), policy.USDCDecimals)
	if err != nil {
		return 0, apperr.Validation("invalid %s: %v", field, err)
	}
	return v, nil
}

// GetHealth returns the health status of the service
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     h.version,
		"subscribers": h.subscribers(),
		"time":        time.Now().UTC(),
	})
}

// CreateSession generates a session key for an owner and returns it with the default policy
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OwnerWallet         string `json:"ownerWallet"`
		SmartAccountAddress string `json:"smartAccountAddress"`
	}
	if err := httpx.ReadJSON(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	desc, err := h.sessions.CreateSession(r.Context(), body.OwnerWallet, body.SmartAccountAddress)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"sessionId":        desc.SessionID,
		"sessionPublicKey": desc.SessionPublicKey,
		"policySummary":    newPolicyView(desc.Policy),
		"expiresAt":        desc.ExpiresAt,
	})
}

// ActivateSession records the owner's enablement proof
func (h *Handler) ActivateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID       string `json:"sessionId"`
		EnablementProof string `json:"enablementProof"`
	}
	if err := httpx.ReadJSON(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	sess, err := h.sessions.ActivateSession(r.Context(), body.SessionID, body.EnablementProof)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"sessionId": sess.ID, "status": sess.Status})
}

// GetSession reports the owner's active session, if any
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.LookupActiveSession(r.Context(), chi.URLParam(r, "ownerWallet"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if sess == nil {
		httpx.WriteJSON(w, http.StatusOK, sessionView{})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sessionView{
		HasSession:      true,
		SessionID:       sess.ID,
		RemainingAmount: sess.RemainingAmount.String(),
		TotalAmount:     sess.TotalAmount.String(),
		Status:          sess.Status,
		ExpiresAt:       &sess.ExpiresAt,
		CreatedAt:       &sess.CreatedAt,
	})
}

// RevokeSession revokes a session and destroys its key
func (h *Handler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := httpx.ReadJSON(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	sess, err := h.sessions.RevokeSession(r.Context(), body.SessionID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"sessionId": sess.ID, "status": sess.Status})
}

// Debit records spend settled outside the orchestrator
func (h *Handler) Debit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID  string      `json:"sessionId"`
		AmountUsed amountField `json:"amountUsed"`
	}
	if err := httpx.ReadJSON(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	amount, err := body.AmountUsed.parse("amountUsed")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	sess, err := h.sessions.Debit(r.Context(), body.SessionID, amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"remainingAmount": sess.RemainingAmount.String(),
		"status":          sess.Status,
	})
}

type fulfillView struct {
	Payload         json.RawMessage      `json:"payload"`
	ContentType     string               `json:"contentType,omitempty"`
	Receipt         *chain.Receipt       `json:"receipt"`
	Settlement      *x402.SettleResponse `json:"settlement,omitempty"`
	RemainingAmount string               `json:"remainingAmount"`
	Status          ledger.Status        `json:"status"`
}

// Fulfill pays for one resource call out of a session
func (h *Handler) Fulfill(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID   string      `json:"sessionId"`
		ResourceURL string      `json:"resourceUrl"`
		Price       amountField `json:"price"`
		Target      string      `json:"target,omitempty"`
	}
	if err := httpx.ReadJSON(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	price, err := body.Price.parse("price")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.payments.Fulfill(r.Context(), orchestrator.Request{
		SessionID:   body.SessionID,
		ResourceURL: body.ResourceURL,
		Price:       price,
		Target:      body.Target,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	view := fulfillView{
		Receipt:         res.Receipt,
		Settlement:      res.Settlement,
		RemainingAmount: res.Remaining.String(),
		Status:          res.Status,
	}
	if res.Payload != nil {
		view.Payload = res.Payload.Body
		view.ContentType = res.Payload.ContentType
	}
	httpx.WriteJSON(w, http.StatusOK, view)
}

type reconciliationView struct {
	ID           string                    `json:"id"`
	SessionID    string                    `json:"sessionId"`
	Kind         ledger.ReconciliationKind `json:"kind"`
	Amount       string                    `json:"amount"`
	WithdrawalTx string                    `json:"withdrawalTx,omitempty"`
	SettlementTx string                    `json:"settlementTx,omitempty"`
	Reason       string                    `json:"reason"`
	CreatedAt    time.Time                 `json:"createdAt"`
	ResolvedAt   *time.Time                `json:"resolvedAt,omitempty"`
	Resolution   string                    `json:"resolution,omitempty"`
}

// ListReconciliations returns open reconciliation records, or every record with ?all=true
func (h *Handler) ListReconciliations(w http.ResponseWriter, r *http.Request) {
	all := false
	if v := r.URL.Query().Get("all"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			h.fail(w, r, apperr.Validation("invalid all parameter %q", v))
			return
		}
		all = parsed
	}
	recs, err := h.reconciliations.ListReconciliations(r.Context(), !all)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	views := make([]reconciliationView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, reconciliationView{
			ID:           rec.ID,
			SessionID:    rec.SessionID,
			Kind:         rec.Kind,
			Amount:       rec.Amount.String(),
			WithdrawalTx: rec.WithdrawalTx,
			SettlementTx: rec.SettlementTx,
			Reason:       rec.Reason,
			CreatedAt:    rec.CreatedAt,
			ResolvedAt:   rec.ResolvedAt,
			Resolution:   rec.Resolution,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"reconciliations": views, "count": len(views)})
}

// fail writes err and logs it at a level matching its kind
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	detail := httpx.WriteError(w, err)
	fields := []logger.Field{
		logger.String("method", r.Method),
		logger.String("path", r.URL.Path),
		logger.String("code", detail.Code),
		logger.String("request_id", detail.RequestID),
		logger.Error(err),
	}
	switch apperr.KindOf(err) {
	case apperr.KindInternal, apperr.KindExecutionAmbiguous, apperr.KindPartialCompletion:
		h.logger.Error("Request failed", fields...)
	case apperr.KindValidation:
		h.logger.Debug("Request rejected", fields...)
	default:
		h.logger.Info("Request rejected", fields...)
	}
}
