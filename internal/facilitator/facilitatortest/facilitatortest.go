// Package facilitatortest provides an in-process facilitator for tests. It verifies
// payloads offline and settles by recording nonces, so replays are refused.
package facilitatortest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yegors/sessionpay/internal/evm"
	"github.com/yegors/sessionpay/internal/x402"
)

// Server is a fake facilitator
type Server struct {
	*httptest.Server

	Verifies atomic.Int32
	Settles  atomic.Int32

	mu          sync.Mutex
	settleAbort string
	settleDelay time.Duration
	used        map[string]bool
}

// New starts a fake facilitator; callers Close it
func New() *Server {
	s := &Server{used: make(map[string]bool)}
	s.Server = httptest.NewServer(s.routes())
	return s
}

// AbortSettlements makes every following settle return success=false with reason
func (s *Server) AbortSettlements(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settleAbort = reason
}

// DelaySettlements makes every following settle sleep before answering
func (s *Server) DelaySettlements(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settleDelay = d
}

type request struct {
	PaymentPayload      *x402.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *x402.PaymentRequirements `json:"paymentRequirements"`
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /verify", func(w http.ResponseWriter, r *http.Request) {
		s.Verifies.Add(1)
		req, ok := decode(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, x402.VerifyPayload(req.PaymentPayload, *req.PaymentRequirements, time.Now()))
	})
	mux.HandleFunc("POST /settle", func(w http.ResponseWriter, r *http.Request) {
		s.Settles.Add(1)
		req, ok := decode(w, r)
		if !ok {
			return
		}
		s.mu.Lock()
		abort, delay := s.settleAbort, s.settleDelay
		s.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}

		network := req.PaymentRequirements.Network
		if abort != "" {
			writeJSON(w, http.StatusOK, x402.SettleResponse{Success: false, ErrorReason: abort, Network: network})
			return
		}
		v := x402.VerifyPayload(req.PaymentPayload, *req.PaymentRequirements, time.Now())
		if !v.IsValid {
			writeJSON(w, http.StatusOK, x402.SettleResponse{Success: false, ErrorReason: v.InvalidReason, Network: network})
			return
		}
		nonce := req.PaymentPayload.Payload.Authorization.Nonce
		s.mu.Lock()
		replay := s.used[nonce]
		s.used[nonce] = true
		s.mu.Unlock()
		if replay {
			writeJSON(w, http.StatusOK, x402.SettleResponse{Success: false, ErrorReason: "authorization_nonce_used", Network: network})
			return
		}
		writeJSON(w, http.StatusOK, x402.SettleResponse{
			Success:     true,
			Transaction: evm.HexBytes(evm.Keccak256([]byte(nonce))),
			Network:     network,
			Payer:       v.Payer,
		})
	})
	mux.HandleFunc("GET /supported", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, x402.SupportedResponse{Kinds: []x402.Kind{
			{X402Version: x402.Version, Scheme: x402.SchemeExact, Network: "eip155:11155111"},
			{X402Version: x402.Version, Scheme: x402.SchemeExact, Network: "eip155:84532"},
		}})
	})
	return mux
}

func decode(w http.ResponseWriter, r *http.Request) (*request, bool) {
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PaymentPayload == nil || req.PaymentRequirements == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing paymentPayload or paymentRequirements"})
		return nil, false
	}
	return &req, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
