// Package agenthttp serves the commands of a node over HTTP with JSON
// bodies. Amounts are decimal strings with up to seven places.
package agenthttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/GEO-Project/network-client/command"
	"github.com/GEO-Project/network-client/state"
	"github.com/GEO-Project/network-client/store"
	"github.com/rs/cors"
	"github.com/stellar/go/amount"
)

// Node is the part of an agent served over HTTP.
type Node interface {
	NodeID() state.NodeID
	TrustLines() []state.Snapshot
	SetTrustLine(ctx context.Context, c command.SetTrustLine) (command.Result, error)
	Pay(ctx context.Context, c command.Pay) (command.Result, error)
	Payments(ctx context.Context, limit int) ([]store.PaymentRecord, error)
}

// New returns a handler for the node. Commands wait for their outcome for
// at most timeout.
func New(n Node, timeout time.Duration) http.Handler {
	m := http.NewServeMux()
	m.HandleFunc("GET /", handleSnapshot(n))
	m.HandleFunc("GET /trustlines", handleTrustLines(n))
	m.HandleFunc("POST /trustlines", handleSetTrustLine(n, timeout))
	m.HandleFunc("GET /payments", handlePayments(n))
	m.HandleFunc("POST /payments", handlePay(n, timeout))
	return cors.Default().Handler(m)
}

type trustLine struct {
	Contractor          state.NodeID
	Equivalent          state.Equivalent
	IncomingAmount      string
	OutgoingAmount      string
	Balance             string
	Status              state.Status
	IsContractorGateway bool
	AuditNumber         uint64
	Reservations        int
}

func trustLines(n Node) []trustLine {
	lines := n.TrustLines()
	out := make([]trustLine, 0, len(lines))
	for _, s := range lines {
		out = append(out, trustLine{
			Contractor:          s.Contractor,
			Equivalent:          s.Equivalent,
			IncomingAmount:      amount.StringFromInt64(s.IncomingAmount),
			OutgoingAmount:      amount.StringFromInt64(s.OutgoingAmount),
			Balance:             amount.StringFromInt64(s.Balance),
			Status:              s.Status,
			IsContractorGateway: s.IsContractorGateway,
			AuditNumber:         s.AuditNumber,
			Reservations:        len(s.Reservations),
		})
	}
	return out
}

func handleSnapshot(n Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			NodeID     state.NodeID
			TrustLines []trustLine
		}{
			NodeID:     n.NodeID(),
			TrustLines: trustLines(n),
		})
	}
}

func handleTrustLines(n Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, trustLines(n))
	}
}

type setTrustLineRequest struct {
	Contractor state.NodeID
	Equivalent state.Equivalent
	Amount     string
}

func handleSetTrustLine(n Node, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req setTrustLineRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
			return
		}
		amountValue, err := amount.ParseInt64(req.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("parsing amount %s: %w", req.Amount, err))
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		res, err := n.SetTrustLine(ctx, command.SetTrustLine{
			Contractor: req.Contractor,
			Equivalent: req.Equivalent,
			Amount:     amountValue,
		})
		writeResult(w, res, err)
	}
}

type payRequest struct {
	Receiver   state.NodeID
	Equivalent state.Equivalent
	Amount     string
}

func handlePay(n Node, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req payRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
			return
		}
		amountValue, err := amount.ParseInt64(req.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("parsing amount %s: %w", req.Amount, err))
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		res, err := n.Pay(ctx, command.Pay{
			Receiver:   req.Receiver,
			Equivalent: req.Equivalent,
			Amount:     amountValue,
		})
		writeResult(w, res, err)
	}
}

type payment struct {
	TransactionID string
	Role          store.Role
	Counterparty  state.NodeID
	Equivalent    state.Equivalent
	Amount        string
	Committed     bool
	CreatedAt     time.Time
}

func handlePayments(n Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			l, err := strconv.Atoi(v)
			if err != nil || l <= 0 {
				writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
				return
			}
			limit = l
		}
		records, err := n.Payments(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out := make([]payment, 0, len(records))
		for _, p := range records {
			out = append(out, payment{
				TransactionID: p.TransactionID.String(),
				Role:          p.Role,
				Counterparty:  p.Counterparty,
				Equivalent:    p.Equivalent,
				Amount:        amount.StringFromInt64(p.Amount),
				Committed:     p.Committed,
				CreatedAt:     p.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func writeResult(w http.ResponseWriter, res command.Result, err error) {
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	status := http.StatusOK
	switch res.Code {
	case command.CodeOK:
	case command.CodeInvalidRequest:
		status = http.StatusBadRequest
	case command.CodeInternalError:
		status = http.StatusInternalServerError
	default:
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, struct{ Error string }{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
