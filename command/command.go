// Package command contains the typed requests a user makes of a node and the
// typed results the node answers with.
package command

import (
	"fmt"

	"github.com/GEO-Project/network-client/state"
)

type Code int

const (
	CodeOK Code = iota
	CodeNotEnoughFunds
	CodeRejected
	CodeNoResponse
	CodeInvalidVote
	CodeProtocolError
	CodeBusy
	CodeInvalidRequest
	CodeInternalError
)

var codeNames = [...]string{
	CodeOK:             "ok",
	CodeNotEnoughFunds: "not_enough_funds",
	CodeRejected:       "rejected",
	CodeNoResponse:     "no_response",
	CodeInvalidVote:    "invalid_vote",
	CodeProtocolError:  "protocol_error",
	CodeBusy:           "busy",
	CodeInvalidRequest: "invalid_request",
	CodeInternalError:  "internal_error",
}

func (c Code) String() string {
	if c >= 0 && int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("code(%d)", int(c))
}

func (c Code) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Result is the terminal answer to a request.
type Result struct {
	Code    Code
	Message string
}

func (r Result) OK() bool {
	return r.Code == CodeOK
}

func (r Result) String() string {
	if r.Message == "" {
		return r.Code.String()
	}
	return r.Code.String() + ": " + r.Message
}

func OK(message string) Result {
	return Result{Code: CodeOK, Message: message}
}

// Failf returns a result with the code and a formatted message.
func Failf(code Code, format string, args ...interface{}) Result {
	return Result{Code: code, Message: fmt.Sprintf(format, args...)}
}

// SetTrustLine sets the credit the node extends to the contractor. An amount
// of zero closes the line once the contractor's credit is also zero and the
// balance is settled.
type SetTrustLine struct {
	Contractor state.NodeID
	Equivalent state.Equivalent
	Amount     int64
}

func (c SetTrustLine) Validate() error {
	if c.Contractor == "" {
		return fmt.Errorf("contractor is required")
	}
	if c.Amount < 0 {
		return fmt.Errorf("amount must not be negative")
	}
	return nil
}

// Pay moves Amount to Receiver through the trust line network.
type Pay struct {
	Receiver   state.NodeID
	Equivalent state.Equivalent
	Amount     int64
}

func (c Pay) Validate() error {
	if c.Receiver == "" {
		return fmt.Errorf("receiver is required")
	}
	if c.Amount <= 0 {
		return fmt.Errorf("amount must be greater than 0")
	}
	return nil
}
