// Package negotiation implements contract negotiations between a consumer and
// a provider connector.
//
// A negotiation is driven from both sides. Inbound protocol messages are
// applied by Service as direct transitions without leasing. The "-ING" states
// are send steps executed by a ProcessManager through the handlers returned by
// Processor.
package negotiation

import (
	"context"

	connector "github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/fsm"
	"github.com/goliatone/go-connector/protocol"
)

const (
	StateInitial     = 50
	StateRequesting  = 100
	StateRequested   = 200
	StateOffering    = 300
	StateOffered     = 400
	StateAccepting   = 700
	StateAccepted    = 800
	StateAgreeing    = 825
	StateAgreed      = 850
	StateVerifying   = 1050
	StateVerified    = 1100
	StateFinalizing  = 1150
	StateFinalized   = 1200
	StateTerminating = 1300
	StateTerminated  = 1400
)

// Role is the side of the negotiation this connector plays.
type Role string

const (
	RoleConsumer Role = "consumer"
	RoleProvider Role = "provider"
)

// ContractNegotiation is one negotiation as seen by this connector.
type ContractNegotiation struct {
	connector.Entity
	Role                Role                        `json:"role"`
	CounterPartyID      string                      `json:"counterPartyId"`
	CounterPartyAddress string                      `json:"counterPartyAddress"`
	CorrelationID       string                      `json:"correlationId,omitempty"`
	Offers              []protocol.ContractOffer    `json:"offers"`
	ContractAgreement   *protocol.ContractAgreement `json:"contractAgreement,omitempty"`
	TerminationReason   string                      `json:"terminationReason,omitempty"`
}

// LastOffer is the most recent offer, nil before the first one.
func (n *ContractNegotiation) LastOffer() *protocol.ContractOffer {
	if len(n.Offers) == 0 {
		return nil
	}
	return &n.Offers[len(n.Offers)-1]
}

var machine = fsm.MustNew(fsm.MachineConfig{
	Entity: "contract_negotiation",
	States: []fsm.StateConfig{
		{Code: StateInitial, Name: "INITIAL", Initial: true},
		{Code: StateRequesting, Name: "REQUESTING"},
		{Code: StateRequested, Name: "REQUESTED"},
		{Code: StateOffering, Name: "OFFERING"},
		{Code: StateOffered, Name: "OFFERED"},
		{Code: StateAccepting, Name: "ACCEPTING"},
		{Code: StateAccepted, Name: "ACCEPTED"},
		{Code: StateAgreeing, Name: "AGREEING"},
		{Code: StateAgreed, Name: "AGREED"},
		{Code: StateVerifying, Name: "VERIFYING"},
		{Code: StateVerified, Name: "VERIFIED"},
		{Code: StateFinalizing, Name: "FINALIZING"},
		{Code: StateFinalized, Name: "FINALIZED", Terminal: true},
		{Code: StateTerminating, Name: "TERMINATING"},
		{Code: StateTerminated, Name: "TERMINATED", Terminal: true, Abnormal: true},
	},
	Transitions: transitions(),
})

func transitions() []fsm.TransitionConfig {
	edges := []fsm.TransitionConfig{
		{Name: "request", From: "INITIAL", To: "REQUESTING"},
		{Name: "received_request", From: "INITIAL", To: "REQUESTED"},
		{Name: "requested", From: "REQUESTING", To: "REQUESTED"},
		{Name: "counter_offer", From: "REQUESTED", To: "OFFERING"},
		{Name: "offered", From: "OFFERING", To: "OFFERED"},
		{Name: "received_offer", From: "REQUESTED", To: "OFFERED"},
		{Name: "counter_request", From: "OFFERED", To: "REQUESTING"},
		{Name: "received_counter_request", From: "OFFERED", To: "REQUESTED"},
		{Name: "accept", From: "OFFERED", To: "ACCEPTING"},
		{Name: "accepted", From: "ACCEPTING", To: "ACCEPTED"},
		{Name: "received_accept", From: "OFFERED", To: "ACCEPTED"},
		{Name: "agree", From: "REQUESTED", To: "AGREEING"},
		{Name: "agree", From: "ACCEPTED", To: "AGREEING"},
		{Name: "agreed", From: "AGREEING", To: "AGREED"},
		{Name: "received_agreement", From: "REQUESTED", To: "AGREED"},
		{Name: "received_agreement", From: "ACCEPTED", To: "AGREED"},
		{Name: "verify", From: "AGREED", To: "VERIFYING"},
		{Name: "verified", From: "VERIFYING", To: "VERIFIED"},
		{Name: "received_verification", From: "AGREED", To: "VERIFIED"},
		{Name: "finalize", From: "VERIFIED", To: "FINALIZING"},
		{Name: "finalized", From: "FINALIZING", To: "FINALIZED"},
		{Name: "received_finalized", From: "VERIFIED", To: "FINALIZED"},
		{Name: "terminated", From: "TERMINATING", To: "TERMINATED"},
	}
	for _, from := range []string{
		"INITIAL", "REQUESTING", "REQUESTED", "OFFERING", "OFFERED", "ACCEPTING",
		"ACCEPTED", "AGREEING", "AGREED", "VERIFYING", "VERIFIED", "FINALIZING",
	} {
		edges = append(edges,
			fsm.TransitionConfig{Name: "terminate", From: from, To: "TERMINATING"},
			fsm.TransitionConfig{Name: "received_termination", From: from, To: "TERMINATED"},
		)
	}
	return edges
}

// Machine returns the negotiation state machine.
func Machine() *fsm.Machine { return machine }

// AgreementGuard refuses to delete a negotiation that still holds its
// agreement. Register it with store.WithDeleteGuard.
func AgreementGuard(_ context.Context, entity connector.StatefulEntity) error {
	n, ok := entity.(*ContractNegotiation)
	if !ok || n.ContractAgreement == nil {
		return nil
	}
	return connector.Conflict(n.ID, "negotiation holds agreement "+n.ContractAgreement.ID)
}
