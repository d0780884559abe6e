// Package transfer orchestrates transfer processes that move data under an
// agreed contract.
//
// The consumer provisions its destination and requests the transfer. The
// provider checks the agreement policy, provisions the source and starts it.
// Either side may then suspend, resume, complete or terminate.
package transfer

import (
	"context"

	connector "github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/fsm"
	"github.com/goliatone/go-connector/protocol"
)

const (
	StateInitial      = 100
	StateProvisioning = 200
	StateProvisioned  = 300
	StateRequesting   = 400
	StateRequested    = 500
	StateStarting     = 550
	StateStarted      = 600
	StateSuspending   = 650
	StateSuspended    = 700
	StateResuming     = 720
	StateCompleting   = 750
	StateCompleted    = 800
	StateTerminating  = 825
	StateTerminated   = 850
)

type Role string

const (
	RoleConsumer Role = "consumer"
	RoleProvider Role = "provider"
)

// TransferProcess is one transfer as seen by this connector.
type TransferProcess struct {
	connector.Entity
	Role                Role                  `json:"role"`
	AgreementID         string                `json:"agreementId"`
	AssetID             string                `json:"assetId,omitempty"`
	CounterPartyID      string                `json:"counterPartyId,omitempty"`
	CounterPartyAddress string                `json:"counterPartyAddress"`
	CorrelationID       string                `json:"correlationId,omitempty"`
	DataDestination     *protocol.DataAddress `json:"dataDestination,omitempty"`
	DataSource          *protocol.DataAddress `json:"dataSource,omitempty"`
	Provisioned         bool                  `json:"provisioned,omitempty"`
	// PeerInitiated is set when the counter-party asked to complete or
	// terminate, so the closing step does not notify it back.
	PeerInitiated     bool   `json:"peerInitiated,omitempty"`
	SuspensionReason  string `json:"suspensionReason,omitempty"`
	TerminationReason string `json:"terminationReason,omitempty"`
}

var machine = fsm.MustNew(fsm.MachineConfig{
	Entity: "transfer_process",
	States: []fsm.StateConfig{
		{Code: StateInitial, Name: "INITIAL", Initial: true},
		{Code: StateProvisioning, Name: "PROVISIONING"},
		{Code: StateProvisioned, Name: "PROVISIONED"},
		{Code: StateRequesting, Name: "REQUESTING"},
		{Code: StateRequested, Name: "REQUESTED"},
		{Code: StateStarting, Name: "STARTING"},
		{Code: StateStarted, Name: "STARTED"},
		{Code: StateSuspending, Name: "SUSPENDING"},
		{Code: StateSuspended, Name: "SUSPENDED"},
		{Code: StateResuming, Name: "RESUMING"},
		{Code: StateCompleting, Name: "COMPLETING"},
		{Code: StateCompleted, Name: "COMPLETED", Terminal: true},
		{Code: StateTerminating, Name: "TERMINATING"},
		{Code: StateTerminated, Name: "TERMINATED", Terminal: true, Abnormal: true},
	},
	Transitions: transitions(),
})

func transitions() []fsm.TransitionConfig {
	edges := []fsm.TransitionConfig{
		{Name: "provision", From: "INITIAL", To: "PROVISIONING"},
		{Name: "provisioned", From: "PROVISIONING", To: "PROVISIONED"},
		{Name: "request", From: "PROVISIONED", To: "REQUESTING"},
		{Name: "requested", From: "REQUESTING", To: "REQUESTED"},
		{Name: "start", From: "PROVISIONED", To: "STARTING"},
		{Name: "started", From: "STARTING", To: "STARTED"},
		{Name: "received_start", From: "REQUESTED", To: "STARTED"},
		{Name: "suspend", From: "STARTED", To: "SUSPENDING"},
		{Name: "suspended", From: "SUSPENDING", To: "SUSPENDED"},
		{Name: "received_suspension", From: "STARTED", To: "SUSPENDED"},
		{Name: "resume", From: "SUSPENDED", To: "RESUMING"},
		{Name: "resumed", From: "RESUMING", To: "STARTED"},
		{Name: "received_start", From: "SUSPENDED", To: "STARTED"},
		{Name: "complete", From: "STARTED", To: "COMPLETING"},
		{Name: "complete", From: "SUSPENDED", To: "COMPLETING"},
		{Name: "completed", From: "COMPLETING", To: "COMPLETED"},
		{Name: "terminated", From: "TERMINATING", To: "TERMINATED"},
	}
	for _, from := range []string{
		"INITIAL", "PROVISIONING", "PROVISIONED", "REQUESTING", "REQUESTED", "STARTING",
		"STARTED", "SUSPENDING", "SUSPENDED", "RESUMING", "COMPLETING",
	} {
		edges = append(edges, fsm.TransitionConfig{Name: "terminate", From: from, To: "TERMINATING"})
	}
	return edges
}

// Machine returns the transfer state machine.
func Machine() *fsm.Machine { return machine }

// Provisioner prepares and releases the resources a transfer moves data
// through. Both calls may be repeated for the same process after a failed
// step and must be idempotent. Failures are retried unless the error carries
// a connector code such as a validation error.
type Provisioner interface {
	// Provision returns the address of the prepared resource: the destination
	// on the consumer side, the source on the provider side. A nil address
	// keeps the one already on the process.
	Provision(ctx context.Context, tp *TransferProcess) (*protocol.DataAddress, error)
	Deprovision(ctx context.Context, tp *TransferProcess) error
}

// NoopProvisioner provisions nothing.
type NoopProvisioner struct{}

func (NoopProvisioner) Provision(context.Context, *TransferProcess) (*protocol.DataAddress, error) {
	return nil, nil
}

func (NoopProvisioner) Deprovision(context.Context, *TransferProcess) error { return nil }

// AgreementFinder resolves the agreement a transfer runs under.
// negotiation.Service satisfies it.
type AgreementFinder interface {
	FindAgreement(ctx context.Context, agreementID string) (*protocol.ContractAgreement, error)
}
