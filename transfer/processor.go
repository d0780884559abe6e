package transfer

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	connector "github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/manager"
	"github.com/goliatone/go-connector/policy"
	"github.com/goliatone/go-connector/protocol"
	"github.com/goliatone/go-connector/store"
)

// Processor holds the collaborators of the transfer steps.
type Processor struct {
	ParticipantID string
	Address       string
	Dispatcher    protocol.Dispatcher
	Provisioner   Provisioner
	Policy        policy.Engine
	// Agreements is consulted by the provider before provisioning. Without
	// it the policy is evaluated against an empty agreement policy.
	Agreements AgreementFinder
	Clock      connector.Clock
	Logger     connector.Logger
}

func (p *Processor) clock() connector.Clock { return connector.NormalizeClock(p.Clock) }

func (p *Processor) provisioner() Provisioner {
	if p.Provisioner == nil {
		return NoopProvisioner{}
	}
	return p.Provisioner
}

// Handlers maps every state with work to do onto its step.
func (p *Processor) Handlers() map[int]manager.Handler[*TransferProcess] {
	return map[int]manager.Handler[*TransferProcess]{
		StateInitial:      p.onInitial,
		StateProvisioning: p.onProvisioning,
		StateProvisioned:  p.onProvisioned,
		StateRequesting:   p.onRequesting,
		StateStarting:     p.onStarting,
		StateSuspending:   p.onSuspending,
		StateResuming:     p.onResuming,
		StateCompleting:   p.onCompleting,
		StateTerminating:  p.onTerminating,
	}
}

// NewManager builds the transfer process manager over s.
func NewManager(s store.EntityStore[*TransferProcess], p *Processor, opts ...manager.Option[*TransferProcess]) (*manager.ProcessManager[*TransferProcess], error) {
	if p == nil || p.Dispatcher == nil {
		return nil, connector.Validation("transfer manager requires a dispatcher", nil)
	}
	all := []manager.Option[*TransferProcess]{manager.WithClock[*TransferProcess](p.Clock)}
	for state, h := range p.Handlers() {
		all = append(all, manager.WithHandler(state, h))
	}
	return manager.New[*TransferProcess]("transfer-process", s, machine, append(all, opts...)...)
}

// onInitial admits the process. The provider refuses transfers the
// agreement policy does not allow.
func (p *Processor) onInitial(ctx context.Context, tp *TransferProcess) error {
	if tp.Role == RoleProvider {
		reason, err := p.authorize(ctx, tp)
		if err != nil {
			return err
		}
		if reason != "" {
			tp.TerminationReason = reason
			connector.NormalizeLogger(p.Logger).Info("transfer %s denied: %s", tp.ID, reason)
			return machine.Transition(&tp.Entity, StateTerminating, p.clock().Now())
		}
	}
	return machine.Transition(&tp.Entity, StateProvisioning, p.clock().Now())
}

func (p *Processor) onProvisioning(ctx context.Context, tp *TransferProcess) error {
	address, err := p.provisioner().Provision(ctx, tp)
	if err != nil {
		return provisionError("provision", tp.ID, err)
	}
	if address != nil {
		if tp.Role == RoleConsumer {
			tp.DataDestination = address
		} else {
			tp.DataSource = address
		}
	}
	tp.Provisioned = true
	return machine.Transition(&tp.Entity, StateProvisioned, p.clock().Now())
}

func (p *Processor) onProvisioned(_ context.Context, tp *TransferProcess) error {
	next := StateStarting
	if tp.Role == RoleConsumer {
		next = StateRequesting
	}
	return machine.Transition(&tp.Entity, next, p.clock().Now())
}

func (p *Processor) onRequesting(ctx context.Context, tp *TransferProcess) error {
	err := p.send(ctx, protocol.TransferRequestMessage{
		Header:          p.header(tp),
		AgreementID:     tp.AgreementID,
		AssetID:         tp.AssetID,
		Destination:     tp.DataDestination,
		CallbackAddress: p.Address,
	})
	if err != nil {
		return err
	}
	return machine.Transition(&tp.Entity, StateRequested, p.clock().Now())
}

func (p *Processor) onStarting(ctx context.Context, tp *TransferProcess) error {
	if err := p.send(ctx, protocol.TransferStartMessage{Header: p.header(tp), Source: tp.DataSource}); err != nil {
		return err
	}
	return machine.Transition(&tp.Entity, StateStarted, p.clock().Now())
}

func (p *Processor) onSuspending(ctx context.Context, tp *TransferProcess) error {
	if err := p.send(ctx, protocol.TransferSuspensionMessage{Header: p.header(tp), Reason: tp.SuspensionReason}); err != nil {
		return err
	}
	return machine.Transition(&tp.Entity, StateSuspended, p.clock().Now())
}

// onResuming restarts the data flow on the counter-party with a start
// message.
func (p *Processor) onResuming(ctx context.Context, tp *TransferProcess) error {
	if err := p.send(ctx, protocol.TransferStartMessage{Header: p.header(tp), Source: tp.DataSource}); err != nil {
		return err
	}
	tp.SuspensionReason = ""
	return machine.Transition(&tp.Entity, StateStarted, p.clock().Now())
}

func (p *Processor) onCompleting(ctx context.Context, tp *TransferProcess) error {
	if err := p.release(ctx, tp); err != nil {
		return err
	}
	if !tp.PeerInitiated {
		if err := p.send(ctx, protocol.TransferCompletionMessage{Header: p.header(tp)}); err != nil {
			return err
		}
	}
	return machine.Transition(&tp.Entity, StateCompleted, p.clock().Now())
}

func (p *Processor) onTerminating(ctx context.Context, tp *TransferProcess) error {
	if err := p.release(ctx, tp); err != nil {
		return err
	}
	if !tp.PeerInitiated && tp.CorrelationID != "" && tp.CounterPartyAddress != "" {
		err := p.send(ctx, protocol.TransferTerminationMessage{Header: p.header(tp), Reason: tp.TerminationReason})
		if err != nil {
			return err
		}
	}
	return machine.Transition(&tp.Entity, StateTerminated, p.clock().Now())
}

func (p *Processor) release(ctx context.Context, tp *TransferProcess) error {
	if !tp.Provisioned {
		return nil
	}
	if err := p.provisioner().Deprovision(ctx, tp); err != nil {
		return provisionError("deprovision", tp.ID, err)
	}
	tp.Provisioned = false
	return nil
}

// provisionError treats provisioner failures as recoverable. Errors already
// classified by the provisioner keep their class, so a validation or policy
// error still terminates the process.
func provisionError(op, id string, err error) error {
	if connector.ErrorCode(err) != "" {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	return connector.Transport(fmt.Sprintf("%s %s", op, id), err)
}

// authorize returns a non empty reason when the transfer must be refused.
func (p *Processor) authorize(ctx context.Context, tp *TransferProcess) (string, error) {
	var agreed policy.Policy
	if p.Agreements != nil {
		agreement, err := p.Agreements.FindAgreement(ctx, tp.AgreementID)
		if err != nil {
			return "", err
		}
		if agreement == nil {
			return fmt.Sprintf("agreement %s not found", tp.AgreementID), nil
		}
		if tp.AssetID != "" && agreement.AssetID != tp.AssetID {
			return fmt.Sprintf("agreement %s does not cover asset %s", agreement.ID, tp.AssetID), nil
		}
		if tp.AssetID == "" {
			tp.AssetID = agreement.AssetID
		}
		agreed = agreement.Policy
	}

	engine := p.Policy
	if engine == nil {
		engine = policy.AllowAll
	}
	decision, err := engine.Evaluate(ctx, agreed, policy.ScopeTransfer, policy.Context{
		Agent:  tp.CounterPartyID,
		Asset:  tp.AssetID,
		Action: "use",
		Now:    p.clock().Now(),
	})
	if err != nil {
		return "", err
	}
	if !decision.Allowed {
		return decision.Err().Error(), nil
	}
	return "", nil
}

func (p *Processor) header(tp *TransferProcess) protocol.Header {
	h := protocol.Header{
		MessageID:           uuid.NewString(),
		ProcessID:           tp.ID,
		CounterPartyAddress: tp.CounterPartyAddress,
		SenderID:            p.ParticipantID,
		State:               tp.State,
	}
	if tp.Role == RoleConsumer {
		h.ConsumerPID, h.ProviderPID = tp.ID, tp.CorrelationID
	} else {
		h.ProviderPID, h.ConsumerPID = tp.ID, tp.CorrelationID
	}
	return h
}

func (p *Processor) send(ctx context.Context, msg protocol.Message) error {
	if err := p.Dispatcher.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type(), err)
	}
	return nil
}
