package negotiation

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

// Processor holds the collaborators of the send steps.
type Processor struct {
	ParticipantID string
	// Address is where counter-parties reach this connector.
	Address    string
	Dispatcher protocol.Dispatcher
	Policy     policy.Engine
	Clock      connector.Clock
	Logger     connector.Logger
}

func (p *Processor) clock() connector.Clock { return connector.NormalizeClock(p.Clock) }

// Handlers maps every state with work to do onto its step.
func (p *Processor) Handlers() map[int]manager.Handler[*ContractNegotiation] {
	return map[int]manager.Handler[*ContractNegotiation]{
		StateInitial:     p.onInitial,
		StateRequesting:  p.onRequesting,
		StateRequested:   p.onRequested,
		StateOffering:    p.onOffering,
		StateAccepting:   p.onAccepting,
		StateAccepted:    p.onAccepted,
		StateAgreeing:    p.onAgreeing,
		StateAgreed:      p.onAgreed,
		StateVerifying:   p.onVerifying,
		StateVerified:    p.onVerified,
		StateFinalizing:  p.onFinalizing,
		StateTerminating: p.onTerminating,
	}
}

// NewManager builds the negotiation process manager over s.
func NewManager(s store.EntityStore[*ContractNegotiation], p *Processor, opts ...manager.Option[*ContractNegotiation]) (*manager.ProcessManager[*ContractNegotiation], error) {
	if p == nil || p.Dispatcher == nil {
		return nil, connector.Validation("negotiation manager requires a dispatcher", nil)
	}
	all := []manager.Option[*ContractNegotiation]{manager.WithClock[*ContractNegotiation](p.Clock)}
	for state, h := range p.Handlers() {
		all = append(all, manager.WithHandler(state, h))
	}
	return manager.New[*ContractNegotiation]("contract-negotiation", s, machine, append(all, opts...)...)
}

func (p *Processor) onInitial(_ context.Context, n *ContractNegotiation) error {
	if n.Role != RoleConsumer {
		return nil
	}
	return machine.Transition(&n.Entity, StateRequesting, p.clock().Now())
}

func (p *Processor) onRequesting(ctx context.Context, n *ContractNegotiation) error {
	offer := n.LastOffer()
	if offer == nil {
		return connector.Validation("negotiation has no offer to request", map[string]any{"entity_id": n.ID})
	}
	err := p.send(ctx, protocol.ContractRequestMessage{
		Header:          p.header(n),
		Offer:           *offer,
		CallbackAddress: p.Address,
	})
	if err != nil {
		return err
	}
	return machine.Transition(&n.Entity, StateRequested, p.clock().Now())
}

// onRequested lets the provider agree to the consumer's offer once the
// policy allows it.
func (p *Processor) onRequested(ctx context.Context, n *ContractNegotiation) error {
	if n.Role != RoleProvider {
		return nil
	}
	return p.agreeOrTerminate(ctx, n)
}

func (p *Processor) onOffering(ctx context.Context, n *ContractNegotiation) error {
	offer := n.LastOffer()
	if offer == nil {
		return connector.Validation("negotiation has no offer to send", map[string]any{"entity_id": n.ID})
	}
	if err := p.send(ctx, protocol.ContractOfferMessage{Header: p.header(n), Offer: *offer}); err != nil {
		return err
	}
	return machine.Transition(&n.Entity, StateOffered, p.clock().Now())
}

func (p *Processor) onAccepting(ctx context.Context, n *ContractNegotiation) error {
	if err := p.send(ctx, protocol.NegotiationEventMessage{Header: p.header(n), Event: protocol.EventAccepted}); err != nil {
		return err
	}
	return machine.Transition(&n.Entity, StateAccepted, p.clock().Now())
}

func (p *Processor) onAccepted(ctx context.Context, n *ContractNegotiation) error {
	if n.Role != RoleProvider {
		return nil
	}
	return p.agreeOrTerminate(ctx, n)
}

// onAgreeing sends the agreement. A retried step resends the agreement built
// on the first attempt.
func (p *Processor) onAgreeing(ctx context.Context, n *ContractNegotiation) error {
	offer := n.LastOffer()
	if offer == nil {
		return connector.Validation("negotiation has no offer to agree on", map[string]any{"entity_id": n.ID})
	}
	if n.ContractAgreement == nil {
		n.ContractAgreement = &protocol.ContractAgreement{
			ID:         uuid.NewString(),
			AssetID:    offer.AssetID,
			ProviderID: p.ParticipantID,
			ConsumerID: n.CounterPartyID,
			SignedAt:   p.clock().Now(),
			Policy:     offer.Policy,
		}
	}
	if err := p.send(ctx, protocol.ContractAgreementMessage{Header: p.header(n), Agreement: *n.ContractAgreement}); err != nil {
		return err
	}
	return machine.Transition(&n.Entity, StateAgreed, p.clock().Now())
}

func (p *Processor) onAgreed(_ context.Context, n *ContractNegotiation) error {
	if n.Role != RoleConsumer {
		return nil
	}
	return machine.Transition(&n.Entity, StateVerifying, p.clock().Now())
}

func (p *Processor) onVerifying(ctx context.Context, n *ContractNegotiation) error {
	if err := p.send(ctx, protocol.AgreementVerificationMessage{Header: p.header(n)}); err != nil {
		return err
	}
	return machine.Transition(&n.Entity, StateVerified, p.clock().Now())
}

func (p *Processor) onVerified(_ context.Context, n *ContractNegotiation) error {
	if n.Role != RoleProvider {
		return nil
	}
	return machine.Transition(&n.Entity, StateFinalizing, p.clock().Now())
}

func (p *Processor) onFinalizing(ctx context.Context, n *ContractNegotiation) error {
	if err := p.send(ctx, protocol.NegotiationEventMessage{Header: p.header(n), Event: protocol.EventFinalized}); err != nil {
		return err
	}
	return machine.Transition(&n.Entity, StateFinalized, p.clock().Now())
}

// onTerminating notifies the counter-party when it knows about us.
func (p *Processor) onTerminating(ctx context.Context, n *ContractNegotiation) error {
	if n.CorrelationID != "" && n.CounterPartyAddress != "" {
		err := p.send(ctx, protocol.NegotiationTerminationMessage{Header: p.header(n), Reason: n.TerminationReason})
		if err != nil {
			return err
		}
	}
	return machine.Transition(&n.Entity, StateTerminated, p.clock().Now())
}

func (p *Processor) agreeOrTerminate(ctx context.Context, n *ContractNegotiation) error {
	offer := n.LastOffer()
	if offer == nil {
		return connector.Validation("negotiation has no offer", map[string]any{"entity_id": n.ID})
	}
	engine := p.Policy
	if engine == nil {
		engine = policy.AllowAll
	}
	decision, err := engine.Evaluate(ctx, offer.Policy, policy.ScopeNegotiation, policy.Context{
		Agent:  n.CounterPartyID,
		Asset:  offer.AssetID,
		Action: "use",
		Now:    p.clock().Now(),
	})
	if err != nil {
		return err
	}
	if !decision.Allowed {
		n.TerminationReason = decision.Err().Error()
		connector.NormalizeLogger(p.Logger).Info("negotiation %s denied: %s", n.ID, n.TerminationReason)
		return machine.Transition(&n.Entity, StateTerminating, p.clock().Now())
	}
	return machine.Transition(&n.Entity, StateAgreeing, p.clock().Now())
}

func (p *Processor) header(n *ContractNegotiation) protocol.Header {
	h := protocol.Header{
		MessageID:           uuid.NewString(),
		ProcessID:           n.ID,
		CounterPartyAddress: n.CounterPartyAddress,
		SenderID:            p.ParticipantID,
		State:               n.State,
	}
	if n.Role == RoleConsumer {
		h.ConsumerPID, h.ProviderPID = n.ID, n.CorrelationID
	} else {
		h.ProviderPID, h.ConsumerPID = n.ID, n.CorrelationID
	}
	return h
}

func (p *Processor) send(ctx context.Context, msg protocol.Message) error {
	if err := p.Dispatcher.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type(), err)
	}
	return nil
}
