package negotiation

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	connector "github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/protocol"
	"github.com/goliatone/go-connector/query"
	"github.com/goliatone/go-connector/store"
)

// Service is the entry point for API calls and inbound protocol messages.
//
// The store should claim with an owner identity distinct from the process
// manager's, so that writes from here are fenced by the manager's leases and
// answered with a conflict while a send step is in flight.
type Service struct {
	store  store.EntityStore[*ContractNegotiation]
	clock  connector.Clock
	logger connector.Logger
}

func NewService(s store.EntityStore[*ContractNegotiation], clock connector.Clock, logger connector.Logger) *Service {
	return &Service{
		store:  s,
		clock:  connector.NormalizeClock(clock),
		logger: connector.NormalizeLogger(logger),
	}
}

// InitiateRequest starts a negotiation on the consumer side.
type InitiateRequest struct {
	CounterPartyID      string
	CounterPartyAddress string
	Offer               protocol.ContractOffer
}

func (r InitiateRequest) validate() error {
	var missing []string
	if strings.TrimSpace(r.CounterPartyAddress) == "" {
		missing = append(missing, "counter-party address")
	}
	if r.Offer.ID == "" || r.Offer.AssetID == "" {
		missing = append(missing, "offer")
	}
	if len(missing) > 0 {
		return connector.Validation("initiate negotiation: missing "+strings.Join(missing, ", "), nil)
	}
	return nil
}

// Initiate creates a consumer negotiation in INITIAL. The manager sends the
// request.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*ContractNegotiation, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	n := &ContractNegotiation{
		Entity:              connector.NewEntity("", StateInitial, s.clock.Now()),
		Role:                RoleConsumer,
		CounterPartyID:      req.CounterPartyID,
		CounterPartyAddress: req.CounterPartyAddress,
		Offers:              []protocol.ContractOffer{req.Offer},
	}
	if err := s.store.Save(ctx, n); err != nil {
		return nil, err
	}
	s.logger.Info("negotiation %s initiated with %s for asset %s", n.ID, req.CounterPartyAddress, req.Offer.AssetID)
	return n, nil
}

// Offer makes a provider counter-offer on a requested negotiation.
func (s *Service) Offer(ctx context.Context, id string, offer protocol.ContractOffer) (*ContractNegotiation, error) {
	if offer.ID == "" {
		return nil, connector.Validation("counter-offer requires an id", nil)
	}
	return s.apply(ctx, id, StateOffering, func(n *ContractNegotiation) error {
		if n.Role != RoleProvider {
			return connector.Validation("only the provider can counter-offer", map[string]any{"entity_id": n.ID})
		}
		n.Offers = append(n.Offers, offer)
		return nil
	})
}

// Accept accepts the provider's last offer on the consumer side.
func (s *Service) Accept(ctx context.Context, id string) (*ContractNegotiation, error) {
	return s.apply(ctx, id, StateAccepting, func(n *ContractNegotiation) error {
		if n.Role != RoleConsumer {
			return connector.Validation("only the consumer can accept", map[string]any{"entity_id": n.ID})
		}
		return nil
	})
}

// Terminate asks the manager to terminate the negotiation with reason.
func (s *Service) Terminate(ctx context.Context, id, reason string) (*ContractNegotiation, error) {
	return s.apply(ctx, id, StateTerminating, func(n *ContractNegotiation) error {
		n.TerminationReason = reason
		return nil
	})
}

// Get returns the negotiation or a not found error.
func (s *Service) Get(ctx context.Context, id string) (*ContractNegotiation, error) {
	n, err := s.store.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, connector.NewError(connector.ErrNotFound, fmt.Sprintf("negotiation %s not found", id), nil, map[string]any{"entity_id": id})
	}
	return n, nil
}

// List runs spec against the store.
func (s *Service) List(ctx context.Context, spec query.Spec) ([]*ContractNegotiation, error) {
	seq, err := s.store.Query(ctx, spec)
	if err != nil {
		return nil, err
	}
	return store.Collect(seq)
}

// FindAgreement returns the agreement with id, or nil.
func (s *Service) FindAgreement(ctx context.Context, agreementID string) (*protocol.ContractAgreement, error) {
	found, err := s.List(ctx, query.Spec{Filter: []query.Criterion{query.Equal("contractAgreement.id", agreementID)}, Limit: 1})
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return found[0].ContractAgreement, nil
}

// claimAgreement refuses an agreement id another negotiation of the same
// role already holds. Both roles may hold it when a connector negotiates
// with itself.
func (s *Service) claimAgreement(ctx context.Context, n *ContractNegotiation, agreementID string) error {
	if agreementID == "" {
		return connector.Validation("contract agreement requires an id", map[string]any{"entity_id": n.ID})
	}
	holders, err := s.List(ctx, query.Spec{Filter: []query.Criterion{
		query.Equal("contractAgreement.id", agreementID),
		query.Equal("role", string(n.Role)),
	}})
	if err != nil {
		return err
	}
	for _, h := range holders {
		if h.ID != n.ID {
			return connector.Conflict(n.ID, fmt.Sprintf("agreement %s already belongs to negotiation %s", agreementID, h.ID))
		}
	}
	return nil
}

// Delete removes a negotiation. Negotiations holding an agreement are
// refused when the store was built with AgreementGuard.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// HandleMessage applies an inbound protocol message. It is a protocol.Handler.
func (s *Service) HandleMessage(ctx context.Context, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.ContractRequestMessage:
		return s.onRequest(ctx, m)
	case protocol.ContractOfferMessage:
		_, err := s.applyInbound(ctx, m.Header, StateOffered, func(n *ContractNegotiation) error {
			n.Offers = append(n.Offers, m.Offer)
			return nil
		})
		return err
	case protocol.NegotiationEventMessage:
		to := StateAccepted
		if m.Event == protocol.EventFinalized {
			to = StateFinalized
		}
		_, err := s.applyInbound(ctx, m.Header, to, nil)
		return err
	case protocol.ContractAgreementMessage:
		_, err := s.applyInbound(ctx, m.Header, StateAgreed, func(n *ContractNegotiation) error {
			if err := s.claimAgreement(ctx, n, m.Agreement.ID); err != nil {
				return err
			}
			agreement := m.Agreement
			n.ContractAgreement = &agreement
			return nil
		})
		return err
	case protocol.AgreementVerificationMessage:
		_, err := s.applyInbound(ctx, m.Header, StateVerified, nil)
		return err
	case protocol.NegotiationTerminationMessage:
		_, err := s.applyInbound(ctx, m.Header, StateTerminated, func(n *ContractNegotiation) error {
			n.TerminationReason = m.Reason
			return nil
		})
		return err
	}
	return connector.Validation(fmt.Sprintf("negotiation cannot handle %s", msg.Type()), nil)
}

// onRequest creates the provider side negotiation, or applies a consumer
// counter-request to an existing one.
func (s *Service) onRequest(ctx context.Context, m protocol.ContractRequestMessage) error {
	if m.ProviderPID != "" {
		_, err := s.applyInbound(ctx, m.Header, StateRequested, func(n *ContractNegotiation) error {
			n.Offers = append(n.Offers, m.Offer)
			return nil
		})
		return err
	}

	existing, err := s.List(ctx, query.Spec{Filter: []query.Criterion{
		query.Equal("correlationId", m.ProcessID),
		query.Equal("role", string(RoleProvider)),
	}, Limit: 1})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		s.logger.Debug("negotiation request %s already received as %s", m.IdempotencyKey(), existing[0].ID)
		return nil
	}

	now := s.clock.Now()
	n := &ContractNegotiation{
		Entity:              connector.NewEntity(uuid.NewString(), StateInitial, now),
		Role:                RoleProvider,
		CounterPartyID:      m.SenderID,
		CounterPartyAddress: m.CallbackAddress,
		CorrelationID:       m.ProcessID,
		Offers:              []protocol.ContractOffer{m.Offer},
	}
	if n.CounterPartyAddress == "" {
		return connector.Validation("contract request requires a callback address", nil)
	}
	if err := machine.Transition(&n.Entity, StateRequested, now); err != nil {
		return err
	}
	if err := s.store.Save(ctx, n); err != nil {
		return err
	}
	s.logger.Info("negotiation %s requested by %s for asset %s", n.ID, m.SenderID, m.Offer.AssetID)
	return nil
}

func (s *Service) applyInbound(ctx context.Context, h protocol.Header, to int, mutate func(*ContractNegotiation) error) (*ContractNegotiation, error) {
	id := localID(h)
	if id == "" {
		return nil, connector.Validation("message does not address a local negotiation", nil)
	}
	return s.apply(ctx, id, to, func(n *ContractNegotiation) error {
		if n.CorrelationID == "" {
			n.CorrelationID = h.ProcessID
		} else if n.CorrelationID != h.ProcessID {
			return connector.Validation("message does not belong to this negotiation", map[string]any{"entity_id": n.ID})
		}
		if mutate != nil {
			return mutate(n)
		}
		return nil
	})
}

// apply moves negotiation id to state to. Reaching a state the negotiation is
// already in is acknowledged without a write so redeliveries are harmless.
func (s *Service) apply(ctx context.Context, id string, to int, mutate func(*ContractNegotiation) error) (*ContractNegotiation, error) {
	n, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.State == to || (n.State == StateTerminated && to == StateTerminating) {
		return n, nil
	}
	if err := machine.Check(n.State, to); err != nil {
		return nil, err
	}
	if mutate != nil {
		if err := mutate(n); err != nil {
			return nil, err
		}
	}
	n.TransitionTo(to, s.clock.Now())
	n.ErrorDetail = ""
	if err := s.store.Save(ctx, n); err != nil {
		return nil, err
	}
	s.logger.Debug("negotiation %s -> %s", n.ID, machine.Name(to))
	return n, nil
}

// localID picks the process id of the receiving side.
func localID(h protocol.Header) string {
	switch h.ProcessID {
	case h.ConsumerPID:
		return h.ProviderPID
	case h.ProviderPID:
		return h.ConsumerPID
	}
	return ""
}
