package transfer

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

// Service applies API triggers and inbound protocol messages to transfer
// processes. Like negotiation.Service it should write through a store owner
// distinct from the process manager's.
type Service struct {
	store  store.EntityStore[*TransferProcess]
	clock  connector.Clock
	logger connector.Logger
}

func NewService(s store.EntityStore[*TransferProcess], clock connector.Clock, logger connector.Logger) *Service {
	return &Service{
		store:  s,
		clock:  connector.NormalizeClock(clock),
		logger: connector.NormalizeLogger(logger),
	}
}

// Request describes a consumer transfer.
type Request struct {
	AgreementID         string
	AssetID             string
	CounterPartyID      string
	CounterPartyAddress string
	Destination         *protocol.DataAddress
}

func (r Request) validate() error {
	var missing []string
	if strings.TrimSpace(r.AgreementID) == "" {
		missing = append(missing, "agreement id")
	}
	if strings.TrimSpace(r.CounterPartyAddress) == "" {
		missing = append(missing, "counter-party address")
	}
	if len(missing) > 0 {
		return connector.Validation("request transfer: missing "+strings.Join(missing, ", "), nil)
	}
	return nil
}

// Request creates a consumer transfer in INITIAL.
func (s *Service) Request(ctx context.Context, req Request) (*TransferProcess, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	tp := &TransferProcess{
		Entity:              connector.NewEntity("", StateInitial, s.clock.Now()),
		Role:                RoleConsumer,
		AgreementID:         req.AgreementID,
		AssetID:             req.AssetID,
		CounterPartyID:      req.CounterPartyID,
		CounterPartyAddress: req.CounterPartyAddress,
		DataDestination:     req.Destination,
	}
	if err := s.store.Save(ctx, tp); err != nil {
		return nil, err
	}
	s.logger.Info("transfer %s requested under agreement %s", tp.ID, tp.AgreementID)
	return tp, nil
}

func (s *Service) Suspend(ctx context.Context, id, reason string) (*TransferProcess, error) {
	return s.apply(ctx, id, StateSuspending, func(tp *TransferProcess) error {
		tp.SuspensionReason = reason
		return nil
	})
}

func (s *Service) Resume(ctx context.Context, id string) (*TransferProcess, error) {
	return s.apply(ctx, id, StateResuming, nil)
}

func (s *Service) Complete(ctx context.Context, id string) (*TransferProcess, error) {
	return s.apply(ctx, id, StateCompleting, nil)
}

func (s *Service) Terminate(ctx context.Context, id, reason string) (*TransferProcess, error) {
	return s.apply(ctx, id, StateTerminating, func(tp *TransferProcess) error {
		tp.TerminationReason = reason
		return nil
	})
}

// Get returns the transfer or a not found error.
func (s *Service) Get(ctx context.Context, id string) (*TransferProcess, error) {
	tp, err := s.store.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if tp == nil {
		return nil, connector.NewError(connector.ErrNotFound, fmt.Sprintf("transfer %s not found", id), nil, map[string]any{"entity_id": id})
	}
	return tp, nil
}

func (s *Service) List(ctx context.Context, spec query.Spec) ([]*TransferProcess, error) {
	seq, err := s.store.Query(ctx, spec)
	if err != nil {
		return nil, err
	}
	return store.Collect(seq)
}

// HandleMessage applies an inbound protocol message. It is a protocol.Handler.
func (s *Service) HandleMessage(ctx context.Context, msg protocol.Message) error {
	var err error
	switch m := msg.(type) {
	case protocol.TransferRequestMessage:
		return s.onRequest(ctx, m)
	case protocol.TransferStartMessage:
		_, err = s.applyInbound(ctx, m.Header, StateStarted, func(tp *TransferProcess) error {
			if m.Source != nil {
				tp.DataSource = m.Source
			}
			tp.SuspensionReason = ""
			return nil
		})
	case protocol.TransferSuspensionMessage:
		_, err = s.applyInbound(ctx, m.Header, StateSuspended, func(tp *TransferProcess) error {
			tp.SuspensionReason = m.Reason
			return nil
		})
	case protocol.TransferCompletionMessage:
		_, err = s.applyInbound(ctx, m.Header, StateCompleting, func(tp *TransferProcess) error {
			tp.PeerInitiated = true
			return nil
		})
	case protocol.TransferTerminationMessage:
		_, err = s.applyInbound(ctx, m.Header, StateTerminating, func(tp *TransferProcess) error {
			tp.PeerInitiated = true
			tp.TerminationReason = m.Reason
			return nil
		})
	default:
		return connector.Validation(fmt.Sprintf("transfer cannot handle %s", msg.Type()), nil)
	}
	return err
}

func (s *Service) onRequest(ctx context.Context, m protocol.TransferRequestMessage) error {
	existing, err := s.List(ctx, query.Spec{Filter: []query.Criterion{
		query.Equal("correlationId", m.ProcessID),
		query.Equal("role", string(RoleProvider)),
	}, Limit: 1})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		s.logger.Debug("transfer request %s already received as %s", m.IdempotencyKey(), existing[0].ID)
		return nil
	}
	if m.CallbackAddress == "" {
		return connector.Validation("transfer request requires a callback address", nil)
	}

	tp := &TransferProcess{
		Entity:              connector.NewEntity(uuid.NewString(), StateInitial, s.clock.Now()),
		Role:                RoleProvider,
		AgreementID:         m.AgreementID,
		AssetID:             m.AssetID,
		CounterPartyID:      m.SenderID,
		CounterPartyAddress: m.CallbackAddress,
		CorrelationID:       m.ProcessID,
		DataDestination:     m.Destination,
	}
	if err := s.store.Save(ctx, tp); err != nil {
		return err
	}
	s.logger.Info("transfer %s requested by %s under agreement %s", tp.ID, m.SenderID, m.AgreementID)
	return nil
}

func (s *Service) applyInbound(ctx context.Context, h protocol.Header, to int, mutate func(*TransferProcess) error) (*TransferProcess, error) {
	id := localID(h)
	if id == "" {
		return nil, connector.Validation("message does not address a local transfer", nil)
	}
	return s.apply(ctx, id, to, func(tp *TransferProcess) error {
		if tp.CorrelationID == "" {
			tp.CorrelationID = h.ProcessID
		} else if tp.CorrelationID != h.ProcessID {
			return connector.Validation("message does not belong to this transfer", map[string]any{"entity_id": tp.ID})
		}
		if mutate != nil {
			return mutate(tp)
		}
		return nil
	})
}

// apply moves transfer id to state to. Asking for a closing state the process
// already passed is acknowledged without a write.
func (s *Service) apply(ctx context.Context, id string, to int, mutate func(*TransferProcess) error) (*TransferProcess, error) {
	tp, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if reached(tp.State, to) {
		return tp, nil
	}
	if err := machine.Check(tp.State, to); err != nil {
		return nil, err
	}
	if mutate != nil {
		if err := mutate(tp); err != nil {
			return nil, err
		}
	}
	tp.TransitionTo(to, s.clock.Now())
	tp.ErrorDetail = ""
	if err := s.store.Save(ctx, tp); err != nil {
		return nil, err
	}
	s.logger.Debug("transfer %s -> %s", tp.ID, machine.Name(to))
	return tp, nil
}

func reached(current, to int) bool {
	switch {
	case current == to:
		return true
	case to == StateCompleting:
		return current == StateCompleted
	case to == StateTerminating:
		return current == StateTerminated
	}
	return false
}

func localID(h protocol.Header) string {
	switch h.ProcessID {
	case h.ConsumerPID:
		return h.ProviderPID
	case h.ProviderPID:
		return h.ConsumerPID
	}
	return ""
}
