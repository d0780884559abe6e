package negotiation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	connector "github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/manager"
	"github.com/goliatone/go-connector/policy"
	"github.com/goliatone/go-connector/protocol"
	"github.com/goliatone/go-connector/query"
	"github.com/goliatone/go-connector/runner"
	"github.com/goliatone/go-connector/store"
)

var epoch = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type party struct {
	id      string
	address string
	service *Service
	manager *manager.ProcessManager[*ContractNegotiation]
}

func newParty(t *testing.T, id string, d *protocol.InMemoryDispatcher, engine policy.Engine, clock connector.Clock) *party {
	t.Helper()
	base, err := store.NewMemoryStore[ContractNegotiation]("manager-"+id, store.WithClock(clock), store.WithDeleteGuard(AgreementGuard))
	require.NoError(t, err)
	api, err := base.WithOwner("api-" + id)
	require.NoError(t, err)

	address := "dsp://" + id
	p := &party{id: id, address: address, service: NewService(api, clock, nil)}
	p.manager, err = NewManager(base, &Processor{
		ParticipantID: id,
		Address:       address,
		Dispatcher:    d,
		Policy:        engine,
		Clock:         clock,
	}, manager.WithOwner[*ContractNegotiation]("manager-"+id),
		manager.WithRetry[*ContractNegotiation](runner.NoDelayStrategy{}, 3))
	require.NoError(t, err)
	d.Register(address, p.service.HandleMessage)
	return p
}

func (p *party) only(t *testing.T) *ContractNegotiation {
	t.Helper()
	all, err := p.service.List(context.Background(), query.Spec{})
	require.NoError(t, err)
	require.Len(t, all, 1, "%s negotiations", p.id)
	return all[0]
}

func pump(t *testing.T, rounds int, done func() bool, parties ...*party) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		if done() {
			return
		}
		for _, p := range parties {
			report := p.manager.RunOnce(context.Background())
			require.NoError(t, report.Err)
		}
	}
	require.True(t, done(), "did not settle after %d rounds", rounds)
}

func offer(id string) protocol.ContractOffer {
	return protocol.ContractOffer{
		ID:      id,
		AssetID: "asset-1",
		Policy:  policy.Policy{ID: "policy-" + id, Permissions: []policy.Rule{{Action: "use"}}},
	}
}

func setup(t *testing.T, engine policy.Engine) (consumer, provider *party) {
	t.Helper()
	clock := connector.NewManualClock(epoch)
	d := protocol.NewInMemoryDispatcher()
	return newParty(t, "consumer", d, nil, clock), newParty(t, "provider", d, engine, clock)
}

func TestMachineShape(t *testing.T) {
	m := Machine()
	assert.Equal(t, StateInitial, m.Initial())
	assert.Equal(t, StateFinalized, m.Success())
	assert.Equal(t, StateTerminated, m.Abnormal())
	for _, code := range m.NonTerminal() {
		assert.True(t, m.CanTransition(code, StateTerminated), "%s cannot terminate", m.Name(code))
	}
	assert.False(t, m.CanTransition(StateFinalized, StateTerminating))
}

func TestNegotiationReachesFinalized(t *testing.T) {
	consumer, provider := setup(t, nil)
	ctx := context.Background()

	started, err := consumer.service.Initiate(ctx, InitiateRequest{
		CounterPartyID:      "provider",
		CounterPartyAddress: provider.address,
		Offer:               offer("offer-1"),
	})
	require.NoError(t, err)
	assert.Equal(t, StateInitial, started.State)
	assert.Zero(t, started.StateCount)

	var c, p *ContractNegotiation
	pump(t, 10, func() bool {
		c = consumer.only(t)
		all, err := provider.service.List(ctx, query.Spec{})
		require.NoError(t, err)
		if len(all) == 0 {
			return false
		}
		p = all[0]
		return c.State == StateFinalized && p.State == StateFinalized
	}, consumer, provider)

	require.NotNil(t, c.ContractAgreement)
	require.NotNil(t, p.ContractAgreement)
	assert.Equal(t, p.ContractAgreement.ID, c.ContractAgreement.ID)
	assert.Equal(t, "consumer", p.ContractAgreement.ConsumerID)
	assert.Equal(t, "provider", p.ContractAgreement.ProviderID)
	assert.Equal(t, c.ID, p.CorrelationID)
	assert.Equal(t, p.ID, c.CorrelationID)
	assert.Equal(t, RoleProvider, p.Role)

	found, err := consumer.service.FindAgreement(ctx, c.ContractAgreement.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "asset-1", found.AssetID)

	missing, err := consumer.service.FindAgreement(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	err = consumer.service.Delete(ctx, c.ID)
	require.Error(t, err)
	assert.True(t, connector.IsConflict(err))
}

func TestCounterOfferAndAccept(t *testing.T) {
	consumer, provider := setup(t, nil)
	ctx := context.Background()

	_, err := consumer.service.Initiate(ctx, InitiateRequest{CounterPartyID: "provider", CounterPartyAddress: provider.address, Offer: offer("offer-1")})
	require.NoError(t, err)
	consumer.manager.RunOnce(ctx)
	consumer.manager.RunOnce(ctx)
	assert.Equal(t, StateRequested, consumer.only(t).State)

	requested := provider.only(t)
	require.Equal(t, StateRequested, requested.State)
	_, err = provider.service.Offer(ctx, requested.ID, offer("offer-2"))
	require.NoError(t, err)

	provider.manager.RunOnce(ctx)
	c := consumer.only(t)
	assert.Equal(t, StateOffered, c.State)
	assert.Equal(t, "offer-2", c.LastOffer().ID)

	_, err = consumer.service.Offer(ctx, c.ID, offer("offer-3"))
	require.Error(t, err, "consumers cannot counter-offer")

	_, err = consumer.service.Accept(ctx, c.ID)
	require.NoError(t, err)

	pump(t, 10, func() bool {
		return consumer.only(t).State == StateFinalized && provider.only(t).State == StateFinalized
	}, consumer, provider)
	assert.Equal(t, "policy-offer-2", consumer.only(t).ContractAgreement.Policy.ID)
}

func TestPolicyDenialTerminatesBothSides(t *testing.T) {
	engine, err := policy.NewRuleEngine([]policy.ScopeRule{
		{Name: "closed", Scope: policy.ScopeNegotiation, Action: policy.ActionDeny},
	}, nil)
	require.NoError(t, err)
	consumer, provider := setup(t, engine)
	ctx := context.Background()

	_, err = consumer.service.Initiate(ctx, InitiateRequest{CounterPartyID: "provider", CounterPartyAddress: provider.address, Offer: offer("offer-1")})
	require.NoError(t, err)

	pump(t, 10, func() bool {
		all, err := provider.service.List(ctx, query.Spec{})
		require.NoError(t, err)
		return len(all) == 1 && all[0].State == StateTerminated && consumer.only(t).State == StateTerminated
	}, consumer, provider)

	assert.Contains(t, provider.only(t).TerminationReason, "closed")
	assert.Contains(t, consumer.only(t).TerminationReason, "closed")
	assert.Nil(t, consumer.only(t).ContractAgreement)

	require.NoError(t, consumer.service.Delete(ctx, consumer.only(t).ID))
}

func TestUnreachableProviderIsRetried(t *testing.T) {
	consumer, _ := setup(t, nil)
	ctx := context.Background()

	_, err := consumer.service.Initiate(ctx, InitiateRequest{CounterPartyID: "ghost", CounterPartyAddress: "dsp://ghost", Offer: offer("offer-1")})
	require.NoError(t, err)

	report := consumer.manager.RunOnce(ctx)
	require.Len(t, report.Results, 2)
	assert.Equal(t, manager.OutcomeAdvanced, report.Results[0].Outcome)
	assert.Equal(t, manager.OutcomeRetried, report.Results[1].Outcome)

	c := consumer.only(t)
	assert.Equal(t, StateRequesting, c.State)
	assert.Equal(t, 2, c.StateCount)
	assert.Contains(t, c.ErrorDetail, "no route")
}

func TestRequestRedeliveryIsIdempotent(t *testing.T) {
	_, provider := setup(t, nil)
	ctx := context.Background()

	msg := protocol.ContractRequestMessage{
		Header: protocol.Header{
			ProcessID:           "consumer-neg-1",
			ConsumerPID:         "consumer-neg-1",
			CounterPartyAddress: provider.address,
			SenderID:            "consumer",
			State:               StateRequesting,
		},
		Offer:           offer("offer-1"),
		CallbackAddress: "dsp://consumer",
	}
	require.NoError(t, provider.service.HandleMessage(ctx, msg))
	require.NoError(t, provider.service.HandleMessage(ctx, msg))

	p := provider.only(t)
	assert.Equal(t, StateRequested, p.State)
	assert.Equal(t, 1, p.StateCount)
	assert.Equal(t, "consumer", p.CounterPartyID)
}

func TestInboundMessagesAreValidated(t *testing.T) {
	consumer, _ := setup(t, nil)
	ctx := context.Background()

	c, err := consumer.service.Initiate(ctx, InitiateRequest{CounterPartyAddress: "dsp://provider", Offer: offer("offer-1")})
	require.NoError(t, err)

	verify := protocol.AgreementVerificationMessage{Header: protocol.Header{
		ProcessID:           "provider-neg",
		ProviderPID:         "provider-neg",
		ConsumerPID:         c.ID,
		CounterPartyAddress: "dsp://consumer",
	}}
	err = consumer.service.HandleMessage(ctx, verify)
	require.Error(t, err)
	assert.True(t, connector.IsInvalidTransition(err))

	unknown := protocol.NegotiationEventMessage{Header: protocol.Header{
		ProcessID:           "provider-neg",
		ProviderPID:         "provider-neg",
		ConsumerPID:         "missing",
		CounterPartyAddress: "dsp://consumer",
	}, Event: protocol.EventFinalized}
	err = consumer.service.HandleMessage(ctx, unknown)
	require.Error(t, err)
	assert.True(t, connector.IsNotFound(err))

	_, err = consumer.service.Initiate(ctx, InitiateRequest{})
	require.Error(t, err)
	assert.True(t, connector.IsValidation(err))
}

func TestTerminateFromAPI(t *testing.T) {
	consumer, provider := setup(t, nil)
	ctx := context.Background()

	c, err := consumer.service.Initiate(ctx, InitiateRequest{CounterPartyID: "provider", CounterPartyAddress: provider.address, Offer: offer("offer-1")})
	require.NoError(t, err)
	consumer.manager.RunOnce(ctx)
	consumer.manager.RunOnce(ctx)

	p := provider.only(t)
	_, err = provider.service.Terminate(ctx, p.ID, "asset withdrawn")
	require.NoError(t, err)

	provider.manager.RunOnce(ctx)
	assert.Equal(t, StateTerminated, provider.only(t).State)

	got, err := consumer.service.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, got.State)
	assert.Equal(t, "asset withdrawn", got.TerminationReason)

	_, err = consumer.service.Terminate(ctx, c.ID, "again")
	require.NoError(t, err, "terminating a terminated negotiation is a no-op")
}

func TestAgreementBelongsToOneNegotiation(t *testing.T) {
	consumer, _ := setup(t, nil)
	ctx := context.Background()

	agreementFor := func(localID, providerPID string) protocol.ContractAgreementMessage {
		return protocol.ContractAgreementMessage{
			Header: protocol.Header{
				ProcessID:           providerPID,
				ProviderPID:         providerPID,
				ConsumerPID:         localID,
				CounterPartyAddress: consumer.address,
				SenderID:            "provider",
			},
			Agreement: protocol.ContractAgreement{ID: "agreement-1", AssetID: "asset-1", ProviderID: "provider", ConsumerID: "consumer"},
		}
	}
	for _, id := range []string{"cn-1", "cn-2"} {
		n := &ContractNegotiation{
			Entity:              connector.NewEntity(id, StateRequested, epoch),
			Role:                RoleConsumer,
			CounterPartyID:      "provider",
			CounterPartyAddress: "dsp://provider",
			CorrelationID:       "pn-" + id,
			Offers:              []protocol.ContractOffer{offer("offer-1")},
		}
		require.NoError(t, consumer.service.store.Save(ctx, n))
	}

	require.NoError(t, consumer.service.HandleMessage(ctx, agreementFor("cn-1", "pn-cn-1")))
	require.NoError(t, consumer.service.HandleMessage(ctx, agreementFor("cn-1", "pn-cn-1")), "redelivery is acknowledged")

	err := consumer.service.HandleMessage(ctx, agreementFor("cn-2", "pn-cn-2"))
	require.Error(t, err)
	assert.True(t, connector.IsConflict(err))

	second, err := consumer.service.Get(ctx, "cn-2")
	require.NoError(t, err)
	assert.Equal(t, StateRequested, second.State)
	assert.Nil(t, second.ContractAgreement)

	found, err := consumer.service.FindAgreement(ctx, "agreement-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	first, err := consumer.service.Get(ctx, "cn-1")
	require.NoError(t, err)
	assert.Equal(t, StateAgreed, first.State)
}
