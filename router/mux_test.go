package router

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	connector "github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/protocol"
)

func recordTo(name string, seen *[]string) protocol.Handler {
	return func(context.Context, protocol.Message) error {
		*seen = append(*seen, name)
		return nil
	}
}

func header() protocol.Header {
	return protocol.Header{ProcessID: "tp-1", ConsumerPID: "tp-1", CounterPartyAddress: "dsp://provider"}
}

func TestMuxExactBeatsPrefix(t *testing.T) {
	var seen []string
	mux := NewMux()
	mux.Add("dspace:Transfer*", recordTo("transfers", &seen))
	mux.Add(protocol.TypeTransferStart, recordTo("start", &seen))
	mux.Add("dspace:*", recordTo("fallback", &seen))

	ctx := context.Background()
	require.NoError(t, mux.Handle(ctx, protocol.TransferStartMessage{Header: header()}))
	require.NoError(t, mux.Handle(ctx, protocol.TransferCompletionMessage{Header: header()}))
	require.NoError(t, mux.Handle(ctx, protocol.AgreementVerificationMessage{Header: header()}))

	assert.Equal(t, []string{"start", "transfers", "fallback"}, seen)
}

func TestMuxNoRoute(t *testing.T) {
	mux := NewMux()
	mux.Add("dspace:Contract*", func(context.Context, protocol.Message) error { return nil })

	err := mux.Handle(context.Background(), protocol.TransferCompletionMessage{Header: header()})
	require.Error(t, err)
	assert.True(t, connector.IsValidation(err))

	err = mux.Handle(context.Background(), nil)
	require.Error(t, err)
}

func TestMuxStopsOnFirstError(t *testing.T) {
	var seen []string
	mux := NewMux()
	mux.Add(protocol.TypeTransferStart, func(context.Context, protocol.Message) error {
		return errors.New("closed")
	})
	mux.Add(protocol.TypeTransferStart, recordTo("second", &seen))

	err := mux.Handle(context.Background(), protocol.TransferStartMessage{Header: header()})
	require.EqualError(t, err, "closed")
	assert.Empty(t, seen)
}

func TestMuxUnsubscribe(t *testing.T) {
	var seen []string
	mux := NewMux()
	first := mux.Add("dspace:Transfer*", recordTo("first", &seen))
	mux.Add("dspace:Transfer*", recordTo("second", &seen))
	require.Len(t, mux.Get(protocol.TypeTransferStart), 2)

	first.Unsubscribe()
	entries := mux.Get(protocol.TypeTransferStart)
	require.Len(t, entries, 1)
	require.NoError(t, entries[0].Handler(context.Background(), nil))
	assert.Equal(t, []string{"second"}, seen)

	entries[0].Unsubscribe()
	assert.Empty(t, mux.Get(protocol.TypeTransferStart))
}

func TestMuxConcurrentAccess(t *testing.T) {
	mux := NewMux()
	noop := func(context.Context, protocol.Message) error { return nil }

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mux.Add(protocol.TypeContractRequest, noop)
			mux.Get(protocol.TypeContractRequest)
		}()
	}
	wg.Wait()

	assert.Len(t, mux.Get(protocol.TypeContractRequest), 100)
}
