package protocol

import (
	"encoding/json"
	"fmt"

	connector "github.com/goliatone/go-connector"
)

// Envelope is the wire form of a message.
type Envelope struct {
	Type           string          `json:"@type"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Payload        json.RawMessage `json:"payload"`
}

var decoders = map[string]func(json.RawMessage) (Message, error){
	TypeContractRequest:        decodeAs[ContractRequestMessage],
	TypeContractOffer:          decodeAs[ContractOfferMessage],
	TypeContractAgreement:      decodeAs[ContractAgreementMessage],
	TypeNegotiationEvent:       decodeAs[NegotiationEventMessage],
	TypeAgreementVerification:  decodeAs[AgreementVerificationMessage],
	TypeNegotiationTermination: decodeAs[NegotiationTerminationMessage],
	TypeTransferRequest:        decodeAs[TransferRequestMessage],
	TypeTransferStart:          decodeAs[TransferStartMessage],
	TypeTransferSuspension:     decodeAs[TransferSuspensionMessage],
	TypeTransferCompletion:     decodeAs[TransferCompletionMessage],
	TypeTransferTermination:    decodeAs[TransferTerminationMessage],
}

func decodeAs[M Message](raw json.RawMessage) (Message, error) {
	var msg M
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Encode validates msg and renders its envelope.
func Encode(msg Message) ([]byte, error) {
	if err := ValidateMessage(msg); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Type:           msg.Type(),
		IdempotencyKey: msg.IdempotencyKey(),
		Payload:        payload,
	})
}

// Decode parses an envelope into its concrete message value and validates it.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, connector.NewError(connector.ErrValidation, "malformed envelope", err, nil)
	}
	decode, ok := decoders[env.Type]
	if !ok {
		return nil, connector.Validation(fmt.Sprintf("unknown message type %q", env.Type), map[string]any{"type": env.Type})
	}
	msg, err := decode(env.Payload)
	if err != nil {
		return nil, connector.NewError(connector.ErrValidation, fmt.Sprintf("malformed %s", env.Type), err, nil)
	}
	if err := ValidateMessage(msg); err != nil {
		return nil, err
	}
	return msg, nil
}
