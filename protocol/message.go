// Package protocol defines the messages exchanged with counter-party
// connectors and the dispatchers that deliver them.
package protocol

import (
	"fmt"
	"reflect"
	"strings"

	connector "github.com/goliatone/go-connector"
)

const (
	TypeContractRequest        = "dspace:ContractRequestMessage"
	TypeContractOffer          = "dspace:ContractOfferMessage"
	TypeContractAgreement      = "dspace:ContractAgreementMessage"
	TypeNegotiationEvent       = "dspace:ContractNegotiationEventMessage"
	TypeAgreementVerification  = "dspace:ContractAgreementVerificationMessage"
	TypeNegotiationTermination = "dspace:ContractNegotiationTerminationMessage"
	TypeTransferRequest        = "dspace:TransferRequestMessage"
	TypeTransferStart          = "dspace:TransferStartMessage"
	TypeTransferSuspension     = "dspace:TransferSuspensionMessage"
	TypeTransferCompletion     = "dspace:TransferCompletionMessage"
	TypeTransferTermination    = "dspace:TransferTerminationMessage"
)

const (
	EventAccepted  = "ACCEPTED"
	EventFinalized = "FINALIZED"
)

// Message is any protocol message a dispatcher can send.
type Message interface {
	Type() string
	Validate() error
	// IdempotencyKey identifies the send step that produced the message so
	// the receiver can drop redeliveries.
	IdempotencyKey() string
	// Recipient is the counter-party address.
	Recipient() string
}

// Header is carried by every message. ProcessID is the sender's entity id and
// State the entity state that emitted the message.
type Header struct {
	MessageID           string `json:"messageId"`
	ProcessID           string `json:"processId"`
	ConsumerPID         string `json:"consumerPid,omitempty"`
	ProviderPID         string `json:"providerPid,omitempty"`
	CounterPartyAddress string `json:"counterPartyAddress"`
	SenderID            string `json:"senderId,omitempty"`
	State               int    `json:"state"`
}

func (h Header) IdempotencyKey() string {
	return fmt.Sprintf("%s/%d", h.ProcessID, h.State)
}

func (h Header) Recipient() string { return h.CounterPartyAddress }

func (h Header) validate(kind string) error {
	var missing []string
	if strings.TrimSpace(h.ProcessID) == "" {
		missing = append(missing, "processId")
	}
	if strings.TrimSpace(h.CounterPartyAddress) == "" {
		missing = append(missing, "counterPartyAddress")
	}
	if len(missing) > 0 {
		return connector.Validation(fmt.Sprintf("%s missing %s", kind, strings.Join(missing, ", ")), map[string]any{"type": kind})
	}
	return nil
}

// IsNilMessage reports nil interfaces and typed nil pointers.
func IsNilMessage(msg any) bool {
	if msg == nil {
		return true
	}
	v := reflect.ValueOf(msg)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// ValidateMessage rejects nil messages and wraps Validate failures.
func ValidateMessage(msg Message) error {
	if IsNilMessage(msg) {
		return connector.Validation("nil message", nil)
	}
	if err := msg.Validate(); err != nil {
		if connector.IsValidation(err) {
			return err
		}
		return connector.NewError(connector.ErrValidation, "message validation failed", err, map[string]any{"type": msg.Type()})
	}
	return nil
}

type ContractRequestMessage struct {
	Header
	Offer           ContractOffer `json:"offer"`
	CallbackAddress string        `json:"callbackAddress,omitempty"`
}

func (ContractRequestMessage) Type() string { return TypeContractRequest }

func (m ContractRequestMessage) Validate() error {
	if err := m.validate(TypeContractRequest); err != nil {
		return err
	}
	if m.Offer.ID == "" || m.Offer.AssetID == "" {
		return connector.Validation("contract request requires an offer with id and asset", nil)
	}
	return nil
}

type ContractOfferMessage struct {
	Header
	Offer           ContractOffer `json:"offer"`
	CallbackAddress string        `json:"callbackAddress,omitempty"`
}

func (ContractOfferMessage) Type() string { return TypeContractOffer }

func (m ContractOfferMessage) Validate() error {
	if err := m.validate(TypeContractOffer); err != nil {
		return err
	}
	if m.Offer.ID == "" {
		return connector.Validation("contract offer requires an offer id", nil)
	}
	return nil
}

type ContractAgreementMessage struct {
	Header
	Agreement ContractAgreement `json:"agreement"`
}

func (ContractAgreementMessage) Type() string { return TypeContractAgreement }

func (m ContractAgreementMessage) Validate() error {
	if err := m.validate(TypeContractAgreement); err != nil {
		return err
	}
	if m.Agreement.ID == "" || m.Agreement.AssetID == "" {
		return connector.Validation("contract agreement requires id and asset", nil)
	}
	return nil
}

// NegotiationEventMessage signals ACCEPTED or FINALIZED.
type NegotiationEventMessage struct {
	Header
	Event string `json:"eventType"`
}

func (NegotiationEventMessage) Type() string { return TypeNegotiationEvent }

func (m NegotiationEventMessage) Validate() error {
	if err := m.validate(TypeNegotiationEvent); err != nil {
		return err
	}
	switch m.Event {
	case EventAccepted, EventFinalized:
		return nil
	}
	return connector.Validation(fmt.Sprintf("unknown negotiation event %q", m.Event), nil)
}

type AgreementVerificationMessage struct {
	Header
}

func (AgreementVerificationMessage) Type() string { return TypeAgreementVerification }

func (m AgreementVerificationMessage) Validate() error {
	return m.validate(TypeAgreementVerification)
}

type NegotiationTerminationMessage struct {
	Header
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (NegotiationTerminationMessage) Type() string { return TypeNegotiationTermination }

func (m NegotiationTerminationMessage) Validate() error {
	return m.validate(TypeNegotiationTermination)
}

type TransferRequestMessage struct {
	Header
	AgreementID     string       `json:"agreementId"`
	AssetID         string       `json:"assetId,omitempty"`
	Destination     *DataAddress `json:"dataAddress,omitempty"`
	CallbackAddress string       `json:"callbackAddress,omitempty"`
}

func (TransferRequestMessage) Type() string { return TypeTransferRequest }

func (m TransferRequestMessage) Validate() error {
	if err := m.validate(TypeTransferRequest); err != nil {
		return err
	}
	if m.AgreementID == "" {
		return connector.Validation("transfer request requires an agreement id", nil)
	}
	return nil
}

type TransferStartMessage struct {
	Header
	Source *DataAddress `json:"dataAddress,omitempty"`
}

func (TransferStartMessage) Type() string { return TypeTransferStart }

func (m TransferStartMessage) Validate() error { return m.validate(TypeTransferStart) }

type TransferSuspensionMessage struct {
	Header
	Reason string `json:"reason,omitempty"`
}

func (TransferSuspensionMessage) Type() string { return TypeTransferSuspension }

func (m TransferSuspensionMessage) Validate() error { return m.validate(TypeTransferSuspension) }

type TransferCompletionMessage struct {
	Header
}

func (TransferCompletionMessage) Type() string { return TypeTransferCompletion }

func (m TransferCompletionMessage) Validate() error { return m.validate(TypeTransferCompletion) }

type TransferTerminationMessage struct {
	Header
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (TransferTerminationMessage) Type() string { return TypeTransferTermination }

func (m TransferTerminationMessage) Validate() error { return m.validate(TypeTransferTermination) }
