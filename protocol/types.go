package protocol

import (
	"time"

	"github.com/goliatone/go-connector/policy"
)

// ContractOffer is a provider's offer of an asset under a policy.
type ContractOffer struct {
	ID         string        `json:"id"`
	AssetID    string        `json:"assetId"`
	ProviderID string        `json:"providerId,omitempty"`
	Policy     policy.Policy `json:"policy"`
}

// ContractAgreement is the signed result of a negotiation.
type ContractAgreement struct {
	ID         string        `json:"id"`
	AssetID    string        `json:"assetId"`
	ProviderID string        `json:"providerId"`
	ConsumerID string        `json:"consumerId"`
	SignedAt   time.Time     `json:"signedAt"`
	Policy     policy.Policy `json:"policy"`
}

// DataAddress locates data for a transfer. Properties are backend specific.
type DataAddress struct {
	Type       string            `json:"type"`
	Endpoint   string            `json:"endpoint,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}
