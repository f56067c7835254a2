package ledger

import (
	"encoding/json"
	"fmt"
)

// Metadata is the operation-specific payload attached to a transaction. Each
// operation kind carries exactly the fields it needs; the open-ended map bag
// seen in some billing systems is deliberately avoided.
type Metadata interface {
	Kind() string
}

// ChatUsageMetadata records a metered chat spend.
type ChatUsageMetadata struct {
	Model         string `json:"model,omitempty"`
	Tokens        int64  `json:"tokens"`
	RequestID     string `json:"request_id,omitempty"`
	ReservationID string `json:"reservation_id,omitempty"`
	// UncoveredDebt is the part of an overrun that available credits could
	// not cover when a confirmation exceeded its hold.
	UncoveredDebt int64 `json:"uncovered_debt,omitempty"`
}

func (ChatUsageMetadata) Kind() string { return "chat_usage" }

// PurchaseMetadata records a credit package purchase.
type PurchaseMetadata struct {
	PackageID  string `json:"package_id"`
	PaymentRef string `json:"payment_ref,omitempty"`
}

func (PurchaseMetadata) Kind() string { return "purchase" }

// GrantMetadata records a promotional, free-tier, or admin grant.
type GrantMetadata struct {
	Reason    string `json:"reason"`
	GrantedBy string `json:"granted_by,omitempty"`
}

func (GrantMetadata) Kind() string { return "grant" }

// HoldMetadata is the audit payload for the zero-amount transaction written
// when a reservation is opened.
type HoldMetadata struct {
	ReservationID string `json:"reservation_id"`
	HeldCredits   int64  `json:"held_credits"`
}

func (HoldMetadata) Kind() string { return "hold" }

// ReleaseMetadata is the audit payload for the zero-amount transaction
// written when a reservation is released without spend.
type ReleaseMetadata struct {
	ReservationID   string `json:"reservation_id"`
	ReleasedCredits int64  `json:"released_credits"`
	Reason          string `json:"reason,omitempty"`
}

func (ReleaseMetadata) Kind() string { return "release" }

// metadataEnvelope is the persisted JSON shape: a kind discriminator plus the
// variant's own fields.
type metadataEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalMetadata serializes a Metadata variant for storage. A nil metadata
// marshals to nil (stored as SQL NULL).
func MarshalMetadata(m Metadata) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s metadata: %w", m.Kind(), err)
	}
	return json.Marshal(metadataEnvelope{Kind: m.Kind(), Data: data})
}

// UnmarshalMetadata deserializes a stored metadata envelope back into its
// concrete variant. Unknown kinds are an error so schema drift is loud.
func UnmarshalMetadata(raw []byte) (Metadata, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var env metadataEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshaling metadata envelope: %w", err)
	}

	var m Metadata
	switch env.Kind {
	case "chat_usage":
		m = &ChatUsageMetadata{}
	case "purchase":
		m = &PurchaseMetadata{}
	case "grant":
		m = &GrantMetadata{}
	case "hold":
		m = &HoldMetadata{}
	case "release":
		m = &ReleaseMetadata{}
	default:
		return nil, fmt.Errorf("unknown metadata kind %q", env.Kind)
	}

	if err := json.Unmarshal(env.Data, m); err != nil {
		return nil, fmt.Errorf("unmarshaling %s metadata: %w", env.Kind, err)
	}
	return m, nil
}
