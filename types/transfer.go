package types

import (
	"time"
)

type Status string

const (
	StatusCreated              Status = "created"
	StatusApproving            Status = "approving"
	StatusSourceSubmitted      Status = "source_submitted"
	StatusAwaitingAttestation  Status = "awaiting_attestation"
	StatusAttested             Status = "attested"
	StatusDestinationSubmitted Status = "destination_submitted"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
)

// Statuses in pipeline order, failed last
var Statuses = []Status{
	StatusCreated,
	StatusApproving,
	StatusSourceSubmitted,
	StatusAwaitingAttestation,
	StatusAttested,
	StatusDestinationSubmitted,
	StatusCompleted,
	StatusFailed,
}

var stageProgress = map[Status]float64{
	StatusCreated:              0.0,
	StatusApproving:            0.1,
	StatusSourceSubmitted:      0.25,
	StatusAwaitingAttestation:  0.4,
	StatusAttested:             0.6,
	StatusDestinationSubmitted: 0.8,
	StatusCompleted:            1.0,
}

func (s Status) Valid() bool {
	if s == StatusFailed {
		return true
	}
	_, ok := stageProgress[s]
	return ok
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Progress is advisory and reflects the pipeline stage only.
// ok is false for failed, which keeps whatever progress was reached.
func (s Status) Progress() (float64, bool) {
	p, ok := stageProgress[s]
	return p, ok
}

// Transfer is the durable entity, the ledger holds the canonical copy
type Transfer struct {
	ID               string   `json:"id"`
	SourceChain      string   `json:"sourceChain"`
	DestinationChain string   `json:"destinationChain"`
	Asset            string   `json:"asset"`
	Amount           string   `json:"amount"`
	SenderAddress    string   `json:"senderAddress"`
	RecipientAddress string   `json:"recipientAddress"`
	Protocol         Protocol `json:"protocol"`
	Fee              string   `json:"fee,omitempty"`
	Status           Status   `json:"status"`

	ApprovalTxHash     string `json:"approvalTxHash,omitempty"`
	SourceTxHash       string `json:"sourceTxHash,omitempty"`
	SourceBlock        uint64 `json:"sourceBlock,omitempty"`
	AttestationPayload []byte `json:"attestationPayload,omitempty"`
	DestinationTxHash  string `json:"destinationTxHash,omitempty"`

	// set before broadcasting, a set flag without a hash means the outcome is unknown
	SourceSubmitAttempted      bool `json:"sourceSubmitAttempted,omitempty"`
	DestinationSubmitAttempted bool `json:"destinationSubmitAttempted,omitempty"`

	FailureReason  ErrorCode `json:"failureReason,omitempty"`
	FailureMessage string    `json:"failureMessage,omitempty"`
	Flagged        bool      `json:"flagged,omitempty"`
	FlagReason     ErrorCode `json:"flagReason,omitempty"`

	CreatedAt             time.Time  `json:"createdAt"`
	LastUpdatedAt         time.Time  `json:"lastUpdatedAt"`
	SourceConfirmedAt     *time.Time `json:"sourceConfirmedAt,omitempty"`
	EstimatedCompletionAt time.Time  `json:"estimatedCompletionAt"`
	CompletedAt           *time.Time `json:"completedAt,omitempty"`
	Progress              float64    `json:"progressFraction"`
}

func (t *Transfer) Clone() *Transfer {
	if t == nil {
		return nil
	}
	c := *t
	if t.AttestationPayload != nil {
		c.AttestationPayload = append([]byte(nil), t.AttestationPayload...)
	}
	if t.SourceConfirmedAt != nil {
		at := *t.SourceConfirmedAt
		c.SourceConfirmedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// chain whose events currently drive the transfer
func (t *Transfer) ActiveChain() string {
	switch t.Status {
	case StatusAttested, StatusDestinationSubmitted, StatusCompleted:
		return t.DestinationChain
	}
	return t.SourceChain
}
