package schema

// Signal names accepted by the workflows.
const (
	SignalApproval           = "approval"
	SignalCandidateSelection = "candidateSelection"
	SignalListingApproval    = "listingApproval"
	SignalBuyerMessage       = "buyerMessage"
)

// ApprovalSignal resolves one approval gate.
type ApprovalSignal struct {
	EnvelopeID string `json:"envelopeId"`
	Approved   bool   `json:"approved"`
	Token      string `json:"token,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// CandidateSelectionSignal carries a user's pick among presented candidates.
// Single-choice workflows read SelectedCandidateID, multi-choice ones SelectedCandidateIDs.
type CandidateSelectionSignal struct {
	SelectedCandidateID  string   `json:"selectedCandidateId,omitempty"`
	SelectedCandidateIDs []string `json:"selectedCandidateIds,omitempty"`
}

// ListingModifications are user edits to a posted or drafted listing.
type ListingModifications struct {
	Price       *float64 `json:"price,omitempty"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
}

// ListingApprovalSignal approves, withdraws or edits a marketplace listing.
type ListingApprovalSignal struct {
	Approved      bool                  `json:"approved"`
	Modifications *ListingModifications `json:"modifications,omitempty"`
}

// BuyerMessageSignal is one inbound message from a marketplace buyer.
type BuyerMessageSignal struct {
	MessageID string `json:"messageId"`
	BuyerID   string `json:"buyerId"`
	Content   string `json:"content"`
}
