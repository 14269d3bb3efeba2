package activities

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/homeos/internal/engine"
	"github.com/rendis/homeos/internal/tools"
	"github.com/rendis/homeos/pkg/schema"
)

// SearchCandidatesInput describes the venue wanted.
type SearchCandidatesInput struct {
	WorkspaceID string `json:"workspaceId"`
	Query       string `json:"query"`
	Location    string `json:"location,omitempty"`
	MaxResults  int    `json:"maxResults,omitempty"`
}

// Candidate is one bookable venue.
type Candidate struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Address    string  `json:"address"`
	Phone      string  `json:"phone"`
	Rating     float64 `json:"rating,omitempty"`
	PriceLevel int     `json:"priceLevel,omitempty"`
}

// CandidatesResult lists venues in relevance order.
type CandidatesResult struct {
	Candidates []Candidate `json:"candidates"`
}

// PlaceCallInput is an outbound reservation call.
type PlaceCallInput struct {
	WorkspaceID    string `json:"workspaceId"`
	IdempotencyKey string `json:"idempotencyKey"`
	PhoneNumber    string `json:"phoneNumber"`
	BusinessName   string `json:"businessName"`
	PartySize      int    `json:"partySize"`
	DateTime       string `json:"dateTime"`
	SpecialNotes   string `json:"specialNotes,omitempty"`
	UserName       string `json:"userName,omitempty"`
}

// CallAnalysis is the structured reading of a call transcript.
type CallAnalysis struct {
	CallSuccessful     bool   `json:"callSuccessful"`
	Summary            string `json:"summary"`
	ConfirmedDateTime  string `json:"confirmedDateTime,omitempty"`
	ConfirmationNumber string `json:"confirmationNumber,omitempty"`
}

// CallResult is what the telephony provider reports.
type CallResult struct {
	CallSID    string       `json:"callSid"`
	CallID     string       `json:"callId"`
	Status     string       `json:"status"`
	Transcript string       `json:"transcript"`
	Outcome    string       `json:"outcome"`
	Analysis   CallAnalysis `json:"analysis"`
}

// CallOutcomeInput is a finished call.
type CallOutcomeInput struct {
	Call        CallResult `json:"call"`
	RequestedAt string     `json:"requestedAt,omitempty"`
}

// CallOutcome is the decision taken from a finished call.
type CallOutcome struct {
	Success            bool   `json:"success"`
	ConfirmedDateTime  string `json:"confirmedDateTime,omitempty"`
	ConfirmationNumber string `json:"confirmationNumber,omitempty"`
	NeedsFollowUp      bool   `json:"needsFollowUp"`
	Summary            string `json:"summary,omitempty"`
}

// CalendarEventInput is a calendar entry to create.
type CalendarEventInput struct {
	WorkspaceID     string `json:"workspaceId"`
	IdempotencyKey  string `json:"idempotencyKey,omitempty"`
	Title           string `json:"title"`
	Start           string `json:"start"`
	DurationMinutes int    `json:"durationMinutes,omitempty"`
	Location        string `json:"location,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

// CalendarEventResult identifies the created entry.
type CalendarEventResult struct {
	EventID string `json:"eventId"`
}

func (s *Set) searchCandidates(_ context.Context, in SearchCandidatesInput) (CandidatesResult, error) {
	if strings.TrimSpace(in.Query) == "" {
		return CandidatesResult{}, schema.NewError(schema.ErrCodeValidation, "search query is required")
	}
	return CandidatesResult{Candidates: []Candidate{{
		ID:         "mock-1",
		Name:       "Example Restaurant",
		Address:    "123 Main St, City, State",
		Phone:      "+1234567890",
		Rating:     4.5,
		PriceLevel: 2,
	}}}, nil
}

func (s *Set) placeCall(ctx context.Context, in PlaceCallInput) (CallResult, error) {
	if in.PhoneNumber == "" || in.IdempotencyKey == "" {
		return CallResult{}, schema.NewError(schema.ErrCodeValidation, "placeCall requires phoneNumber and idempotencyKey")
	}
	e, fresh := s.cfg.Ledger.Record("telephony.place_call", tools.Call{
		WorkspaceID:    in.WorkspaceID,
		IdempotencyKey: in.IdempotencyKey,
		Inputs: map[string]any{
			"phoneNumber": in.PhoneNumber, "businessName": in.BusinessName,
			"partySize": in.PartySize, "dateTime": in.DateTime,
		},
	})
	if !fresh {
		s.cfg.Logger.InfoContext(ctx, "duplicate call suppressed", "key", in.IdempotencyKey)
	}
	confirmation := "RES-" + strings.ToUpper(e.ID[:6])
	transcript := fmt.Sprintf("Agent: Hi, I'd like to make a reservation for %d at %s.\nHost: Sure, that works. Your confirmation number is %s.",
		in.PartySize, in.DateTime, confirmation)
	return CallResult{
		CallSID:    "CA" + strings.ReplaceAll(e.ID, "-", "")[:16],
		CallID:     e.ID,
		Status:     "completed",
		Transcript: transcript,
		Outcome:    "success",
		Analysis: CallAnalysis{
			CallSuccessful:     true,
			Summary:            fmt.Sprintf("Reserved a table for %d at %s", in.PartySize, in.BusinessName),
			ConfirmedDateTime:  in.DateTime,
			ConfirmationNumber: confirmation,
		},
	}, nil
}

func (s *Set) handleCallOutcome(_ context.Context, in CallOutcomeInput) (CallOutcome, error) {
	success := in.Call.Outcome == "success"
	out := CallOutcome{
		Success:            success,
		ConfirmedDateTime:  in.Call.Analysis.ConfirmedDateTime,
		ConfirmationNumber: in.Call.Analysis.ConfirmationNumber,
		NeedsFollowUp:      !success,
		Summary:            in.Call.Analysis.Summary,
	}
	if out.ConfirmedDateTime == "" {
		out.ConfirmedDateTime = in.RequestedAt
	}
	return out, nil
}

func (s *Set) createCalendarEvent(ctx context.Context, in CalendarEventInput) (CalendarEventResult, error) {
	if in.Title == "" || in.Start == "" {
		return CalendarEventResult{}, schema.NewError(schema.ErrCodeValidation, "calendar event requires title and start")
	}
	key := in.IdempotencyKey
	if key == "" {
		info, _ := engine.ActivityInfoFrom(ctx)
		key = info.CommandKey
	}
	inputs := map[string]any{"title": in.Title, "start": in.Start}
	if in.DurationMinutes > 0 {
		inputs["durationMinutes"] = in.DurationMinutes
	}
	if in.Location != "" {
		inputs["location"] = in.Location
	}
	e, _ := s.cfg.Ledger.Record("calendar.create_event", tools.Call{WorkspaceID: in.WorkspaceID, IdempotencyKey: key, Inputs: inputs})
	return CalendarEventResult{EventID: e.ID}, nil
}
