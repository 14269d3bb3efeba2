package workflows

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/homeos/internal/activities"
	"github.com/rendis/homeos/internal/engine"
	"github.com/rendis/homeos/pkg/schema"
)

const (
	reservationSelectionTimeout = time.Hour
	reservationApprovalTimeout  = 24 * time.Hour
	reservationShortlist        = 3
	reservationDurationMinutes  = 90
)

// ReservationInput asks for a table somewhere matching RestaurantType.
type ReservationInput struct {
	WorkspaceID     string   `json:"workspaceId"`
	UserID          string   `json:"userId"`
	UserName        string   `json:"userName,omitempty"`
	RestaurantType  string   `json:"restaurantType"`
	DateTime        string   `json:"dateTime"`
	PartySize       int      `json:"partySize"`
	SpecialRequests []string `json:"specialRequests,omitempty"`
	Location        string   `json:"location"`
}

// Reservation is a confirmed booking.
type Reservation struct {
	RestaurantName     string `json:"restaurantName"`
	DateTime           string `json:"dateTime"`
	ConfirmationNumber string `json:"confirmationNumber,omitempty"`
}

// ReservationResult is the outcome of ReservationCall.
type ReservationResult struct {
	Success     bool         `json:"success"`
	Reservation *Reservation `json:"reservation,omitempty"`
	Transcript  string       `json:"transcript,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// selection holds the most recent candidateSelection signal.
type selection struct {
	sig      schema.CandidateSelectionSignal
	received bool
}

func newSelection(r *run) *selection {
	s := &selection{}
	r.ctx.OnSignal(schema.SignalCandidateSelection, func(raw json.RawMessage) {
		var sig schema.CandidateSelectionSignal
		if err := json.Unmarshal(raw, &sig); err != nil {
			return
		}
		s.sig, s.received = sig, true
	})
	return s
}

// ReservationCall finds a restaurant, lets the user pick one, places the call
// after approval and puts the result on the calendar.
func ReservationCall(ctx engine.Context, in ReservationInput) (ReservationResult, error) {
	r := newRun(ctx, "reservation", in.WorkspaceID, in.UserID)
	book := newApprovalBook(r)
	picked := newSelection(r)

	res, reason, err := reservationCall(r, book, picked, in)
	if err = conclude(err, &reason); err != nil {
		return ReservationResult{}, err
	}
	if reason != "" {
		res.Success, res.Error = false, reason
	}
	summary := reason
	if res.Success {
		summary = fmt.Sprintf("Booked %s for %d at %s", res.Reservation.RestaurantName, in.PartySize, res.Reservation.DateTime)
	}
	r.finish(res.Success, summary, map[string]any{"reservation": res.Reservation})
	return res, nil
}

func reservationCall(r *run, book *approvalBook, picked *selection, in ReservationInput) (ReservationResult, string, error) {
	r.phase("searching")
	var found activities.CandidatesResult
	if err := r.ctx.ExecuteActivity(activities.SearchCandidates, activities.SearchCandidatesInput{
		WorkspaceID: r.info.WorkspaceID,
		Query:       in.RestaurantType,
		Location:    in.Location,
		MaxResults:  5,
	}, &found); err != nil {
		return ReservationResult{}, "", err
	}
	if len(found.Candidates) == 0 {
		return ReservationResult{}, "No candidates found", nil
	}

	shortlist := found.Candidates
	if len(shortlist) > reservationShortlist {
		shortlist = shortlist[:reservationShortlist]
	}
	r.emit("reservation.candidates", map[string]any{"candidates": shortlist})
	r.phase("awaiting_selection")
	ok, err := r.ctx.Await(reservationSelectionTimeout, func() bool { return picked.received })
	if err != nil {
		return ReservationResult{}, "", err
	}
	if !ok {
		return ReservationResult{}, "No candidate selected in time", nil
	}
	var chosen *activities.Candidate
	for i := range found.Candidates {
		if found.Candidates[i].ID == picked.sig.SelectedCandidateID {
			chosen = &found.Candidates[i]
			break
		}
	}
	if chosen == nil {
		return ReservationResult{}, fmt.Sprintf("Unknown candidate %q", picked.sig.SelectedCandidateID), nil
	}

	notes := strings.Join(in.SpecialRequests, "; ")
	d, err := r.gate(book, gateRequest{
		Intent:   fmt.Sprintf("Call %s to make a reservation for %d at %s", chosen.Name, in.PartySize, in.DateTime),
		ToolName: "telephony.place_call",
		Inputs: map[string]any{
			"phoneNumber":     chosen.Phone,
			"restaurantName":  chosen.Name,
			"dateTime":        in.DateTime,
			"partySize":       in.PartySize,
			"specialRequests": in.SpecialRequests,
		},
		ExpectedOutputs: map[string]any{"confirmation": "reservation confirmed"},
		RiskLevel:       schema.RiskHigh,
		PIIFields:       []string{"phoneNumber"},
		RollbackPlan:    "Call the restaurant back to cancel the reservation",
		Timeout:         reservationApprovalTimeout,
	})
	if err != nil {
		return ReservationResult{}, "", err
	}
	if !d.approved() {
		return ReservationResult{}, "Call not approved: " + d.Reason, nil
	}

	r.phase("calling", "restaurant", chosen.Name)
	var call activities.CallResult
	if err := r.ctx.ExecuteActivity(activities.PlaceCall, activities.PlaceCallInput{
		WorkspaceID:    r.info.WorkspaceID,
		IdempotencyKey: fmt.Sprintf("reservation-%s-%s", r.info.WorkflowID, d.EnvelopeID),
		PhoneNumber:    chosen.Phone,
		BusinessName:   chosen.Name,
		PartySize:      in.PartySize,
		DateTime:       in.DateTime,
		SpecialNotes:   notes,
		UserName:       in.UserName,
	}, &call); err != nil {
		return ReservationResult{}, "", err
	}

	r.phase("processing_outcome")
	var outcome activities.CallOutcome
	if err := r.ctx.ExecuteActivity(activities.HandleCallOutcome, activities.CallOutcomeInput{Call: call, RequestedAt: in.DateTime}, &outcome); err != nil {
		return ReservationResult{}, "", err
	}
	if !outcome.Success {
		reason := "Reservation not confirmed"
		if outcome.Summary != "" {
			reason += ": " + outcome.Summary
		}
		return ReservationResult{Transcript: call.Transcript}, reason, nil
	}

	confirmed := outcome.ConfirmedDateTime
	if confirmed == "" {
		confirmed = in.DateTime
	}
	r.phase("creating_calendar")
	calNotes := fmt.Sprintf("Party of %d.", in.PartySize)
	if outcome.ConfirmationNumber != "" {
		calNotes += " Confirmation: " + outcome.ConfirmationNumber
	}
	if err := r.ctx.ExecuteActivity(activities.CreateCalendarEvent, activities.CalendarEventInput{
		WorkspaceID:     r.info.WorkspaceID,
		IdempotencyKey:  fmt.Sprintf("calendar-%s-%s", r.info.WorkflowID, d.EnvelopeID),
		Title:           "Reservation at " + chosen.Name,
		Start:           confirmed,
		DurationMinutes: reservationDurationMinutes,
		Location:        chosen.Address,
		Notes:           calNotes,
	}, nil); err != nil {
		// The table is booked either way.
		if !activityFailed(err) {
			return ReservationResult{}, "", err
		}
		r.logger().Warn("calendar event not created", "error", err)
	}

	return ReservationResult{
		Success: true,
		Reservation: &Reservation{
			RestaurantName:     chosen.Name,
			DateTime:           confirmed,
			ConfirmationNumber: outcome.ConfirmationNumber,
		},
		Transcript: call.Transcript,
	}, "", nil
}
