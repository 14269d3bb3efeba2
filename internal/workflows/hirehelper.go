package workflows

import (
	"fmt"
	"sort"
	"time"

	"github.com/rendis/homeos/internal/activities"
	"github.com/rendis/homeos/internal/engine"
	"github.com/rendis/homeos/pkg/schema"
)

const (
	helperSelectionTimeout = 2 * time.Hour
	bookingApprovalTimeout = 24 * time.Hour
	helperShortlist        = 5
)

// HireHelperInput asks for someone to do a household job.
type HireHelperInput struct {
	WorkspaceID    string             `json:"workspaceId"`
	UserID         string             `json:"userId"`
	TaskType       string             `json:"taskType"`
	Description    string             `json:"description"`
	Location       string             `json:"location"`
	PreferredDate  string             `json:"preferredDate"`
	EstimatedHours float64            `json:"estimatedHours,omitempty"`
	Budget         *activities.Budget `json:"budget,omitempty"`
	Requirements   []string           `json:"requirements,omitempty"`
}

// HelperBooking summarizes the booked helper.
type HelperBooking struct {
	HelperID      string  `json:"helperId"`
	HelperName    string  `json:"helperName"`
	ScheduledDate string  `json:"scheduledDate"`
	Price         float64 `json:"price"`
}

// HireHelperResult is the outcome of HireHelper.
type HireHelperResult struct {
	Success bool           `json:"success"`
	Booking *HelperBooking `json:"booking,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// HireHelper finds and ranks helpers, collects quotes from the ones the user
// picked and books the cheapest after approval.
func HireHelper(ctx engine.Context, in HireHelperInput) (HireHelperResult, error) {
	r := newRun(ctx, "helpers", in.WorkspaceID, in.UserID)
	book := newApprovalBook(r)
	picked := newSelection(r)

	res, reason, err := hireHelper(r, book, picked, in)
	if err = conclude(err, &reason); err != nil {
		return HireHelperResult{}, err
	}
	if reason != "" {
		res.Success, res.Error = false, reason
	}
	summary := reason
	if res.Success {
		summary = fmt.Sprintf("Booked %s for %s at $%.2f", res.Booking.HelperName, res.Booking.ScheduledDate, res.Booking.Price)
	}
	r.finish(res.Success, summary, map[string]any{"booking": res.Booking})
	return res, nil
}

func hireHelper(r *run, book *approvalBook, picked *selection, in HireHelperInput) (HireHelperResult, string, error) {
	ws := r.info.WorkspaceID

	r.phase("searching")
	var found activities.HelpersResult
	if err := r.ctx.ExecuteActivity(activities.SearchHelpers, activities.SearchHelpersInput{
		WorkspaceID:  ws,
		TaskType:     in.TaskType,
		Description:  in.Description,
		Location:     in.Location,
		Date:         in.PreferredDate,
		Requirements: in.Requirements,
		Budget:       in.Budget,
	}, &found); err != nil {
		return HireHelperResult{}, "", err
	}
	if len(found.Helpers) == 0 {
		return HireHelperResult{}, "No helpers found", nil
	}

	r.phase("ranking")
	var ranked activities.HelpersResult
	if err := r.ctx.ExecuteActivity(activities.RankCandidates, activities.RankCandidatesInput{
		WorkspaceID:  ws,
		Candidates:   found.Helpers,
		Requirements: in.Requirements,
		Budget:       in.Budget,
	}, &ranked); err != nil {
		return HireHelperResult{}, "", err
	}
	shortlist := ranked.Helpers
	if len(shortlist) > helperShortlist {
		shortlist = shortlist[:helperShortlist]
	}
	r.emit("helpers.candidates", map[string]any{"candidates": shortlist})

	r.phase("awaiting_selection")
	ok, err := r.ctx.Await(helperSelectionTimeout, func() bool { return picked.received })
	if err != nil {
		return HireHelperResult{}, "", err
	}
	if !ok {
		return HireHelperResult{}, "No helpers selected in time", nil
	}
	if len(picked.sig.SelectedCandidateIDs) == 0 {
		return HireHelperResult{}, "No helpers selected", nil
	}
	names := make(map[string]string, len(ranked.Helpers))
	for _, h := range ranked.Helpers {
		names[h.ID] = h.Name
	}

	r.phase("requesting_quotes")
	ids := picked.sig.SelectedCandidateIDs
	quotes := make([]activities.Quote, len(ids))
	calls := make([]engine.ActivityCall, len(ids))
	for i, id := range ids {
		calls[i] = engine.ActivityCall{
			Name: activities.RequestQuote,
			Input: activities.RequestQuoteInput{
				WorkspaceID:       ws,
				HelperID:          id,
				HelperName:        names[id],
				TaskDescription:   in.Description,
				Date:              in.PreferredDate,
				EstimatedDuration: in.EstimatedHours,
			},
			Output: &quotes[i],
		}
	}
	var collected []activities.Quote
	for i, err := range r.ctx.ExecuteActivities(calls) {
		if err != nil {
			if !activityFailed(err) {
				return HireHelperResult{}, "", err
			}
			r.logger().Warn("quote dropped", "helper_id", ids[i], "error", err)
			continue
		}
		collected = append(collected, quotes[i])
	}
	if len(collected) == 0 {
		return HireHelperResult{}, "No quotes received", nil
	}
	// Stable so equal prices keep collection order.
	sort.SliceStable(collected, func(i, j int) bool { return collected[i].Price < collected[j].Price })
	best := collected[0]
	r.emit("helpers.quote", map[string]any{"quote": best, "quotes": len(collected)})

	d, err := r.gate(book, gateRequest{
		Intent:   fmt.Sprintf("Book %s for $%.2f", best.HelperName, best.Price),
		ToolName: "helpers.book",
		Inputs: map[string]any{
			"helperId": best.HelperID,
			"quoteId":  best.QuoteID,
			"price":    best.Price,
			"date":     in.PreferredDate,
			"location": in.Location,
		},
		ExpectedOutputs: map[string]any{"booking": "confirmed booking"},
		RiskLevel:       schema.RiskHigh,
		PIIFields:       []string{"location"},
		RollbackPlan:    "Cancel the booking before " + best.ValidUntil,
		Timeout:         bookingApprovalTimeout,
	})
	if err != nil {
		return HireHelperResult{}, "", err
	}
	if !d.approved() {
		return HireHelperResult{}, "Booking not approved: " + d.Reason, nil
	}

	r.phase("booking")
	var booking activities.Booking
	if err := r.ctx.ExecuteActivity(activities.BookHelper, activities.BookHelperInput{
		WorkspaceID:    ws,
		HelperID:       best.HelperID,
		HelperName:     best.HelperName,
		QuoteID:        best.QuoteID,
		Price:          best.Price,
		ScheduledDate:  in.PreferredDate,
		Location:       in.Location,
		IdempotencyKey: fmt.Sprintf("booking-%s-%s", ws, best.QuoteID),
	}, &booking); err != nil {
		return HireHelperResult{}, "", err
	}

	r.phase("coordinating")
	if err := r.ctx.ExecuteActivity(activities.CoordinateHelper, activities.CoordinateHelperInput{
		WorkspaceID: ws,
		UserID:      r.info.UserID,
		Booking:     booking,
		Location:    in.Location,
		Date:        in.PreferredDate,
	}, nil); err != nil {
		// The booking stands without reminders.
		if !activityFailed(err) {
			return HireHelperResult{}, "", err
		}
		r.logger().Warn("helper coordination failed", "booking_id", booking.BookingID, "error", err)
	}

	return HireHelperResult{
		Success: true,
		Booking: &HelperBooking{
			HelperID:      booking.HelperID,
			HelperName:    booking.HelperName,
			ScheduledDate: booking.ScheduledDate,
			Price:         booking.Price,
		},
	}, "", nil
}
