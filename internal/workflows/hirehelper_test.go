package workflows

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/homeos/internal/activities"
	"github.com/rendis/homeos/internal/engine"
	"github.com/rendis/homeos/internal/engine/enginetest"
	"github.com/rendis/homeos/pkg/schema"
)

var hireInput = HireHelperInput{
	WorkspaceID:   "ws-1",
	UserID:        "user-1",
	TaskType:      "furniture_assembly",
	Description:   "Assemble an IKEA wardrobe",
	Location:      "Palo Alto",
	PreferredDate: "2026-01-10",
	Budget:        &activities.Budget{Min: 50, Max: 120},
}

func hireDef() engine.Definition {
	return engine.NewDefinition(string(schema.WorkflowHireHelper), HireHelper)
}

// mockHelpers offers three helpers quoting the given prices.
func mockHelpers(h *harness, prices map[string]float64) {
	helpers := []activities.Helper{
		{ID: "h1", Name: "Alex", Rating: 4.9},
		{ID: "h2", Name: "Blair", Rating: 4.7},
		{ID: "h3", Name: "Casey", Rating: 4.5},
	}
	enginetest.Mock(h.Env, activities.SearchHelpers, func(activities.SearchHelpersInput) (activities.HelpersResult, error) {
		return activities.HelpersResult{Helpers: helpers}, nil
	})
	enginetest.Mock(h.Env, activities.RankCandidates, func(in activities.RankCandidatesInput) (activities.HelpersResult, error) {
		return activities.HelpersResult{Helpers: in.Candidates}, nil
	})
	enginetest.Mock(h.Env, activities.RequestQuote, func(in activities.RequestQuoteInput) (activities.Quote, error) {
		price, ok := prices[in.HelperID]
		if !ok {
			return activities.Quote{}, schema.NewError(schema.ErrCodeExecution, "helper unavailable")
		}
		return activities.Quote{QuoteID: "q-" + in.HelperID, HelperID: in.HelperID, HelperName: in.HelperName, Price: price, ValidUntil: "2026-01-09"}, nil
	})
	enginetest.Mock(h.Env, activities.BookHelper, func(in activities.BookHelperInput) (activities.Booking, error) {
		return activities.Booking{
			BookingID:     "bk-1",
			HelperID:      in.HelperID,
			HelperName:    in.HelperName,
			Status:        "confirmed",
			ScheduledDate: in.ScheduledDate,
			Location:      in.Location,
			Price:         in.Price,
		}, nil
	})
	enginetest.Mock(h.Env, activities.CoordinateHelper, func(activities.CoordinateHelperInput) (activities.Coordination, error) {
		return activities.Coordination{}, nil
	})
}

func selectAll(h *harness) {
	h.signalAfter(schema.SignalCandidateSelection, schema.CandidateSelectionSignal{SelectedCandidateIDs: []string{"h1", "h2", "h3"}}, 30*time.Minute)
}

func TestHireHelper_BooksCheapestQuoteAfterApproval(t *testing.T) {
	h := newHarness(t)
	mockHelpers(h, map[string]float64{"h1": 80, "h2": 65, "h3": 95})
	selectAll(h)
	h.approveAfter("env-1", time.Hour)

	var res HireHelperResult
	h.run(hireDef(), hireInput, &res)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, &HelperBooking{HelperID: "h2", HelperName: "Blair", ScheduledDate: "2026-01-10", Price: 65}, res.Booking)
	assert.Equal(t, []string{"searching", "ranking", "awaiting_selection", "requesting_quotes", "awaiting_approval", "booking", "coordinating"}, h.phases("helpers"))
	assert.Equal(t, 3, h.CallCount(activities.RequestQuote))

	req := input[activities.RequestApprovalInput](h, activities.RequestApproval, 0)
	assert.Equal(t, "Book Blair for $65.00", req.Intent)
	assert.Equal(t, "helpers.book", req.ToolName)
	assert.Equal(t, schema.RiskHigh, req.RiskLevel)

	booking := input[activities.BookHelperInput](h, activities.BookHelper, 0)
	assert.Equal(t, "booking-ws-1-q-h2", booking.IdempotencyKey)
	assert.Equal(t, 65.0, booking.Price)
	assert.Equal(t, 1, h.CallCount(activities.CoordinateHelper))
	assert.Equal(t, schema.TaskStatusDone, h.lastStatus())
}

func TestHireHelper_DenialMeansNoBooking(t *testing.T) {
	h := newHarness(t)
	mockHelpers(h, map[string]float64{"h1": 80, "h2": 65, "h3": 95})
	selectAll(h)
	h.denyAfter("env-1", "too pricey", time.Hour)

	var res HireHelperResult
	h.run(hireDef(), hireInput, &res)

	assert.False(t, res.Success)
	assert.Equal(t, "Booking not approved: too pricey", res.Error)
	assert.Nil(t, res.Booking)
	assert.Zero(t, h.CallCount(activities.BookHelper))
	assert.Zero(t, h.CallCount(activities.CoordinateHelper))
	assert.Equal(t, schema.TaskStatusFailed, h.lastStatus())
}

func TestHireHelper_TiesKeepCollectionOrder(t *testing.T) {
	h := newHarness(t)
	mockHelpers(h, map[string]float64{"h1": 70, "h2": 90, "h3": 70})
	selectAll(h)
	h.approveAfter("env-1", time.Hour)

	var res HireHelperResult
	h.run(hireDef(), hireInput, &res)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "h1", res.Booking.HelperID)
}

func TestHireHelper_FailedQuotesAreDropped(t *testing.T) {
	h := newHarness(t)
	mockHelpers(h, map[string]float64{"h3": 95})
	selectAll(h)
	h.approveAfter("env-1", time.Hour)

	var res HireHelperResult
	h.run(hireDef(), hireInput, &res)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "h3", res.Booking.HelperID)
}

func TestHireHelper_NoQuotesFailsClosed(t *testing.T) {
	h := newHarness(t)
	mockHelpers(h, map[string]float64{})
	selectAll(h)

	var res HireHelperResult
	h.run(hireDef(), hireInput, &res)

	assert.False(t, res.Success)
	assert.Equal(t, "No quotes received", res.Error)
	assert.Zero(t, h.CallCount(activities.RequestApproval))
}

func TestHireHelper_EmptySelectionFails(t *testing.T) {
	h := newHarness(t)
	mockHelpers(h, map[string]float64{"h1": 80})
	h.signalAfter(schema.SignalCandidateSelection, schema.CandidateSelectionSignal{}, time.Minute)

	var res HireHelperResult
	h.run(hireDef(), hireInput, &res)

	assert.False(t, res.Success)
	assert.Equal(t, "No helpers selected", res.Error)
	assert.Zero(t, h.CallCount(activities.RequestQuote))
}

func TestHireHelper_SelectionTimesOutAfterTwoHours(t *testing.T) {
	h := newHarness(t)
	mockHelpers(h, map[string]float64{"h1": 80})
	h.signalAfter(schema.SignalCandidateSelection, schema.CandidateSelectionSignal{SelectedCandidateIDs: []string{"h1"}}, 3*time.Hour)

	var res HireHelperResult
	h.run(hireDef(), hireInput, &res)

	assert.False(t, res.Success)
	assert.Equal(t, "No helpers selected in time", res.Error)
	assert.Zero(t, h.CallCount(activities.RequestQuote))
}
