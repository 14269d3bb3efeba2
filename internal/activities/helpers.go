package activities

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/homeos/internal/tools"
	"github.com/rendis/homeos/pkg/schema"
)

// Budget is an hourly rate range.
type Budget struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// HelperPreferences filter search results.
type HelperPreferences struct {
	MinRating       float64 `json:"minRating,omitempty"`
	MinReviews      int     `json:"minReviews,omitempty"`
	BackgroundCheck bool    `json:"backgroundCheck,omitempty"`
	EliteOnly       bool    `json:"eliteOnly,omitempty"`
}

// SearchHelpersInput describes the job.
type SearchHelpersInput struct {
	WorkspaceID  string             `json:"workspaceId"`
	TaskType     string             `json:"taskType"`
	Description  string             `json:"description,omitempty"`
	Location     string             `json:"location"`
	Date         string             `json:"date,omitempty"`
	Requirements []string           `json:"requirements"`
	Budget       *Budget            `json:"budget,omitempty"`
	Preferences  *HelperPreferences `json:"preferences,omitempty"`
}

// Helper is one hireable person.
type Helper struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Platform       string   `json:"platform"`
	Rating         float64  `json:"rating"`
	ReviewCount    int      `json:"reviewCount"`
	HourlyRate     float64  `json:"hourlyRate,omitempty"`
	Skills         []string `json:"skills"`
	Availability   []string `json:"availability,omitempty"`
	CompletedTasks int      `json:"completedTasks,omitempty"`
	Verified       bool     `json:"verified"`
	EliteStatus    bool     `json:"eliteStatus,omitempty"`
	Score          float64  `json:"score,omitempty"`
}

// HelpersResult lists helpers in rank order.
type HelpersResult struct {
	Helpers []Helper `json:"helpers"`
}

// RankPreferences weight the ranking.
type RankPreferences struct {
	PrioritizeRating     bool `json:"prioritizeRating,omitempty"`
	PrioritizePrice      bool `json:"prioritizePrice,omitempty"`
	PrioritizeExperience bool `json:"prioritizeExperience,omitempty"`
}

// RankCandidatesInput is the list to rank.
type RankCandidatesInput struct {
	WorkspaceID  string           `json:"workspaceId"`
	Candidates   []Helper         `json:"candidates"`
	Requirements []string         `json:"requirements"`
	Budget       *Budget          `json:"budget,omitempty"`
	Preferences  *RankPreferences `json:"preferences,omitempty"`
}

// RequestQuoteInput asks one helper for a price.
type RequestQuoteInput struct {
	WorkspaceID       string  `json:"workspaceId"`
	HelperID          string  `json:"helperId"`
	HelperName        string  `json:"helperName,omitempty"`
	TaskDescription   string  `json:"taskDescription"`
	Date              string  `json:"date"`
	EstimatedDuration float64 `json:"estimatedDuration,omitempty"`
}

// Quote is a helper's offer.
type Quote struct {
	QuoteID            string  `json:"quoteId"`
	HelperID           string  `json:"helperId"`
	HelperName         string  `json:"helperName"`
	Price              float64 `json:"price"`
	PriceType          string  `json:"priceType"` // hourly | flat
	EstimatedDuration  string  `json:"estimatedDuration"`
	ValidUntil         string  `json:"validUntil"`
	CancellationPolicy string  `json:"cancellationPolicy,omitempty"`
}

// QuoteProvider obtains quotes from helper platforms.
type QuoteProvider interface {
	Quote(ctx context.Context, in RequestQuoteInput, now time.Time) (Quote, error)
}

// LocalQuotes prices every job at the default hourly rate.
type LocalQuotes struct{}

const defaultHourlyRate = 35

func (LocalQuotes) Quote(_ context.Context, in RequestQuoteInput, now time.Time) (Quote, error) {
	hours := in.EstimatedDuration
	if hours <= 0 {
		hours = 2
	}
	name := in.HelperName
	if name == "" {
		name = mockHelperNames[in.HelperID]
	}
	if name == "" {
		name = "Helper " + in.HelperID
	}
	return Quote{
		QuoteID:            "quote-" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(in.WorkspaceID+"/"+in.HelperID+"/"+in.Date)).String()[:8],
		HelperID:           in.HelperID,
		HelperName:         name,
		Price:              math.Round(defaultHourlyRate * hours),
		PriceType:          "flat",
		EstimatedDuration:  fmt.Sprintf("%g hours", hours),
		ValidUntil:         now.Add(24 * time.Hour).UTC().Format(time.RFC3339),
		CancellationPolicy: "Free cancellation up to 24 hours before scheduled time.",
	}, nil
}

// BookHelperInput books an approved quote.
type BookHelperInput struct {
	WorkspaceID    string  `json:"workspaceId"`
	HelperID       string  `json:"helperId"`
	HelperName     string  `json:"helperName,omitempty"`
	QuoteID        string  `json:"quoteId"`
	Price          float64 `json:"price"`
	ScheduledDate  string  `json:"scheduledDate"`
	Location       string  `json:"location"`
	IdempotencyKey string  `json:"idempotencyKey"`
}

// Booking is a confirmed hire.
type Booking struct {
	BookingID            string  `json:"bookingId"`
	HelperID             string  `json:"helperId"`
	HelperName           string  `json:"helperName"`
	Status               string  `json:"status"`
	ScheduledDate        string  `json:"scheduledDate"`
	Location             string  `json:"location"`
	Price                float64 `json:"price"`
	ConfirmationCode     string  `json:"confirmationCode"`
	CancellationDeadline string  `json:"cancellationDeadline,omitempty"`
}

// CoordinateHelperInput arranges the day of the job.
type CoordinateHelperInput struct {
	WorkspaceID   string  `json:"workspaceId"`
	UserID        string  `json:"userId"`
	Booking       Booking `json:"booking"`
	Location      string  `json:"location"`
	Date          string  `json:"date"`
	SendReminders *bool   `json:"sendReminders,omitempty"`
	ShareLocation *bool   `json:"shareLocation,omitempty"`
}

// Coordination reports what was arranged.
type Coordination struct {
	RemindersSent    bool   `json:"remindersSent"`
	LocationShared   bool   `json:"locationShared"`
	HelperConfirmed  bool   `json:"helperConfirmed"`
	EstimatedArrival string `json:"estimatedArrival,omitempty"`
}

type rateRange struct{ min, max float64 }

// helperCategories holds typical hourly rates per category.
var helperCategories = map[string]rateRange{
	"moving":       {25, 50},
	"assembly":     {30, 60},
	"cleaning":     {25, 50},
	"handyman":     {40, 80},
	"yardwork":     {25, 45},
	"delivery":     {20, 35},
	"petcare":      {20, 40},
	"organization": {30, 60},
	"eventhelp":    {25, 50},
	"techhelp":     {40, 80},
}

var taskTypeKeywords = []struct {
	words    []string
	category string
}{
	{[]string{"movers", "mover", "move"}, "moving"},
	{[]string{"furniture", "ikea", "build"}, "assembly"},
	{[]string{"cleaner", "clean", "maid"}, "cleaning"},
	{[]string{"repair", "fix", "mount", "install"}, "handyman"},
	{[]string{"lawn", "garden", "yard", "landscap"}, "yardwork"},
	{[]string{"errand", "pickup", "deliver"}, "delivery"},
	{[]string{"dog", "pet", "walk", "cat"}, "petcare"},
	{[]string{"organiz", "declutter", "closet"}, "organization"},
	{[]string{"party", "event", "caterer"}, "eventhelp"},
	{[]string{"tech", "computer", "tv", "smart home"}, "techhelp"},
}

var mockHelperNames = map[string]string{
	"helper-mock-1": "Michael Johnson",
	"helper-mock-2": "Sarah Williams",
	"helper-mock-3": "David Chen",
}

// NormalizeTaskType maps free text to a helper category, or "" when none fits.
func NormalizeTaskType(taskType string) string {
	lower := strings.ToLower(strings.TrimSpace(taskType))
	if _, ok := helperCategories[lower]; ok {
		return lower
	}
	for _, m := range taskTypeKeywords {
		if containsAny(lower, m.words) {
			return m.category
		}
	}
	return ""
}

func mockHelpers(in SearchHelpersInput) []Helper {
	rate := rateRange{25, 50}
	if r, ok := helperCategories[NormalizeTaskType(in.TaskType)]; ok {
		rate = r
	}
	first := func(n int) []string {
		if len(in.Requirements) < n {
			n = len(in.Requirements)
		}
		return append([]string{}, in.Requirements[:n]...)
	}
	return []Helper{
		{
			ID: "helper-mock-1", Name: "Michael Johnson", Platform: "taskrabbit",
			Rating: 4.9, ReviewCount: 287, HourlyRate: math.Round((rate.min + rate.max) / 2),
			Skills: first(3), Availability: []string{"Weekdays", "Weekends"},
			CompletedTasks: 450, Verified: true, EliteStatus: true,
		},
		{
			ID: "helper-mock-2", Name: "Sarah Williams", Platform: "thumbtack",
			Rating: 4.7, ReviewCount: 156, HourlyRate: rate.min + 5,
			Skills: first(2), Availability: []string{"Weekdays"},
			CompletedTasks: 180, Verified: true,
		},
		{
			ID: "helper-mock-3", Name: "David Chen", Platform: "local",
			Rating: 4.6, ReviewCount: 89, HourlyRate: rate.min,
			Skills: first(2), Availability: []string{"Weekends"},
			CompletedTasks: 95, Verified: true,
		},
	}
}

func (s *Set) searchHelpers(_ context.Context, in SearchHelpersInput) (HelpersResult, error) {
	if strings.TrimSpace(in.TaskType) == "" {
		return HelpersResult{}, schema.NewError(schema.ErrCodeValidation, "taskType is required")
	}
	var out []Helper
	for _, h := range mockHelpers(in) {
		if p := in.Preferences; p != nil {
			if p.MinRating > 0 && h.Rating < p.MinRating {
				continue
			}
			if p.MinReviews > 0 && h.ReviewCount < p.MinReviews {
				continue
			}
			if p.BackgroundCheck && !h.Verified {
				continue
			}
			if p.EliteOnly && !h.EliteStatus {
				continue
			}
		}
		if b := in.Budget; b != nil && (h.HourlyRate < b.Min || h.HourlyRate > b.Max) {
			continue
		}
		out = append(out, h)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Rating*math.Log(float64(out[i].ReviewCount+1)) > out[j].Rating*math.Log(float64(out[j].ReviewCount+1))
	})
	return HelpersResult{Helpers: out}, nil
}

// HelperFeatures computes the inputs of the ranking formula for h.
func HelperFeatures(h Helper, requirements []string, budget *Budget, prefs *RankPreferences) map[string]any {
	matched := 0
	for _, req := range requirements {
		r := strings.ToLower(req)
		for _, skill := range h.Skills {
			sk := strings.ToLower(skill)
			if strings.Contains(sk, r) || strings.Contains(r, sk) {
				matched++
				break
			}
		}
	}
	budgetFit := 0.0
	if budget != nil && h.HourlyRate > 0 {
		switch {
		case h.HourlyRate >= budget.Min && h.HourlyRate <= budget.Max:
			budgetFit = 10
		case h.HourlyRate < budget.Min:
			budgetFit = 5
		}
	}
	preference := 0.0
	if prefs != nil {
		if prefs.PrioritizeRating {
			preference += h.Rating / 5 * 10
		}
		if prefs.PrioritizePrice && budget != nil && h.HourlyRate > 0 && budget.Max > budget.Min {
			preference += (1 - (h.HourlyRate-budget.Min)/(budget.Max-budget.Min)) * 10
		}
		if prefs.PrioritizeExperience && h.CompletedTasks > 0 {
			preference += math.Min(10, float64(h.CompletedTasks)/50)
		}
	}
	return map[string]any{
		"rating":     h.Rating,
		"logReviews": math.Log10(float64(h.ReviewCount + 1)),
		"logTasks":   math.Log10(float64(h.CompletedTasks + 1)),
		"skillMatch": float64(matched) / math.Max(float64(len(requirements)), 1),
		"verified":   h.Verified,
		"elite":      h.EliteStatus,
		"budgetFit":  budgetFit,
		"preference": preference,
	}
}

func (s *Set) rankCandidates(ctx context.Context, in RankCandidatesInput) (HelpersResult, error) {
	pol := s.cfg.Policy.Current()
	out := make([]Helper, len(in.Candidates))
	for i, h := range in.Candidates {
		score, err := pol.Score(ctx, HelperFeatures(h, in.Requirements, in.Budget, in.Preferences))
		if err != nil {
			return HelpersResult{}, err
		}
		h.Score = score
		out[i] = h
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return HelpersResult{Helpers: out}, nil
}

func (s *Set) requestQuote(ctx context.Context, in RequestQuoteInput) (Quote, error) {
	if in.HelperID == "" {
		return Quote{}, schema.NewError(schema.ErrCodeValidation, "helperId is required")
	}
	return s.cfg.Quotes.Quote(ctx, in, s.cfg.Now())
}

func (s *Set) bookHelper(_ context.Context, in BookHelperInput) (Booking, error) {
	if in.IdempotencyKey == "" || in.QuoteID == "" {
		return Booking{}, schema.NewError(schema.ErrCodeValidation, "bookHelper requires quoteId and idempotencyKey")
	}
	e, _ := s.cfg.Ledger.Record("helpers.book", tools.Call{
		WorkspaceID:    in.WorkspaceID,
		IdempotencyKey: in.IdempotencyKey,
		Inputs:         map[string]any{"helperId": in.HelperID, "quoteId": in.QuoteID, "price": in.Price, "scheduledDate": in.ScheduledDate},
	})
	b := Booking{
		BookingID:        "booking-" + e.ID[:8],
		HelperID:         in.HelperID,
		HelperName:       in.HelperName,
		Status:           "confirmed",
		ScheduledDate:    in.ScheduledDate,
		Location:         in.Location,
		Price:            in.Price,
		ConfirmationCode: strings.ToUpper(strings.ReplaceAll(e.ID, "-", "")[:6]),
	}
	if t, err := time.Parse(time.RFC3339, in.ScheduledDate); err == nil {
		b.CancellationDeadline = t.Add(-24 * time.Hour).Format(time.RFC3339)
	}
	return b, nil
}

func (s *Set) coordinateHelper(ctx context.Context, in CoordinateHelperInput) (Coordination, error) {
	s.cfg.Logger.InfoContext(ctx, "coordinating booking", "booking_id", in.Booking.BookingID, "date", in.Date)
	out := Coordination{RemindersSent: true, HelperConfirmed: true, EstimatedArrival: in.Date}
	if in.SendReminders != nil {
		out.RemindersSent = *in.SendReminders
	}
	if in.ShareLocation != nil {
		out.LocationShared = *in.ShareLocation
	}
	return out, nil
}
