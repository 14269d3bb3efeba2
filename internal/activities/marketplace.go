package activities

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rendis/homeos/internal/tools"
	"github.com/rendis/homeos/pkg/schema"
)

// IdentifyItemInput is what the seller provided.
type IdentifyItemInput struct {
	WorkspaceID     string   `json:"workspaceId"`
	Photos          []string `json:"photos"`
	UserDescription string   `json:"userDescription,omitempty"`
}

// ItemInfo is the identified item.
type ItemInfo struct {
	Name              string   `json:"name"`
	Brand             string   `json:"brand,omitempty"`
	Model             string   `json:"model,omitempty"`
	Condition         string   `json:"condition"`
	Category          string   `json:"category"`
	Color             string   `json:"color,omitempty"`
	Features          []string `json:"features"`
	Flaws             []string `json:"flaws"`
	SuggestedKeywords []string `json:"suggestedKeywords"`
	Confidence        float64  `json:"confidence"`
}

// FindComparablesInput identifies the item to price.
type FindComparablesInput struct {
	WorkspaceID string `json:"workspaceId"`
	ItemName    string `json:"itemName"`
	Brand       string `json:"brand,omitempty"`
	Model       string `json:"model,omitempty"`
	Condition   string `json:"condition"`
	Category    string `json:"category,omitempty"`
}

// Comparable is one similar sale.
type Comparable struct {
	Title     string  `json:"title"`
	Price     float64 `json:"price"`
	Platform  string  `json:"platform"`
	Condition string  `json:"condition,omitempty"`
}

// ComparablesResult lists similar sales.
type ComparablesResult struct {
	Comparables []Comparable `json:"comparables"`
}

// CreateListingDraftInput is the material for a listing.
type CreateListingDraftInput struct {
	WorkspaceID string       `json:"workspaceId"`
	ItemInfo    ItemInfo     `json:"itemInfo"`
	Comparables []Comparable `json:"comparables"`
	Photos      []string     `json:"photos"`
}

// ListingDraft is a listing ready for approval.
type ListingDraft struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Price       float64           `json:"price"`
	PriceFloor  float64           `json:"priceFloor"`
	Photos      []string          `json:"photos"`
	Category    string            `json:"category"`
	Condition   string            `json:"condition"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Keywords    []string          `json:"keywords,omitempty"`
}

// PostListingInput publishes an approved draft.
type PostListingInput struct {
	WorkspaceID    string       `json:"workspaceId"`
	Draft          ListingDraft `json:"draft"`
	Platforms      []string     `json:"platforms,omitempty"`
	IdempotencyKey string       `json:"idempotencyKey"`
}

// Listing is a posted listing.
type Listing struct {
	ListingID string `json:"listingId"`
	URL       string `json:"url"`
	Platform  string `json:"platform"`
	Status    string `json:"status"`
	PostedAt  string `json:"postedAt,omitempty"`
}

// CheckMessageRiskInput is one buyer message to screen.
type CheckMessageRiskInput struct {
	WorkspaceID string `json:"workspaceId"`
	BuyerID     string `json:"buyerId"`
	Content     string `json:"content"`
}

// MessageRisk is the screening outcome.
type MessageRisk struct {
	IsScam                 bool             `json:"isScam"`
	RiskLevel              schema.RiskLevel `json:"riskLevel"`
	Reason                 string           `json:"reason,omitempty"`
	Intent                 string           `json:"intent"` // purchase | inquiry | negotiation | spam | scam
	RequiresAddressSharing bool             `json:"requiresAddressSharing"`
	ProposedTimes          []string         `json:"proposedTimes,omitempty"`
	SuggestedResponse      string           `json:"suggestedResponse,omitempty"`
}

// SendBuyerMessageInput is one outbound message to a buyer.
type SendBuyerMessageInput struct {
	WorkspaceID    string `json:"workspaceId"`
	ListingID      string `json:"listingId"`
	BuyerID        string `json:"buyerId"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// SendBuyerMessageResult reports delivery.
type SendBuyerMessageResult struct {
	Sent      bool   `json:"sent"`
	MessageID string `json:"messageId,omitempty"`
}

// SchedulePickupInput proposes pickup times.
type SchedulePickupInput struct {
	WorkspaceID   string   `json:"workspaceId"`
	UserID        string   `json:"userId"`
	BuyerID       string   `json:"buyerId"`
	ProposedTimes []string `json:"proposedTimes"`
	Location      string   `json:"location,omitempty"`
}

// Pickup is the agreed pickup.
type Pickup struct {
	ScheduledTime       string `json:"scheduledTime"`
	ConfirmationMessage string `json:"confirmationMessage"`
	Location            string `json:"location,omitempty"`
	ReminderSet         bool   `json:"reminderSet"`
}

// UpdateListingPriceInput changes a listing's price.
type UpdateListingPriceInput struct {
	WorkspaceID string  `json:"workspaceId"`
	ListingID   string  `json:"listingId"`
	NewPrice    float64 `json:"newPrice"`
	Reason      string  `json:"reason,omitempty"`
}

// UpdateListingPriceResult reports the change.
type UpdateListingPriceResult struct {
	Updated bool `json:"updated"`
}

// MarkListingSoldInput closes a listing.
type MarkListingSoldInput struct {
	WorkspaceID string  `json:"workspaceId"`
	ListingID   string  `json:"listingId"`
	SoldPrice   float64 `json:"soldPrice"`
	BuyerID     string  `json:"buyerId,omitempty"`
}

// MarkListingSoldResult reports the closure.
type MarkListingSoldResult struct {
	Success bool `json:"success"`
}

var conditionMultipliers = map[string]float64{
	"new":      1.0,
	"like_new": 0.85,
	"good":     0.7,
	"fair":     0.5,
	"poor":     0.3,
}

var categoryKeywords = []struct {
	category string
	words    []string
	base     float64
}{
	{"Furniture", []string{"chair", "table", "desk", "sofa", "couch", "dresser", "shelf", "bed"}, 120},
	{"Electronics", []string{"phone", "tv", "laptop", "camera", "speaker", "monitor", "tablet", "console"}, 200},
	{"Appliances", []string{"mixer", "vacuum", "microwave", "blender", "fridge", "washer", "dryer"}, 150},
	{"Sports", []string{"bike", "bicycle", "treadmill", "weights", "kayak", "golf"}, 100},
	{"Baby & Kids", []string{"stroller", "crib", "car seat", "toy"}, 60},
	{"Clothing", []string{"jacket", "coat", "shoes", "dress", "boots"}, 40},
}

var knownBrands = []string{"IKEA", "Apple", "Samsung", "Sony", "KitchenAid", "Dyson", "Herman Miller", "Nike", "Trek", "Peloton", "LG", "Bose"}

func (s *Set) identifyItem(_ context.Context, in IdentifyItemInput) (ItemInfo, error) {
	desc := strings.TrimSpace(in.UserDescription)
	if desc == "" {
		return ItemInfo{
			Name:              "Unidentified Item",
			Condition:         "good",
			Category:          "Other",
			Features:          []string{},
			Flaws:             []string{},
			SuggestedKeywords: []string{},
			Confidence:        0.3,
		}, nil
	}
	lower := strings.ToLower(desc)
	info := ItemInfo{
		Name:       firstSentence(desc),
		Condition:  conditionOf(lower),
		Category:   "Other",
		Features:   []string{},
		Flaws:      []string{},
		Confidence: 0.6,
	}
	for _, b := range knownBrands {
		if strings.Contains(lower, strings.ToLower(b)) {
			info.Brand = b
			info.Confidence = 0.75
			break
		}
	}
	for _, c := range categoryKeywords {
		if containsAny(lower, c.words) {
			info.Category = c.category
			break
		}
	}
	for _, part := range strings.Split(desc, ",")[1:] {
		part = strings.TrimSpace(part)
		switch {
		case part == "":
		case containsAny(strings.ToLower(part), []string{"scratch", "dent", "stain", "tear", "missing", "crack"}):
			info.Flaws = append(info.Flaws, part)
		default:
			info.Features = append(info.Features, part)
		}
	}
	for _, w := range strings.Fields(strings.ToLower(info.Name)) {
		if len(w) > 3 {
			info.SuggestedKeywords = append(info.SuggestedKeywords, strings.Trim(w, ".,!"))
		}
	}
	return info, nil
}

func firstSentence(s string) string {
	if i := strings.IndexAny(s, ".,\n"); i > 0 {
		s = s[:i]
	}
	if len(s) > 60 {
		s = strings.TrimSpace(s[:60])
	}
	return s
}

func conditionOf(lower string) string {
	switch {
	case strings.Contains(lower, "like new") || strings.Contains(lower, "like-new"):
		return "like_new"
	case strings.Contains(lower, "brand new") || strings.Contains(lower, "unopened"):
		return "new"
	case strings.Contains(lower, "poor") || strings.Contains(lower, "broken"):
		return "poor"
	case strings.Contains(lower, "fair") || strings.Contains(lower, "worn"):
		return "fair"
	}
	return "good"
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// findComparables estimates three similar sales from category base prices.
func (s *Set) findComparables(_ context.Context, in FindComparablesInput) (ComparablesResult, error) {
	if in.ItemName == "" {
		return ComparablesResult{}, schema.NewError(schema.ErrCodeValidation, "itemName is required")
	}
	base := 60.0
	lower := strings.ToLower(in.ItemName + " " + in.Category)
	for _, c := range categoryKeywords {
		if c.category == in.Category || containsAny(lower, c.words) {
			base = c.base
			break
		}
	}
	if in.Brand != "" {
		base *= 1.2
	}
	title := strings.TrimSpace(in.Brand + " " + in.ItemName)
	out := ComparablesResult{}
	for i, p := range []struct {
		platform string
		factor   float64
	}{{"ebay", 0.9}, {"facebook", 1.0}, {"craigslist", 1.15}} {
		out.Comparables = append(out.Comparables, Comparable{
			Title:     fmt.Sprintf("%s (comparable %d)", title, i+1),
			Price:     math.Round(base * p.factor),
			Platform:  p.platform,
			Condition: in.Condition,
		})
	}
	return out, nil
}

func (s *Set) createListingDraft(_ context.Context, in CreateListingDraftInput) (ListingDraft, error) {
	price, floor := 50.0, 30.0
	if len(in.Comparables) > 0 {
		sum := 0.0
		for _, c := range in.Comparables {
			sum += c.Price
		}
		mult, ok := conditionMultipliers[in.ItemInfo.Condition]
		if !ok {
			mult = 0.7
		}
		price = math.Round(sum / float64(len(in.Comparables)) * mult)
		floor = math.Round(price * 0.7)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s in %s condition.\n\nFeatures:\n", in.ItemInfo.Name, in.ItemInfo.Condition)
	for _, f := range in.ItemInfo.Features {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	if len(in.ItemInfo.Flaws) > 0 {
		fmt.Fprintf(&b, "\nNote: %s\n", strings.Join(in.ItemInfo.Flaws, ", "))
	}
	b.WriteString("\nPrice is firm. Local pickup only. Cash or Venmo accepted.")

	attrs := map[string]string{}
	if in.ItemInfo.Brand != "" {
		attrs["brand"] = in.ItemInfo.Brand
	}
	if in.ItemInfo.Model != "" {
		attrs["model"] = in.ItemInfo.Model
	}
	return ListingDraft{
		Title:       strings.TrimSpace(in.ItemInfo.Brand + " " + in.ItemInfo.Name),
		Description: b.String(),
		Price:       price,
		PriceFloor:  floor,
		Photos:      in.Photos,
		Category:    in.ItemInfo.Category,
		Condition:   in.ItemInfo.Condition,
		Attributes:  attrs,
		Keywords:    in.ItemInfo.SuggestedKeywords,
	}, nil
}

func (s *Set) postListing(_ context.Context, in PostListingInput) (Listing, error) {
	if in.IdempotencyKey == "" {
		return Listing{}, schema.NewError(schema.ErrCodeValidation, "postListing requires an idempotencyKey")
	}
	platform := "facebook"
	if len(in.Platforms) > 0 {
		platform = in.Platforms[0]
	}
	e, _ := s.cfg.Ledger.Record("marketplace.post_listing", tools.Call{
		WorkspaceID:    in.WorkspaceID,
		IdempotencyKey: in.IdempotencyKey,
		Inputs:         map[string]any{"title": in.Draft.Title, "price": in.Draft.Price, "platform": platform},
	})
	id := "listing-" + e.ID[:8]
	return Listing{
		ListingID: id,
		URL:       "https://marketplace.homeos.local/listings/" + id,
		Platform:  platform,
		Status:    "active",
		PostedAt:  e.At.Format(time.RFC3339),
	}, nil
}

func (s *Set) checkMessageRisk(_ context.Context, in CheckMessageRiskInput) (MessageRisk, error) {
	check := s.cfg.Policy.Current().DetectScam(in.Content)
	if check.IsScam {
		return MessageRisk{
			IsScam:            true,
			RiskLevel:         schema.RiskHigh,
			Reason:            check.Reasons[0],
			Intent:            "scam",
			SuggestedResponse: check.SuggestedResponse,
		}, nil
	}
	lower := strings.ToLower(in.Content)
	intent := "purchase"
	switch {
	case strings.Contains(lower, "price") || strings.Contains(lower, "$"):
		intent = "negotiation"
	case strings.Contains(lower, "available") || strings.Contains(lower, "interested"):
		intent = "inquiry"
	}
	return MessageRisk{
		RiskLevel:              schema.RiskLow,
		Intent:                 intent,
		RequiresAddressSharing: containsAny(lower, []string{"where", "pick", "address"}),
		SuggestedResponse:      "Yes, still available! When would you like to pick up?",
	}, nil
}

func (s *Set) sendBuyerMessage(_ context.Context, in SendBuyerMessageInput) (SendBuyerMessageResult, error) {
	if in.IdempotencyKey == "" {
		return SendBuyerMessageResult{}, schema.NewError(schema.ErrCodeValidation, "sendBuyerMessage requires an idempotencyKey")
	}
	e, _ := s.cfg.Ledger.Record("marketplace.message_buyer", tools.Call{
		WorkspaceID:    in.WorkspaceID,
		IdempotencyKey: in.IdempotencyKey,
		Inputs:         map[string]any{"listingId": in.ListingID, "buyerId": in.BuyerID, "message": in.Message},
	})
	return SendBuyerMessageResult{Sent: true, MessageID: "msg-" + e.ID[:8]}, nil
}

func (s *Set) schedulePickup(_ context.Context, in SchedulePickupInput) (Pickup, error) {
	at := s.cfg.Now().UTC().Add(24 * time.Hour)
	if len(in.ProposedTimes) > 0 {
		if t, err := time.Parse(time.RFC3339, in.ProposedTimes[0]); err == nil {
			at = t
		}
	}
	return Pickup{
		ScheduledTime:       at.Format(time.RFC3339),
		ConfirmationMessage: fmt.Sprintf("Great! See you %s. I'll send the address closer to pickup time. Please confirm you can make it!", at.Format("Monday, Jan 2, 3:04 PM")),
		Location:            in.Location,
		ReminderSet:         true,
	}, nil
}

func (s *Set) updateListingPrice(ctx context.Context, in UpdateListingPriceInput) (UpdateListingPriceResult, error) {
	if in.NewPrice <= 0 {
		return UpdateListingPriceResult{}, schema.NewError(schema.ErrCodeValidation, "newPrice must be positive")
	}
	s.cfg.Logger.InfoContext(ctx, "listing price updated", "listing_id", in.ListingID, "price", in.NewPrice)
	return UpdateListingPriceResult{Updated: true}, nil
}

func (s *Set) markListingSold(ctx context.Context, in MarkListingSoldInput) (MarkListingSoldResult, error) {
	s.cfg.Logger.InfoContext(ctx, "listing sold", "listing_id", in.ListingID, "price", in.SoldPrice)
	return MarkListingSoldResult{Success: true}, nil
}
