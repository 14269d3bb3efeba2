package workflows

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/homeos/internal/activities"
	"github.com/rendis/homeos/internal/engine"
	"github.com/rendis/homeos/pkg/schema"
)

const (
	listingApprovalTimeout = 24 * time.Hour
	addressApprovalTimeout = 2 * time.Hour
	listingWindow          = 7 * 24 * time.Hour
	listingPlatform        = "facebook_marketplace"
)

// MarketplaceSellInput describes an item to sell from photos.
type MarketplaceSellInput struct {
	WorkspaceID     string   `json:"workspaceId"`
	UserID          string   `json:"userId"`
	Photos          []string `json:"photos"`
	UserDescription string   `json:"userDescription,omitempty"`
	PickupLocation  string   `json:"pickupLocation,omitempty"`
}

// MarketplaceSellResult is the outcome of MarketplaceSell. Success means the
// item sold within the listing window.
type MarketplaceSellResult struct {
	Success    bool    `json:"success"`
	ListingID  string  `json:"listingId,omitempty"`
	ListingURL string  `json:"listingUrl,omitempty"`
	SoldPrice  float64 `json:"soldPrice,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// listingInbox is the signal-fed state of one listing.
type listingInbox struct {
	messages  []schema.BuyerMessageSignal
	seen      map[string]bool
	edits     []schema.ListingModifications
	withdrawn bool
}

func newListingInbox(r *run) *listingInbox {
	box := &listingInbox{seen: make(map[string]bool)}
	r.ctx.OnSignal(schema.SignalBuyerMessage, func(raw json.RawMessage) {
		var msg schema.BuyerMessageSignal
		if err := json.Unmarshal(raw, &msg); err != nil || msg.MessageID == "" || box.seen[msg.MessageID] {
			return
		}
		box.seen[msg.MessageID] = true
		box.messages = append(box.messages, msg)
	})
	r.ctx.OnSignal(schema.SignalListingApproval, func(raw json.RawMessage) {
		var sig schema.ListingApprovalSignal
		if err := json.Unmarshal(raw, &sig); err != nil {
			return
		}
		if !sig.Approved {
			box.withdrawn = true
			return
		}
		if sig.Modifications != nil {
			box.edits = append(box.edits, *sig.Modifications)
		}
	})
	return box
}

func (b *listingInbox) pending() bool {
	return b.withdrawn || len(b.messages) > 0 || len(b.edits) > 0
}

// MarketplaceSell identifies and prices an item, posts it after approval and
// handles buyer messages until it sells, is withdrawn or the window closes.
func MarketplaceSell(ctx engine.Context, in MarketplaceSellInput) (MarketplaceSellResult, error) {
	r := newRun(ctx, "marketplace", in.WorkspaceID, in.UserID)
	book := newApprovalBook(r)
	box := newListingInbox(r)

	res, reason, err := marketplaceSell(r, book, box, in)
	if err = conclude(err, &reason); err != nil {
		return MarketplaceSellResult{}, err
	}
	if reason != "" {
		res.Error = reason
	}
	summary := reason
	if res.Success {
		summary = fmt.Sprintf("Sold for $%.2f", res.SoldPrice)
	} else if summary == "" {
		summary = "Listing closed without a sale"
	}
	r.finish(res.Success, summary, map[string]any{
		"sold":      res.Success,
		"soldPrice": res.SoldPrice,
		"listingId": res.ListingID,
	})
	return res, nil
}

func marketplaceSell(r *run, book *approvalBook, box *listingInbox, in MarketplaceSellInput) (MarketplaceSellResult, string, error) {
	ws := r.info.WorkspaceID

	r.phase("identifying")
	var item activities.ItemInfo
	if err := r.ctx.ExecuteActivity(activities.IdentifyItem, activities.IdentifyItemInput{
		WorkspaceID: ws, Photos: in.Photos, UserDescription: in.UserDescription,
	}, &item); err != nil {
		return MarketplaceSellResult{}, "", err
	}

	r.phase("pricing")
	var comps activities.ComparablesResult
	if err := r.ctx.ExecuteActivity(activities.FindComparables, activities.FindComparablesInput{
		WorkspaceID: ws,
		ItemName:    item.Name,
		Brand:       item.Brand,
		Model:       item.Model,
		Condition:   item.Condition,
		Category:    item.Category,
	}, &comps); err != nil {
		return MarketplaceSellResult{}, "", err
	}

	r.phase("drafting")
	var draft activities.ListingDraft
	if err := r.ctx.ExecuteActivity(activities.CreateListingDraft, activities.CreateListingDraftInput{
		WorkspaceID: ws, ItemInfo: item, Comparables: comps.Comparables, Photos: in.Photos,
	}, &draft); err != nil {
		return MarketplaceSellResult{}, "", err
	}
	r.emit("marketplace.draft", map[string]any{"draft": draft})

	d, err := r.gate(book, gateRequest{
		Intent:   fmt.Sprintf("Post \"%s\" for $%.2f on Facebook Marketplace", draft.Title, draft.Price),
		ToolName: "marketplace.post_listing",
		Inputs: map[string]any{
			"title":       draft.Title,
			"description": draft.Description,
			"price":       draft.Price,
			"photos":      draft.Photos,
			"platform":    listingPlatform,
		},
		ExpectedOutputs: map[string]any{"listing": "public listing URL"},
		RiskLevel:       schema.RiskHigh,
		RollbackPlan:    "Delete the listing",
		Timeout:         listingApprovalTimeout,
		Quiet:           true,
		Withdrawn: func() string {
			if box.withdrawn {
				return "listing rejected by user"
			}
			return ""
		},
	})
	if err != nil {
		return MarketplaceSellResult{}, "", err
	}
	if !d.approved() {
		return MarketplaceSellResult{}, "Listing not approved: " + d.Reason, nil
	}

	r.phase("posting")
	var listing activities.Listing
	if err := r.ctx.ExecuteActivity(activities.PostListing, activities.PostListingInput{
		WorkspaceID:    ws,
		Draft:          draft,
		Platforms:      []string{listingPlatform},
		IdempotencyKey: "listing-" + r.info.WorkflowID,
	}, &listing); err != nil {
		return MarketplaceSellResult{}, "", err
	}
	r.emit("marketplace.listed", map[string]any{"listingId": listing.ListingID, "url": listing.URL})
	res := MarketplaceSellResult{ListingID: listing.ListingID, ListingURL: listing.URL}

	r.phase("awaiting_messages")
	price := draft.Price
	closesAt := r.ctx.Now().Add(listingWindow)
	for {
		remaining := closesAt.Sub(r.ctx.Now())
		if remaining <= 0 {
			return res, "", nil
		}
		ok, err := r.ctx.Await(remaining, box.pending)
		if err != nil {
			return res, "", err
		}
		if !ok {
			return res, "", nil
		}
		if box.withdrawn {
			return res, "Listing withdrawn by user", nil
		}
		if len(box.edits) > 0 {
			edit := box.edits[0]
			box.edits = box.edits[1:]
			if edit.Price != nil && *edit.Price != price {
				if err := r.ctx.ExecuteActivity(activities.UpdateListingPrice, activities.UpdateListingPriceInput{
					WorkspaceID: ws, ListingID: listing.ListingID, NewPrice: *edit.Price, Reason: "user modification",
				}, nil); err != nil {
					if !activityFailed(err) {
						return res, "", err
					}
					r.logger().Warn("listing price not updated", "error", err)
				} else {
					price = *edit.Price
				}
			}
			continue
		}

		msg := box.messages[0]
		box.messages = box.messages[1:]
		sold, err := handleBuyerMessage(r, book, listing, msg, in.PickupLocation)
		if err != nil {
			if !activityFailed(err) {
				return res, "", err
			}
			r.logger().Warn("buyer message not handled", "message_id", msg.MessageID, "buyer_id", msg.BuyerID, "error", err)
			r.emit("marketplace.message_failed", map[string]any{"messageId": msg.MessageID, "buyerId": msg.BuyerID, "error": err.Error()})
			continue
		}
		if !sold {
			continue
		}
		if err := r.ctx.ExecuteActivity(activities.MarkListingSold, activities.MarkListingSoldInput{
			WorkspaceID: ws, ListingID: listing.ListingID, SoldPrice: price, BuyerID: msg.BuyerID,
		}, nil); err != nil {
			if !activityFailed(err) {
				return res, "", err
			}
			r.logger().Warn("listing not marked sold", "error", err)
		}
		res.Success, res.SoldPrice = true, price
		return res, "", nil
	}
}

// handleBuyerMessage screens one message and, for a purchase, arranges the
// pickup. It reports whether the item is now sold.
func handleBuyerMessage(r *run, book *approvalBook, listing activities.Listing, msg schema.BuyerMessageSignal, location string) (bool, error) {
	ws := r.info.WorkspaceID
	var risk activities.MessageRisk
	if err := r.ctx.ExecuteActivity(activities.CheckMessageRisk, activities.CheckMessageRiskInput{
		WorkspaceID: ws, BuyerID: msg.BuyerID, Content: msg.Content,
	}, &risk); err != nil {
		if activityFailed(err) {
			r.logger().Warn("buyer message not screened", "message_id", msg.MessageID, "error", err)
			return false, nil
		}
		return false, err
	}
	if risk.IsScam {
		r.emit("marketplace.scam_detected", map[string]any{"buyerId": msg.BuyerID, "reason": risk.Reason})
		return false, nil
	}
	r.emit("marketplace.message", map[string]any{"messageId": msg.MessageID, "buyerId": msg.BuyerID, "intent": risk.Intent})
	if risk.Intent != "purchase" {
		return false, nil
	}

	if risk.RequiresAddressSharing {
		d, err := r.gate(book, gateRequest{
			Intent:       "Share pickup address with buyer",
			ToolName:     "marketplace.share_address",
			Inputs:       map[string]any{"buyerId": msg.BuyerID, "listingId": listing.ListingID, "includeAddress": true},
			RiskLevel:    schema.RiskHigh,
			PIIFields:    []string{"address"},
			RollbackPlan: "Address disclosure cannot be undone",
			Timeout:      addressApprovalTimeout,
		})
		if err != nil {
			return false, err
		}
		if !d.approved() {
			return false, nil
		}
	}

	var pickup activities.Pickup
	if err := r.ctx.ExecuteActivity(activities.SchedulePickup, activities.SchedulePickupInput{
		WorkspaceID:   ws,
		UserID:        r.info.UserID,
		BuyerID:       msg.BuyerID,
		ProposedTimes: risk.ProposedTimes,
		Location:      location,
	}, &pickup); err != nil {
		return false, err
	}
	if err := r.ctx.ExecuteActivity(activities.SendBuyerMessage, activities.SendBuyerMessageInput{
		WorkspaceID:    ws,
		ListingID:      listing.ListingID,
		BuyerID:        msg.BuyerID,
		Message:        pickup.ConfirmationMessage,
		IdempotencyKey: "msg-" + msg.MessageID,
	}, nil); err != nil {
		return false, err
	}
	return true, nil
}
