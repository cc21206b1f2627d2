package domain

import (
	"encoding/json"
	"fmt"
)

// Typed job payloads, keyed by Job.Type. Unknown types are rejected at
// enqueue, not discovered at dispatch.

// PostListingPayload drives the post-listing processor.
type PostListingPayload struct {
	ListingID    string   `json:"listing_id"`
	Marketplaces []string `json:"marketplaces"`
	RuleID       string   `json:"rule_id,omitempty"`
}

// DelistListingPayload drives the delist-listing processor. Empty
// Marketplaces means every marketplace with a posted ListingPost.
type DelistListingPayload struct {
	ListingID    string   `json:"listing_id"`
	Marketplaces []string `json:"marketplaces,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

// SyncInventoryPayload drives the sync-inventory processor.
type SyncInventoryPayload struct {
	ListingID       string `json:"listing_id"`
	SoldMarketplace string `json:"sold_marketplace"`
}

// AutomationPayload drives the automation processors. Action semantics are
// marketplace-specific (share, bump, offer, price-drop, relist) and are
// delegated to the marketplace client.
type AutomationPayload struct {
	RuleID      string            `json:"rule_id"`
	Marketplace string            `json:"marketplace"`
	Action      string            `json:"action"`
	ListingIDs  []string          `json:"listing_ids,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
}

// EncodePayload validates that p matches the job type and marshals it.
func EncodePayload(t JobType, p any) (json.RawMessage, error) {
	ok := false
	switch t {
	case JobTypePostListing:
		_, ok = p.(PostListingPayload)
	case JobTypeDelistListing:
		_, ok = p.(DelistListingPayload)
	case JobTypeSyncInventory:
		_, ok = p.(SyncInventoryPayload)
	case JobTypeAutomationExecute, JobTypeAutomationBatch:
		_, ok = p.(AutomationPayload)
	default:
		return nil, fmt.Errorf("op=payload.encode: %w: unknown job type %q", ErrInvalidArgument, t)
	}
	if !ok {
		return nil, fmt.Errorf("op=payload.encode: %w: payload type mismatch for %q", ErrInvalidArgument, t)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("op=payload.encode: %w", err)
	}
	return b, nil
}

// DecodePayload unmarshals raw into the typed payload for t.
func DecodePayload(t JobType, raw json.RawMessage) (any, error) {
	var (
		p   any
		err error
	)
	switch t {
	case JobTypePostListing:
		var v PostListingPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobTypeDelistListing:
		var v DelistListingPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobTypeSyncInventory:
		var v SyncInventoryPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobTypeAutomationExecute, JobTypeAutomationBatch:
		var v AutomationPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("op=payload.decode: %w: unknown job type %q", ErrInvalidArgument, t)
	}
	if err != nil {
		return nil, fmt.Errorf("op=payload.decode: %w", err)
	}
	return p, nil
}

// Marketplaces extracts the marketplace set a job calls out to, used by the
// worker to pick the circuit breaker before dispatch. Sync-inventory jobs
// return nil: they mutate local state and enqueue delist jobs, so no breaker
// applies.
func (j Job) Marketplaces() []string {
	p, err := DecodePayload(j.Type, j.Data)
	if err != nil {
		return nil
	}
	switch v := p.(type) {
	case PostListingPayload:
		return v.Marketplaces
	case DelistListingPayload:
		return v.Marketplaces
	case AutomationPayload:
		if v.Marketplace != "" {
			return []string{v.Marketplace}
		}
	}
	return nil
}
