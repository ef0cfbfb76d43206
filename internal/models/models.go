package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

type Currency string

const (
	USD Currency = "USD"
	MYR Currency = "MYR"
	SGD Currency = "SGD"
)

func (c Currency) Valid() bool {
	switch c {
	case USD, MYR, SGD:
		return true
	}
	return false
}

type OfferStatus string

const (
	OfferDrafted    OfferStatus = "drafted"
	OfferSent       OfferStatus = "sent"
	OfferAccepted   OfferStatus = "accepted"
	OfferPaidEscrow OfferStatus = "paid_escrow"
	OfferInProgress OfferStatus = "in_progress"
	OfferSubmitted  OfferStatus = "submitted"
	OfferApproved   OfferStatus = "approved"
	OfferReleased   OfferStatus = "released"
	OfferCompleted  OfferStatus = "completed"
	OfferCancelled  OfferStatus = "cancelled"
	OfferRefunded   OfferStatus = "refunded"
)

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentPaidEscrow PaymentStatus = "paid_escrow"
	PaymentReleased   PaymentStatus = "released"
	PaymentFailed     PaymentStatus = "failed"
	PaymentCancelled  PaymentStatus = "cancelled"
)

// Active reports whether the payment still counts against the
// one-payment-per-offer rule.
func (s PaymentStatus) Active() bool {
	return s != PaymentFailed && s != PaymentCancelled
}

type PayoutStatus string

const (
	PayoutPending  PayoutStatus = "pending"
	PayoutReleased PayoutStatus = "released"
)

type PayoutMethod string

const (
	PayoutProcessor PayoutMethod = "processor"
	PayoutManual    PayoutMethod = "manual"
)

type LineItem struct {
	DeliverableType string `json:"deliverable_type"`
	Quantity        int64  `json:"quantity"`
	UnitPrice       int64  `json:"unit_price"`
	RushPct         int    `json:"rush_pct"`
}

// Items is the canonical encoding of an offer's line items. Decoding accepts
// a JSON array or a JSON string holding an array, which is how older rows
// were written.
type Items []LineItem

func (it *Items) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*it = nil
		return nil
	}
	if data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		if raw == "" {
			*it = nil
			return nil
		}
		data = []byte(raw)
	}
	if data[0] != '[' {
		return errors.New("items: expected array")
	}
	var out []LineItem
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*it = out
	return nil
}

type Offer struct {
	ID              string      `json:"id"`
	CampaignID      string      `json:"campaign_id"`
	PayerID         string      `json:"payer_id"`
	FulfillerID     string      `json:"fulfiller_id"`
	CreatedBy       string      `json:"created_by"`
	Items           Items       `json:"items"`
	Subtotal        int64       `json:"subtotal"`
	PlatformFeePct  string      `json:"platform_fee_pct"`
	PlatformFee     int64       `json:"platform_fee"`
	Total           int64       `json:"total"`
	CreatorEarnings int64       `json:"creator_earnings"`
	Currency        Currency    `json:"currency"`
	Status          OfferStatus `json:"status"`
	Notes           string      `json:"notes,omitempty"`
	ExpiresAt       *time.Time  `json:"expires_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Expired reports whether a sent offer can no longer be accepted at now.
func (o *Offer) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !now.Before(*o.ExpiresAt)
}

// Counterparty returns the party expected to respond to the offer.
func (o *Offer) Counterparty() string {
	if o.CreatedBy == o.FulfillerID {
		return o.PayerID
	}
	return o.FulfillerID
}

type WebhookEvent struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	ReceivedAt time.Time `json:"received_at"`
}

type Payment struct {
	ID              string         `json:"id"`
	OfferID         string         `json:"offer_id"`
	PayerID         string         `json:"payer_id"`
	FulfillerID     string         `json:"fulfiller_id"`
	SessionID       string         `json:"session_id"`
	PaymentIntent   string         `json:"payment_intent,omitempty"`
	Amount          int64          `json:"amount"`
	PlatformFee     int64          `json:"platform_fee"`
	CreatorEarnings int64          `json:"creator_earnings"`
	Currency        Currency       `json:"currency"`
	Status          PaymentStatus  `json:"status"`
	FailureReason   string         `json:"failure_reason,omitempty"`
	WebhookEvents   []WebhookEvent `json:"webhook_events"`
	PaidAt          *time.Time     `json:"paid_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// HasEvent reports whether an event id was already recorded.
func (p *Payment) HasEvent(id string) bool {
	for _, ev := range p.WebhookEvents {
		if ev.ID == id {
			return true
		}
	}
	return false
}

type Payout struct {
	ID              string       `json:"id"`
	PaymentID       string       `json:"payment_id"`
	OfferID         string       `json:"offer_id"`
	RecipientID     string       `json:"recipient_id"`
	Amount          int64        `json:"amount"`
	Currency        Currency     `json:"currency"`
	Method          PayoutMethod `json:"method"`
	Status          PayoutStatus `json:"status"`
	ReferenceNumber string       `json:"reference_number,omitempty"`
	AdminNotes      string       `json:"admin_notes,omitempty"`
	ReleasedBy      string       `json:"released_by,omitempty"`
	ReleasedAt      *time.Time   `json:"released_at,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}
