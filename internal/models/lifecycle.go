package models

// offerTransitions lists, for every target state, the states it may be
// entered from.
var offerTransitions = map[OfferStatus][]OfferStatus{
	OfferSent:       {OfferDrafted},
	OfferAccepted:   {OfferSent},
	OfferPaidEscrow: {OfferAccepted},
	OfferInProgress: {OfferPaidEscrow, OfferSubmitted},
	OfferSubmitted:  {OfferInProgress},
	OfferApproved:   {OfferSubmitted},
	OfferReleased:   {OfferApproved},
	OfferCompleted:  {OfferReleased},
	OfferCancelled:  {OfferDrafted, OfferSent, OfferAccepted},
	OfferRefunded:   {OfferPaidEscrow, OfferInProgress, OfferSubmitted},
}

// OfferSourcesFor returns the states from which target can be reached.
func OfferSourcesFor(target OfferStatus) []OfferStatus {
	src := offerTransitions[target]
	out := make([]OfferStatus, len(src))
	copy(out, src)
	return out
}

func CanTransitionOffer(from, to OfferStatus) bool {
	for _, s := range offerTransitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Editable reports whether items, expiry and notes may still be changed.
func (s OfferStatus) Editable() bool {
	return s == OfferDrafted || s == OfferSent
}

func (s OfferStatus) Valid() bool {
	switch s {
	case OfferDrafted, OfferSent, OfferAccepted, OfferPaidEscrow, OfferInProgress,
		OfferSubmitted, OfferApproved, OfferReleased, OfferCompleted, OfferCancelled, OfferRefunded:
		return true
	}
	return false
}

func OfferStatusStrings(in []OfferStatus) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}
