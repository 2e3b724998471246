package models

type OutcomeKind string

const (
	// OutcomeDelivered means the provider accepted the send request (2xx).
	OutcomeDelivered OutcomeKind = "delivered"
	// OutcomeRejected means the provider answered with a non-2xx response.
	OutcomeRejected OutcomeKind = "rejected"
	// OutcomeTransportFailure means the request itself could not be
	// completed: network error, timeout or a malformed response.
	OutcomeTransportFailure OutcomeKind = "transport_failure"
)

// DispatchOutcome is the result of a single provider send attempt.
// Detail carries the provider's error payload verbatim for rejections,
// or the failure reason for transport failures.
type DispatchOutcome struct {
	Kind              OutcomeKind
	ProviderMessageID string
	Detail            string
}

func Delivered(messageID string) DispatchOutcome {
	return DispatchOutcome{Kind: OutcomeDelivered, ProviderMessageID: messageID}
}

func Rejected(payload string) DispatchOutcome {
	return DispatchOutcome{Kind: OutcomeRejected, Detail: payload}
}

func TransportFailure(reason string) DispatchOutcome {
	return DispatchOutcome{Kind: OutcomeTransportFailure, Detail: reason}
}
