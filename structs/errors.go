package structs

// Failure reasons carried in route acks, reservation responses, and
// disconnect commands. The Reason* values are part of the wire contract.
const (
	// Transient reasons; the routing service re-queues the request.
	ReasonBackendNotFound         = "backend-not-found"
	ReasonBackendOffline          = "backend-offline"
	ReasonConnectionFailed        = "connection-failed"
	ReasonSlotNotReady            = "slot-not-ready"
	ReasonRouteTransient          = "route-transient"
	ReasonReservationFailed       = "reservation-failed"
	ReasonReservationRejected     = "reservation-rejected"
	ReasonReservationMissingToken = "reservation-missing-token"
	ReasonReservationTimeout      = "reservation-timeout"
	ReasonSlotUnavailable         = "slot-unavailable"

	// Terminal reasons; the player is disconnected.
	ReasonQueueTimeout           = "queue-timeout"
	ReasonRouteTimeout           = "route-timeout"
	ReasonMatchRosterLocked      = "match-roster-locked"
	ReasonPartyTokenMismatch     = "party-token-mismatch"
	ReasonPartyTokenMissing      = "party-token-missing"
	ReasonUnknownProxy           = "unknown-proxy"
	ReasonEnvironmentUnavailable = "environment-unavailable"
)

var retryableReasons = map[string]struct{}{
	ReasonBackendNotFound:         {},
	ReasonBackendOffline:          {},
	ReasonConnectionFailed:        {},
	ReasonSlotNotReady:            {},
	ReasonRouteTransient:          {},
	ReasonReservationFailed:       {},
	ReasonReservationRejected:     {},
	ReasonReservationMissingToken: {},
	ReasonReservationTimeout:      {},
	ReasonSlotUnavailable:         {},
}

// IsRetryableReason reports whether a failure reason should be retried by
// re-queueing the request rather than disconnecting the player.
func IsRetryableReason(reason string) bool {
	_, ok := retryableReasons[reason]
	return ok
}
