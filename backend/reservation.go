package backend

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/haroldDOTsh/fulcrum/helper/uuid"
	"github.com/haroldDOTsh/fulcrum/structs"
)

// Reservation is an issued claim on a slot seat, valid until its TTL
// elapses or the player consumes it on join.
type Reservation struct {
	Token     string
	RequestID string
	PlayerID  string
	SlotID    string
	Metadata  map[string]string
	ExpiresAt time.Time
}

// ReservationService issues and redeems slot reservation tokens on the
// backend side of the reservation handshake. Tokens are opaque 128-bit
// random values; a token can be consumed exactly once, and only by the
// player it was issued for.
type ReservationService struct {
	logger hclog.Logger
	ttl    time.Duration

	mu      sync.Mutex
	byToken map[string]*Reservation
}

// NewReservationService creates a reservation service with the given
// token TTL.
func NewReservationService(logger hclog.Logger, ttl time.Duration) *ReservationService {
	return &ReservationService{
		logger:  logger.Named("reservation"),
		ttl:     ttl,
		byToken: make(map[string]*Reservation),
	}
}

// Reserve validates the request and issues a token. Rejections are
// outcomes, not errors; the reason feeds the registry's retry decision.
func (s *ReservationService) Reserve(req *structs.PlayerReservationRequest) (token string, accepted bool, reason string) {
	if err := req.Validate(); err != nil {
		s.logger.Warn("rejecting malformed reservation request", "error", err)
		return "", false, structs.ReasonReservationRejected
	}

	tok, err := uuid.GenerateToken()
	if err != nil {
		s.logger.Error("token generation failed", "error", err)
		return "", false, structs.ReasonReservationFailed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.gcExpiredLocked()

	s.byToken[tok] = &Reservation{
		Token:     tok,
		RequestID: req.RequestID,
		PlayerID:  req.PlayerID,
		SlotID:    req.SlotID,
		Metadata:  structs.CopyMapStringString(req.Metadata),
		ExpiresAt: time.Now().Add(s.ttl),
	}
	metrics.IncrCounter([]string{"fulcrum", "backend", "reservation_issued"}, 1)
	return tok, true, ""
}

// Consume atomically redeems a token. It fails when the token is
// unknown, expired, or was issued for a different player.
func (s *ReservationService) Consume(token, playerID string) (*Reservation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.byToken[token]
	if !ok {
		return nil, false
	}
	if time.Now().After(res.ExpiresAt) {
		delete(s.byToken, token)
		return nil, false
	}
	if res.PlayerID != playerID {
		s.logger.Warn("reservation consume attempt by wrong player",
			"slot_id", res.SlotID, "player_id", playerID)
		return nil, false
	}
	delete(s.byToken, token)
	metrics.IncrCounter([]string{"fulcrum", "backend", "reservation_consumed"}, 1)
	return res, true
}

// Pending returns the number of unexpired outstanding reservations.
func (s *ReservationService) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gcExpiredLocked()
	return len(s.byToken)
}

// PendingForSlot counts outstanding reservations against one slot, used
// when reporting remaining capacity.
func (s *ReservationService) PendingForSlot(slotID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gcExpiredLocked()
	n := 0
	for _, res := range s.byToken {
		if res.SlotID == slotID {
			n++
		}
	}
	return n
}

func (s *ReservationService) gcExpiredLocked() {
	now := time.Now()
	for token, res := range s.byToken {
		if now.After(res.ExpiresAt) {
			delete(s.byToken, token)
			metrics.IncrCounter([]string{"fulcrum", "backend", "reservation_expired"}, 1)
		}
	}
}
