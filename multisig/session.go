package multisig

import (
	"encoding/hex"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// Threshold is fixed for marketplace escrow: any two of the three
// participants authorize a spend.
const Threshold = 2

// Status is the lifecycle state of a multisig session.
type Status uint8

const (
	StatusPending Status = iota
	StatusRoundInProgress
	StatusFinalized
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRoundInProgress:
		return "round_in_progress"
	case StatusFinalized:
		return "finalized"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Terminal reports whether no further calls may be issued against the session.
func (s Status) Terminal() bool {
	return s == StatusFinalized || s == StatusFailed
}

// Artifact is one participant's opaque payload for one protocol round.
// Artifacts are immutable once recorded.
type Artifact struct {
	Round       uint8
	Producer    Participant
	Payload     string
	Fingerprint [32]byte
}

// Fingerprint hashes a round payload. Each wallet samples fresh randomness per
// call, so two distinct participants producing identical payloads is never a
// legitimate outcome; equal fingerprints mean corrupted or stale data.
func Fingerprint(payload string) [32]byte {
	var fp [32]byte
	copy(fp[:], ethcrypto.Keccak256([]byte(payload)))
	return fp
}

// Session holds all protocol state for one escrow's key ceremony. It is owned
// by exactly one orchestrator run and is never shared across goroutines; the
// single driving task is the only mutator.
type Session struct {
	ID           string
	OrderID      string
	Threshold    uint32
	Participants [3]Participant
	Round        uint8

	artifacts map[uint8]map[Participant]Artifact

	finalizedAddress string
	status           Status
	failReason       FailReason
}

// NewSession creates a pending session bound to an order. The ID commits to
// the order and a fresh nonce so two setup attempts for the same order never
// collide.
func NewSession(orderID string) *Session {
	nonce := uuid.NewString()
	sum := ethcrypto.Keccak256([]byte(orderID), []byte(nonce))
	return &Session{
		ID:           "ms" + hex.EncodeToString(sum[:16]),
		OrderID:      orderID,
		Threshold:    Threshold,
		Participants: Participants(),
		artifacts:    make(map[uint8]map[Participant]Artifact),
		status:       StatusPending,
	}
}

// Status returns the session's lifecycle state.
func (s *Session) Status() Status {
	if s == nil {
		return StatusFailed
	}
	return s.status
}

// FailReason returns the terminal diagnosis for a failed session.
func (s *Session) FailReason() FailReason { return s.failReason }

// FinalizedAddress returns the shared custody address. Non-empty if and only
// if the session status is finalized.
func (s *Session) FinalizedAddress() string {
	if s == nil || s.status != StatusFinalized {
		return ""
	}
	return s.finalizedAddress
}

// Artifact returns the recorded artifact for a round and participant.
func (s *Session) Artifact(round uint8, p Participant) (Artifact, error) {
	if s == nil {
		return Artifact{}, errNilSession
	}
	byParticipant, ok := s.artifacts[round]
	if !ok {
		return Artifact{}, errArtifactNotFound
	}
	art, ok := byParticipant[p]
	if !ok {
		return Artifact{}, errArtifactNotFound
	}
	return art, nil
}

// RoundFingerprints returns the fingerprints recorded at a round, keyed by
// producer.
func (s *Session) RoundFingerprints(round uint8) map[Participant][32]byte {
	out := make(map[Participant][32]byte)
	if s == nil {
		return out
	}
	for p, art := range s.artifacts[round] {
		out[p] = art.Fingerprint
	}
	return out
}

// recordArtifact stores a payload for (round, producer). It refuses
// overwrites, and refuses byte-identical payloads from two distinct
// non-arbiter producers at the same round: those indicate stale or corrupted
// wallet output, never legitimate randomness.
func (s *Session) recordArtifact(round uint8, producer Participant, payload string) (Artifact, error) {
	if s == nil {
		return Artifact{}, errNilSession
	}
	if s.status.Terminal() {
		return Artifact{}, errSessionConsumed
	}
	byParticipant, ok := s.artifacts[round]
	if !ok {
		byParticipant = make(map[Participant]Artifact)
		s.artifacts[round] = byParticipant
	}
	if _, exists := byParticipant[producer]; exists {
		return Artifact{}, errArtifactExists
	}
	art := Artifact{
		Round:       round,
		Producer:    producer,
		Payload:     payload,
		Fingerprint: Fingerprint(payload),
	}
	for other, existing := range byParticipant {
		if other == Arbiter || producer == Arbiter {
			continue
		}
		if existing.Fingerprint == art.Fingerprint {
			return Artifact{}, fmt.Errorf("multisig: %s artifact at round %d duplicates %s", producer, round, other)
		}
	}
	byParticipant[producer] = art
	return art, nil
}

// replaceArtifact swaps in a fresh payload after a retried call. Only the
// orchestrator's collision-retry path uses it, and only for the participant
// whose call was re-issued.
func (s *Session) replaceArtifact(round uint8, producer Participant, payload string) Artifact {
	art := Artifact{
		Round:       round,
		Producer:    producer,
		Payload:     payload,
		Fingerprint: Fingerprint(payload),
	}
	byParticipant, ok := s.artifacts[round]
	if !ok {
		byParticipant = make(map[Participant]Artifact)
		s.artifacts[round] = byParticipant
	}
	byParticipant[producer] = art
	return art
}

// otherPayloads returns the recorded payloads of the two participants other
// than p at the given round, in canonical ascending order. This ordering is
// identical across rounds and across retries.
func (s *Session) otherPayloads(round uint8, p Participant) ([]string, error) {
	others := Others(p)
	payloads := make([]string, 0, 2)
	for _, other := range others {
		art, err := s.Artifact(round, other)
		if err != nil {
			return nil, fmt.Errorf("multisig: missing round %d artifact for %s: %w", round, other, err)
		}
		payloads = append(payloads, art.Payload)
	}
	return payloads, nil
}

// latestPayloads returns, for each participant other than p, its most recent
// exchange material: the round-2 artifact when one has been recorded, the
// round-1 payload otherwise. Ordering is canonical ascending, identical across
// invocations.
func (s *Session) latestPayloads(p Participant) ([]string, error) {
	payloads := make([]string, 0, 2)
	for _, other := range Others(p) {
		if art, err := s.Artifact(2, other); err == nil {
			payloads = append(payloads, art.Payload)
			continue
		}
		art, err := s.Artifact(1, other)
		if err != nil {
			return nil, fmt.Errorf("multisig: missing exchange material for %s: %w", other, err)
		}
		payloads = append(payloads, art.Payload)
	}
	return payloads, nil
}

func (s *Session) beginRound(round uint8) {
	s.Round = round
	s.status = StatusRoundInProgress
}

// finalize records the shared address and moves the session to its successful
// terminal state. This is the only place finalizedAddress is ever written.
func (s *Session) finalize(address string) {
	s.finalizedAddress = address
	s.status = StatusFinalized
}

func (s *Session) fail(reason FailReason) {
	s.failReason = reason
	s.status = StatusFailed
}
