// Package domain defines the core value types shared across the
// matchmaking and signaling components (Session Authority, Queue Engine,
// Room Registry, Signaling Relay, Connection Gateway, Safety Layer).
package domain

import "time"

// SessionID identifies an anonymous, short-lived identity.
type SessionID string

// RoomID identifies a two-participant rendezvous.
type RoomID string

// ConnectionID identifies a single transport attachment (a WebSocket, or a
// polling session) owned by exactly one Connection Gateway instance.
type ConnectionID string

// Intent is the declared purpose of a pairing request.
type Intent string

const (
	IntentCasual    Intent = "casual"
	IntentPitch     Intent = "pitch"
	IntentCollab    Intent = "collab"
	IntentHire      Intent = "hire"
	IntentFreelance Intent = "freelance"
	IntentReview    Intent = "review"
)

// ValidIntents is the closed set of intents the service accepts.
var ValidIntents = map[Intent]bool{
	IntentCasual:    true,
	IntentPitch:     true,
	IntentCollab:    true,
	IntentHire:      true,
	IntentFreelance: true,
	IntentReview:    true,
}

// Medium is the declared communication modality.
type Medium string

const (
	MediumVideo Medium = "video"
	MediumChat  Medium = "chat"
)

// ValidMediums is the closed set of mediums the service accepts.
var ValidMediums = map[Medium]bool{
	MediumVideo: true,
	MediumChat:  true,
}

// TargetIntent returns the intent whose queue a caller with the given
// intent should draw a peer from. Every intent pairs with itself except
// hire, which pairs with freelance, and vice versa (§3 Pairing rule).
func TargetIntent(i Intent) Intent {
	switch i {
	case IntentHire:
		return IntentFreelance
	case IntentFreelance:
		return IntentHire
	default:
		return i
	}
}

// SignalKind is the typed WebRTC control message kind the Signaling Relay
// forwards without interpretation.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "ice-candidate"
)

// ValidSignalKinds is the closed set of signal kinds the relay forwards.
var ValidSignalKinds = map[SignalKind]bool{
	SignalOffer:     true,
	SignalAnswer:    true,
	SignalCandidate: true,
}

// MaxSignalPayloadBytes is the payload size cap for a single signal
// envelope (§4.D).
const MaxSignalPayloadBytes = 16 * 1024

// LivenessWindow is the time within which a session must have been seen
// to be considered alive for queue purposes (§4.B, Glossary).
const LivenessWindow = 30 * time.Second

// SessionTTL is the maximum lifetime of a session record.
const SessionTTL = 24 * time.Hour

// RoomTTL is the TTL applied to a minted room (§3).
const RoomTTL = 1 * time.Hour

// MaxPairScan bounds how many queue entries `pair` will pop and evaluate
// before giving up and letting the caller enqueue itself (§4.B, §5).
const MaxPairScan = 50

// ConnectionIdleTimeout is the absence-of-heartbeat duration after which a
// gateway connection is detached (§5).
const ConnectionIdleTimeout = 60 * time.Second

// HeartbeatInterval is the expected interval between client heartbeats.
const HeartbeatInterval = 25 * time.Second

// ReportRetention is how long an individual report record is kept (§3).
const ReportRetention = 7 * 24 * time.Hour

// ReportCounterTTL is how long a target's report counter is retained
// before it resets (§4.F).
const ReportCounterTTL = 24 * time.Hour

// AutoDisconnectThreshold is the report count at or above which a target
// is flagged for forced disconnection (§4.F).
const AutoDisconnectThreshold = 3

// AutoDisconnectWarningDelay is the UI-visible warning delay before a
// forced disconnect is carried out (§4.F).
const AutoDisconnectWarningDelay = 10 * time.Second

// Session is the Session Authority's record of an anonymous identity.
type Session struct {
	ID             SessionID
	CreatedAt      time.Time
	LastSeen       time.Time
	ReportCount    int
	ConnectionID   ConnectionID
	RoomID         RoomID
	QueueIntent    Intent
	QueueMedium    Medium
	InQueue        bool
}

// IsLive reports whether the session was seen within the liveness window
// of the given instant.
func (s Session) IsLive(now time.Time) bool {
	return now.Sub(s.LastSeen) <= LivenessWindow
}

// Room is the two-participant rendezvous minted at pairing time.
type Room struct {
	ID           RoomID
	Participants [2]SessionID
	Initiator    SessionID
	Intent       Intent
	Medium       Medium
	CreatedAt    time.Time
}

// Other returns the counterparty of the given session in the room, or
// empty if the session is not a participant.
func (r Room) Other(s SessionID) SessionID {
	if r.Participants[0] == s {
		return r.Participants[1]
	}
	if r.Participants[1] == s {
		return r.Participants[0]
	}
	return ""
}

// HasParticipant reports whether s is a participant of the room.
func (r Room) HasParticipant(s SessionID) bool {
	return r.Participants[0] == s || r.Participants[1] == s
}

// SignalEnvelope is a typed message forwarded between the two
// participants of a room without interpretation (§3, §4.D).
type SignalEnvelope struct {
	Kind    SignalKind
	Payload []byte
	Source  SessionID
	Target  SessionID
	Room    RoomID
}

// ReportReason is a closed-ish free-form tag describing why a report was
// filed. The service does not restrict the set of reasons beyond
// non-emptiness; product owns the taxonomy shown in the client.
type ReportReason string

// ReportStatus is the lifecycle state of a report record.
type ReportStatus string

const (
	ReportStatusPending  ReportStatus = "pending"
	ReportStatusReviewed ReportStatus = "reviewed"
	ReportStatusResolved ReportStatus = "resolved"
)

// Report is an abuse report filed by one session against another.
type Report struct {
	ID         string
	Reporter   SessionID
	Target     SessionID
	Room       RoomID
	Reason     ReportReason
	Detail     string
	Timestamp  time.Time
	Status     ReportStatus
}
