// Package peer implements the framed, signed peer-to-peer protocol: the
// challenge-response admission handshake, per-peer admission/rate quotas,
// proposal forwarding with dedup, and peer-list gossip (spec §4.F).
// Grounded on internal/comm/serverHandler.go's
// readClientHello -> validateClientHello -> sendHello -> readEmail
// handshake shape, generalized from the DID-mail protocol to the peer
// challenge-response below.
package peer

import (
	"sync"
	"time"
)

// Quotas bounds a single peer connection's behavior (spec §4.F).
type Quotas struct {
	MaxBytesPerMsg      int64
	MaxBytesPerMin      int64
	MaxBadMsgsPerMin    int
	MaxBadMsgSigsPerMin int
	MaxDupMsgsPerMin    int
}

// budget is the sliding-window counters enforcing Quotas for one peer.
type budget struct {
	mu sync.Mutex

	windowStart time.Time
	bytes       int64
	badMsgs     int
	badSigs     int
	dupMsgs     int
}

func newBudget() *budget {
	return &budget{windowStart: time.Now()}
}

func (b *budget) resetIfNewMinute(now time.Time) {
	if now.Sub(b.windowStart) >= time.Minute {
		b.windowStart = now
		b.bytes = 0
		b.badMsgs = 0
		b.badSigs = 0
		b.dupMsgs = 0
	}
}

// QuotaViolation names which budget a peer exceeded.
type QuotaViolation string

const (
	ViolationNone       QuotaViolation = ""
	ViolationMsgSize    QuotaViolation = "max_bytes_per_msg"
	ViolationBytesRate  QuotaViolation = "max_bytes_per_min"
	ViolationBadMsgs    QuotaViolation = "max_bad_msgs_per_min"
	ViolationBadSigs    QuotaViolation = "max_bad_msgsigs_per_min"
	ViolationDupMsgs    QuotaViolation = "max_dup_msgs_per_min"
)

// RecordMessage registers one inbound message of msgSize bytes and reports
// any quota it causes the peer to exceed, closing-worthy per spec §4.F
// ("A peer exceeding any budget is closed").
func (b *budget) RecordMessage(q Quotas, msgSize int64, now time.Time) QuotaViolation {
	if q.MaxBytesPerMsg != 0 && msgSize > q.MaxBytesPerMsg {
		return ViolationMsgSize
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetIfNewMinute(now)
	b.bytes += msgSize

	if q.MaxBytesPerMin != 0 && b.bytes > q.MaxBytesPerMin {
		return ViolationBytesRate
	}
	return ViolationNone
}

// RecordBadMsg registers a malformed message and reports a violation if the
// peer's bad-message rate is exceeded.
func (b *budget) RecordBadMsg(q Quotas, now time.Time) QuotaViolation {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetIfNewMinute(now)
	b.badMsgs++
	if q.MaxBadMsgsPerMin != 0 && b.badMsgs > q.MaxBadMsgsPerMin {
		return ViolationBadMsgs
	}
	return ViolationNone
}

// RecordBadSig registers a signature-verification failure.
func (b *budget) RecordBadSig(q Quotas, now time.Time) QuotaViolation {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetIfNewMinute(now)
	b.badSigs++
	if q.MaxBadMsgSigsPerMin != 0 && b.badSigs > q.MaxBadMsgSigsPerMin {
		return ViolationBadSigs
	}
	return ViolationNone
}

// RecordDup registers a duplicate message from this peer.
func (b *budget) RecordDup(q Quotas, now time.Time) QuotaViolation {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetIfNewMinute(now)
	b.dupMsgs++
	if q.MaxDupMsgsPerMin != 0 && b.dupMsgs > q.MaxDupMsgsPerMin {
		return ViolationDupMsgs
	}
	return ViolationNone
}
