package peerset

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Severity classifies an offence. Each severity maps to a fixed score delta.
type Severity int

const (
	SeverityTimeout Severity = iota
	SeverityUseless
	SeverityMalformed
	SeverityInvalidBlock
	SeverityFalseHead
)

// Score deltas applied by Penalize and Reward.
const (
	TimeoutPenalty      = 2
	UselessPenalty      = 3
	MalformedPenalty    = 5
	InvalidBlockPenalty = 20
	FalseHeadPenalty    = 20

	usefulReward = 1
	maxScore     = 100
)

func (s Severity) String() string {
	switch s {
	case SeverityTimeout:
		return "timeout"
	case SeverityUseless:
		return "useless"
	case SeverityMalformed:
		return "malformed"
	case SeverityInvalidBlock:
		return "invalid_block"
	case SeverityFalseHead:
		return "false_head"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

func (s Severity) delta() float64 {
	switch s {
	case SeverityTimeout:
		return -TimeoutPenalty
	case SeverityUseless:
		return -UselessPenalty
	case SeverityMalformed:
		return -MalformedPenalty
	case SeverityInvalidBlock:
		return -InvalidBlockPenalty
	case SeverityFalseHead:
		return -FalseHeadPenalty
	default:
		return -MalformedPenalty
	}
}

// ReputationConfig defines the thresholds for the reputation engine.
type ReputationConfig struct {
	// A peer is banned once its score drops to -BanScore or below.
	BanScore      int
	BanDuration   time.Duration
	DecayHalfLife time.Duration
}

// DefaultReputationConfig bans after roughly three invalid blocks or
// twenty-five timeouts inside one half-life.
func DefaultReputationConfig() ReputationConfig {
	return ReputationConfig{
		BanScore:      50,
		BanDuration:   15 * time.Minute,
		DecayHalfLife: 10 * time.Minute,
	}
}

// ReputationStatus is the state of a peer after an adjustment.
type ReputationStatus struct {
	Score  int
	Banned bool
	Until  time.Time
}

type reputationRecord struct {
	score      float64
	updatedAt  time.Time
	bannedTill time.Time
}

// Reputation keeps decaying per-peer scores. Records outlive connections so
// that reconnecting does not reset a bad score.
type Reputation struct {
	cfg ReputationConfig

	mtx     sync.Mutex
	records map[ID]*reputationRecord
}

// NewReputation returns a tracker for cfg, filling zero fields with defaults.
func NewReputation(cfg ReputationConfig) *Reputation {
	def := DefaultReputationConfig()
	if cfg.DecayHalfLife <= 0 {
		cfg.DecayHalfLife = def.DecayHalfLife
	}
	if cfg.BanDuration <= 0 {
		cfg.BanDuration = def.BanDuration
	}
	if cfg.BanScore <= 0 {
		cfg.BanScore = def.BanScore
	}
	return &Reputation{cfg: cfg, records: make(map[ID]*reputationRecord)}
}

// Adjust applies delta to the decayed score of id. Crossing the ban
// threshold starts a ban of BanDuration.
func (r *Reputation) Adjust(id ID, delta float64, now time.Time) ReputationStatus {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	rec := r.ensureRecordLocked(id, now)
	r.applyDecayLocked(rec, now)
	rec.score = math.Min(rec.score+delta, maxScore)
	rec.updatedAt = now

	if rec.score <= -float64(r.cfg.BanScore) && !rec.bannedTill.After(now) {
		rec.bannedTill = now.Add(r.cfg.BanDuration)
	}
	return composeStatus(rec, now)
}

// Score returns the rounded score after decay.
func (r *Reputation) Score(id ID, now time.Time) int {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	rec := r.records[id]
	if rec == nil {
		return 0
	}
	r.applyDecayLocked(rec, now)
	return int(math.Round(rec.score))
}

// BanInfo returns whether id is banned and the expiry time.
func (r *Reputation) BanInfo(id ID, now time.Time) (bool, time.Time) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	rec := r.records[id]
	if rec == nil || rec.bannedTill.IsZero() {
		return false, time.Time{}
	}
	if !now.Before(rec.bannedTill) {
		// ban served: start over from a neutral score
		rec.bannedTill = time.Time{}
		rec.score = 0
		rec.updatedAt = now
		return false, time.Time{}
	}
	return true, rec.bannedTill
}

// SetBan forces a ban until the given time, used when restoring bans from
// the ban book.
func (r *Reputation) SetBan(id ID, until, now time.Time) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	rec := r.ensureRecordLocked(id, now)
	if until.After(now) {
		rec.bannedTill = until
	} else {
		rec.bannedTill = time.Time{}
	}
}

func (r *Reputation) ensureRecordLocked(id ID, now time.Time) *reputationRecord {
	rec := r.records[id]
	if rec == nil {
		rec = &reputationRecord{updatedAt: now}
		r.records[id] = rec
	}
	return rec
}

func (r *Reputation) applyDecayLocked(rec *reputationRecord, now time.Time) {
	if now.Before(rec.updatedAt) {
		rec.updatedAt = now
		return
	}
	elapsed := now.Sub(rec.updatedAt)
	if elapsed <= 0 {
		return
	}
	periods := float64(elapsed) / float64(r.cfg.DecayHalfLife)
	rec.score *= math.Pow(0.5, periods)
	if math.Abs(rec.score) < 1e-6 {
		rec.score = 0
	}
	rec.updatedAt = now
}

func composeStatus(rec *reputationRecord, now time.Time) ReputationStatus {
	status := ReputationStatus{Score: int(math.Round(rec.score))}
	if rec.bannedTill.After(now) {
		status.Banned = true
		status.Until = rec.bannedTill
	}
	return status
}
