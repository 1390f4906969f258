package oplog

import "time"

// Stats is a point-in-time snapshot of log activity, exposed for the
// inspection CLI.
type Stats struct {
	// CommitsByType counts successful Commit calls per EventType.
	CommitsByType [eventTypeCount]uint64

	// SlotsWritten counts total FWI slots written across all commits,
	// including the extra slots multi-partial events occupy.
	SlotsWritten uint64

	// ReplayedByType counts events delivered to consumers per EventType,
	// across all replay modes.
	ReplayedByType [eventTypeCount]uint64

	// ConsumerErrors counts failed Consumer.Replay calls, keyed by consumer name.
	ConsumerErrors map[string]uint64

	// LastReplayDuration is a coarse timer around the most recent Replay call.
	LastReplayDuration time.Duration
}

func (l *Log) recordCommitStat(eventType EventType, slots uint64) {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()

	if int(eventType) < len(l.stats.CommitsByType) {
		l.stats.CommitsByType[eventType]++
	}

	l.stats.SlotsWritten += slots
}

func (l *Log) recordReplayStat(_ ReplayMode, eventType EventType) {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()

	if int(eventType) < len(l.stats.ReplayedByType) {
		l.stats.ReplayedByType[eventType]++
	}
}

func (l *Log) recordConsumerError(name string, _ error) {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()

	if l.stats.ConsumerErrors == nil {
		l.stats.ConsumerErrors = make(map[string]uint64)
	}

	l.stats.ConsumerErrors[name]++
}

// Stats returns a copy of the log's current activity counters.
func (l *Log) Stats() Stats {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()

	out := l.stats
	out.ConsumerErrors = make(map[string]uint64, len(l.stats.ConsumerErrors))

	for k, v := range l.stats.ConsumerErrors {
		out.ConsumerErrors[k] = v
	}

	return out
}
