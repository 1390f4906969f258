package oplog

// Options configures Open. Geometry (Limit, EntryWidth) is immutable after
// creation.
type Options struct {
	// Path is the FWI data file backing the log's ring buffer.
	Path string

	// Limit is the number of slots in the ring (LogState.limit_id).
	Limit uint64

	// EntryWidth is the fixed FWI record size in bytes (LogState.entry_width).
	EntryWidth uint32

	// Reserve is the slot headroom commit() must always leave free.
	Reserve uint64

	// InfoPath is the info store file for persisting logID/replayID/state.
	InfoPath string

	// LogIDUpdateInterval is how many reservations occur between persisting
	// logID.
	LogIDUpdateInterval uint64

	// SoftThrottle and HardThrottle are fill-ratio thresholds for Throttle.
	// Defaults: 0.5 / 0.75.
	SoftThrottle float64
	HardThrottle float64
}

func (o *Options) setDefaults() {
	if o.LogIDUpdateInterval == 0 {
		o.LogIDUpdateInterval = 64
	}

	if o.SoftThrottle == 0 {
		o.SoftThrottle = 0.5
	}

	if o.HardThrottle == 0 {
		o.HardThrottle = 0.75
	}
}
