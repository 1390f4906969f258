// Package config loads the process-local tunables file: geometry and
// thresholds a host process needs to open the same store the same way
// every time. The file is JSONC (JSON with comments and trailing commas)
// so an operator can annotate why a value deviates from the default.
//
// Geometry values (page size, bucket count, entry width, log limit) must
// match what the store was created with; they are handed to each
// component's Open, which validates them against the persisted headers.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/dedupvault/pkg/dederr"
)

// FileName is the default tunables file name inside a data directory.
const FileName = "dedupvault.jsonc"

// Config holds every creation-time geometry value and runtime tunable.
type Config struct {
	// Paged disk hash index geometry, shared by the chunk and block
	// indices.
	PageSize     uint32 `json:"page_size"`
	BucketCount  uint64 `json:"bucket_count"`
	MaxKeySize   uint32 `json:"max_key_size"`
	MaxValueSize uint32 `json:"max_value_size"`

	// Cache and journal sizing.
	PageLockCount  int  `json:"page_lock_count"`
	CacheLineSlots int  `json:"cache_line_slots"`
	ConcurrentTx   int  `json:"concurrent_tx"`
	PageCRC        bool `json:"page_crc"`

	// Operations log geometry and cadence.
	LogLimit            uint64  `json:"log_limit"`
	EntryWidth          uint32  `json:"entry_width"`
	LogReserve          uint64  `json:"log_reserve"`
	LogIDUpdateInterval uint64  `json:"log_id_update_interval"`
	SoftThrottle        float64 `json:"soft_throttle"`
	HardThrottle        float64 `json:"hard_throttle"`

	// Garbage collector pacing, all in milliseconds.
	GCCandidateSliceMS     int `json:"gc_candidate_slice_ms"`
	GCCommitPollTimeoutMS  int `json:"gc_commit_poll_timeout_ms"`
	GCCommitPollIntervalMS int `json:"gc_commit_poll_interval_ms"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		PageSize:     4096,
		BucketCount:  1 << 16,
		MaxKeySize:   64,
		MaxValueSize: 2048,

		PageLockCount:  64,
		CacheLineSlots: 64,
		ConcurrentTx:   16,
		PageCRC:        true,

		LogLimit:            1 << 16,
		EntryWidth:          256,
		LogReserve:          64,
		LogIDUpdateInterval: 64,
		SoftThrottle:        0.5,
		HardThrottle:        0.75,

		GCCandidateSliceMS:     2000,
		GCCommitPollTimeoutMS:  300_000,
		GCCommitPollIntervalMS: 50,
	}
}

// Load reads and parses the file at path. The file must exist; use
// [LoadDir] when the file is optional.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: read config %s: %w", dederr.ErrIO, path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}

	return cfg, nil
}

// LoadDir loads dir/FileName if it exists and returns [Default] otherwise.
func LoadDir(dir string) (Config, error) {
	path := filepath.Join(dir, FileName)

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}

		return Config{}, fmt.Errorf("%w: stat config %s: %w", dederr.ErrIO, path, err)
	}

	return Load(path)
}

// Parse decodes a JSONC document over [Default] and validates the result.
// Absent fields keep their default. A field that must be non-zero fails
// validation when explicitly set to zero; page_crc false and log_reserve 0
// are accepted as given.
func Parse(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w: invalid JSONC: %w", dederr.ErrInvalidArgument, err)
	}

	cfg := Default()
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: invalid JSON: %w", dederr.ErrInvalidArgument, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks every field against the constraints the components
// enforce at Open, so a bad file fails here with a field name instead of
// deep inside a component constructor.
func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", dederr.ErrInvalidArgument, fmt.Sprintf(format, args...))
	}

	if c.PageSize < 4096 {
		return invalid("page_size %d below minimum 4096", c.PageSize)
	}

	if c.BucketCount == 0 {
		return invalid("bucket_count must be > 0")
	}

	if c.MaxKeySize == 0 || c.MaxValueSize == 0 {
		return invalid("max_key_size and max_value_size must be > 0")
	}

	// One item slot (lengths plus padded key and value) must fit a page
	// after the fixed header, or no bucket could ever hold an entry.
	slot := uint64(4+4) + uint64(c.MaxKeySize) + uint64(c.MaxValueSize)
	if slot > uint64(c.PageSize)-32 {
		return invalid("item slot %d bytes exceeds page_size %d minus header", slot, c.PageSize)
	}

	if c.PageLockCount <= 0 || c.CacheLineSlots <= 0 || c.ConcurrentTx <= 0 {
		return invalid("page_lock_count, cache_line_slots and concurrent_tx must be > 0")
	}

	if c.LogLimit == 0 || c.EntryWidth == 0 {
		return invalid("log_limit and entry_width must be > 0")
	}

	if c.LogReserve >= c.LogLimit {
		return invalid("log_reserve %d must be below log_limit %d", c.LogReserve, c.LogLimit)
	}

	if c.LogIDUpdateInterval == 0 {
		return invalid("log_id_update_interval must be > 0")
	}

	if c.SoftThrottle <= 0 || c.HardThrottle > 1 || c.SoftThrottle >= c.HardThrottle {
		return invalid("throttle thresholds must satisfy 0 < soft < hard <= 1 (got %v / %v)",
			c.SoftThrottle, c.HardThrottle)
	}

	if c.GCCandidateSliceMS <= 0 || c.GCCommitPollTimeoutMS <= 0 || c.GCCommitPollIntervalMS <= 0 {
		return invalid("gc pacing values must be > 0")
	}

	return nil
}
