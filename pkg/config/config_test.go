package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/dedupvault/pkg/dederr"
)

func TestParseEmptyDocumentYieldsDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	require.NoError(t, err)

	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestParseAcceptsCommentsAndTrailingCommas(t *testing.T) {
	cfg, err := Parse([]byte(`{
		// bigger pages for a spinning-disk deployment
		"page_size": 8192,
		"log_limit": 1024, // matches the creation-time ring size
	}`))
	require.NoError(t, err)

	assert.Equal(t, uint32(8192), cfg.PageSize)
	assert.Equal(t, uint64(1024), cfg.LogLimit)

	// Untouched fields keep their defaults.
	assert.Equal(t, Default().EntryWidth, cfg.EntryWidth)
}

func TestParseRejectsMalformedJSONC(t *testing.T) {
	_, err := Parse([]byte(`{"page_size": }`))
	require.ErrorIs(t, err, dederr.ErrInvalidArgument)
}

func TestValidateRejectsBadGeometry(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"page size below minimum", func(c *Config) { c.PageSize = 512 }},
		{"zero bucket count", func(c *Config) { c.BucketCount = 0 }},
		{"zero key size", func(c *Config) { c.MaxKeySize = 0 }},
		{"item slot larger than page", func(c *Config) { c.MaxValueSize = 8192 }},
		{"reserve at limit", func(c *Config) { c.LogReserve = c.LogLimit }},
		{"soft throttle above hard", func(c *Config) { c.SoftThrottle = 0.9 }},
		{"hard throttle above one", func(c *Config) { c.HardThrottle = 1.5; c.SoftThrottle = 1.2 }},
		{"zero gc slice", func(c *Config) { c.GCCandidateSliceMS = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), dederr.ErrInvalidArgument)
		})
	}
}

func TestLoadDirMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadDir(t.TempDir())
	require.NoError(t, err)

	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadDirReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"entry_width": 512}`), 0o644))

	cfg, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, uint32(512), cfg.EntryWidth)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.jsonc"))
	require.ErrorIs(t, err, dederr.ErrIO)
}
