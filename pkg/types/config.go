package types

import "time"

// Persistence sync strategies.
const (
	SyncImmediate = "immediate"
	SyncBatch     = "batch"
)

// Default tunables. Presence GC and bootstrap claim expiry are deliberately
// configuration parameters, not fixed constants.
const (
	DefaultPresenceTimeout       = 30 * time.Second
	DefaultBootstrapClaimTimeout = 5 * time.Minute
	DefaultBatchSize             = 64
	DefaultBatchInterval         = 2 * time.Second
)

// Config holds the parameters for one attached outline store: which
// document, which user, where durable state lives, and how sync behaves.
type Config struct {
	DocID       string `json:"doc_id" yaml:"doc_id"`
	UserID      string `json:"user_id" yaml:"user_id"`
	Namespace   string `json:"namespace" yaml:"namespace"`
	DataDir     string `json:"data_dir" yaml:"data_dir"`
	RelayURL    string `json:"relay_url" yaml:"relay_url"`
	DisplayName string `json:"display_name" yaml:"display_name"`
	Color       string `json:"color" yaml:"color"`

	// PresenceTimeout is the window after which a participant whose clock
	// stopped advancing is garbage collected. Zero selects the default.
	PresenceTimeout time.Duration `json:"presence_timeout" yaml:"presence_timeout"`

	// BootstrapClaimTimeout is the age past which a bootstrap claim from a
	// crashed claimant becomes reclaimable. Zero selects the default;
	// negative disables expiry.
	BootstrapClaimTimeout time.Duration `json:"bootstrap_claim_timeout" yaml:"bootstrap_claim_timeout"`

	// SyncStrategy selects how the persistence adapter flushes: immediate
	// (default) or batch.
	SyncStrategy  string        `json:"sync_strategy" yaml:"sync_strategy"`
	BatchSize     int           `json:"batch_size" yaml:"batch_size"`
	BatchInterval time.Duration `json:"batch_interval" yaml:"batch_interval"`
}

// knownSyncStrategies lists the strategies Validate accepts.
var knownSyncStrategies = map[string]bool{
	"":            true, // empty selects immediate
	SyncImmediate: true,
	SyncBatch:     true,
}

// Validate checks that the Config is well-formed, returning a sentinel
// error from this package on failure.
func (c Config) Validate() error {
	if c.DocID == "" {
		return ErrDocIDEmpty
	}
	if c.UserID == "" {
		return ErrUserIDEmpty
	}
	if !knownSyncStrategies[c.SyncStrategy] {
		return ErrSyncStrategyUnknown
	}
	if c.SyncStrategy == SyncBatch {
		if c.BatchSize < 0 {
			return ErrBatchSizeInvalid
		}
		if c.BatchInterval < 0 {
			return ErrBatchIntervalInvalid
		}
	}
	return nil
}

// GetPresenceTimeout returns the configured presence GC window or the
// default when unset.
func (c Config) GetPresenceTimeout() time.Duration {
	if c.PresenceTimeout <= 0 {
		return DefaultPresenceTimeout
	}
	return c.PresenceTimeout
}

// GetBootstrapClaimTimeout returns the configured claim expiry, the default
// when zero, or zero (expiry disabled) when negative.
func (c Config) GetBootstrapClaimTimeout() time.Duration {
	if c.BootstrapClaimTimeout == 0 {
		return DefaultBootstrapClaimTimeout
	}
	if c.BootstrapClaimTimeout < 0 {
		return 0
	}
	return c.BootstrapClaimTimeout
}

// GetSyncStrategy returns the effective persistence sync strategy.
func (c Config) GetSyncStrategy() string {
	if c.SyncStrategy == "" {
		return SyncImmediate
	}
	return c.SyncStrategy
}

// GetBatchSize returns the effective batch size for the batch strategy.
func (c Config) GetBatchSize() int {
	if c.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return c.BatchSize
}

// GetBatchInterval returns the effective batch flush interval.
func (c Config) GetBatchInterval() time.Duration {
	if c.BatchInterval <= 0 {
		return DefaultBatchInterval
	}
	return c.BatchInterval
}
