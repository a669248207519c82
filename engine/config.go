package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/AvishayYanay/concord-bft/storage"
)

// Config holds configuration for one replica
type Config struct {
	// ClusterID separates signatures of different clusters
	ClusterID string

	// Cluster shape: N = 3F + 2C + 1 voting replicas
	N int
	F int
	C int

	// CheckpointInterval is the number of sequences between checkpoints
	CheckpointInterval uint64

	// WindowSize bounds how far above the stable checkpoint a sequence may be
	// assigned. Must be a multiple of CheckpointInterval.
	WindowSize uint64

	FastPath FastPathConfig
	Timeouts TimeoutConfig
	Batch    BatchConfig
	Storage  storage.Config

	// LogLevel is a zerolog level name
	LogLevel string

	// Signature verification worker pool
	VerifyWorkers int
	VerifyQueue   int
}

// FastPathConfig configures the optimistic commit path
type FastPathConfig struct {
	Enabled bool
	// Quorum of fast votes needed to commit. Zero means 3F+C+1.
	Quorum int
}

// TimeoutConfig holds the protocol timers
type TimeoutConfig struct {
	// Request is how long a forwarded request or an accepted proposal may
	// wait for execution before the leader is suspected
	Request time.Duration

	// FastPath is how long a slot waits for a fast quorum before it only
	// commits on the slow path
	FastPath time.Duration

	// ViewChange is the initial new-view timeout; it doubles per retry
	ViewChange time.Duration

	// ViewChangeResend is the period for re-broadcasting the own view change
	ViewChangeResend time.Duration

	// StateTransfer is how long to wait for a snapshot before asking the
	// next source
	StateTransfer time.Duration
}

// BatchConfig controls how the leader packs requests
type BatchConfig struct {
	MaxSize int
	// Timeout delays a partial batch; zero proposes immediately
	Timeout time.Duration
	// MaxOutstanding bounds the leader's uncommitted proposals
	MaxOutstanding int
}

// DefaultTimeoutConfig returns default timeouts
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Request:          2 * time.Second,
		FastPath:         500 * time.Millisecond,
		ViewChange:       4 * time.Second,
		ViewChangeResend: time.Second,
		StateTransfer:    2 * time.Second,
	}
}

// DefaultConfig returns a default configuration for n=4, f=1, c=0
func DefaultConfig() *Config {
	return &Config{
		ClusterID:          "concord",
		N:                  4,
		F:                  1,
		C:                  0,
		CheckpointInterval: 150,
		WindowSize:         300,
		FastPath:           FastPathConfig{Enabled: true},
		Timeouts:           DefaultTimeoutConfig(),
		Batch: BatchConfig{
			MaxSize:        64,
			MaxOutstanding: 4,
		},
		Storage: storage.Config{
			Backend: storage.BackendFile,
			Path:    "data/log",
		},
		LogLevel:      "info",
		VerifyWorkers: 4,
		VerifyQueue:   1024,
	}
}

// FastQuorum returns the effective fast-path quorum
func (cfg *Config) FastQuorum() int {
	if cfg.FastPath.Quorum == 0 {
		return 3*cfg.F + cfg.C + 1
	}
	return cfg.FastPath.Quorum
}

// ValidateBasic performs basic validation of the config
func (cfg *Config) ValidateBasic() error {
	if cfg.ClusterID == "" {
		return fmt.Errorf("%w: empty cluster id", ErrInvalidConfig)
	}
	if cfg.F < 0 || cfg.C < 0 {
		return fmt.Errorf("%w: negative f or c", ErrInvalidConfig)
	}
	if cfg.N < 3*cfg.F+2*cfg.C+1 {
		return fmt.Errorf("%w: n=%d below 3f+2c+1=%d", ErrInvalidConfig, cfg.N, 3*cfg.F+2*cfg.C+1)
	}
	if cfg.CheckpointInterval == 0 {
		return fmt.Errorf("%w: zero checkpoint interval", ErrInvalidConfig)
	}
	if cfg.WindowSize == 0 || cfg.WindowSize%cfg.CheckpointInterval != 0 {
		return fmt.Errorf("%w: window %d is not a multiple of checkpoint interval %d",
			ErrInvalidConfig, cfg.WindowSize, cfg.CheckpointInterval)
	}
	if q := cfg.FastQuorum(); q < 3*cfg.F+cfg.C+1 || q > cfg.N {
		return fmt.Errorf("%w: fast quorum %d outside [%d, %d]", ErrInvalidConfig, q, 3*cfg.F+cfg.C+1, cfg.N)
	}
	if cfg.Batch.MaxSize < 1 {
		return fmt.Errorf("%w: batch max size %d", ErrInvalidConfig, cfg.Batch.MaxSize)
	}
	if cfg.Batch.MaxOutstanding < 1 {
		return fmt.Errorf("%w: max outstanding %d", ErrInvalidConfig, cfg.Batch.MaxOutstanding)
	}
	t := cfg.Timeouts
	if t.Request <= 0 || t.ViewChange <= 0 || t.ViewChangeResend <= 0 || t.StateTransfer <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	if cfg.FastPath.Enabled && t.FastPath <= 0 {
		return fmt.Errorf("%w: fast path timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// Config keys understood by LoadConfig
const (
	keyClusterID          = "general.clusterID"
	keyN                  = "general.n"
	keyF                  = "general.f"
	keyC                  = "general.c"
	keyCheckpointInterval = "general.checkpointInterval"
	keyWindowSize         = "general.windowSize"
	keyFastPathEnabled    = "general.fastPath.enabled"
	keyFastPathQuorum     = "general.fastPath.quorum"
	keyTimeoutRequest     = "general.timeout.request"
	keyTimeoutFastPath    = "general.timeout.fastPath"
	keyTimeoutViewChange  = "general.timeout.viewChange"
	keyTimeoutVCResend    = "general.timeout.viewChangeResend"
	keyTimeoutStateXfer   = "general.timeout.stateTransfer"
	keyBatchMaxSize       = "general.batch.maxSize"
	keyBatchTimeout       = "general.batch.timeout"
	keyBatchOutstanding   = "general.batch.maxOutstanding"
	keyVerifyWorkers      = "general.verify.workers"
	keyVerifyQueue        = "general.verify.queue"
	keyStorageBackend     = "storage.backend"
	keyStoragePath        = "storage.path"
	keyStorageCompact     = "storage.compactBytes"
	keyLogLevel           = "log.level"
)

// LoadConfig reads a YAML, TOML or JSON config file. Every key can be
// overridden from the environment with the CONCORD_ prefix, e.g.
// CONCORD_GENERAL_TIMEOUT_REQUEST=500ms.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix("CONCORD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	cfg := &Config{
		ClusterID:          v.GetString(keyClusterID),
		N:                  v.GetInt(keyN),
		F:                  v.GetInt(keyF),
		C:                  v.GetInt(keyC),
		CheckpointInterval: v.GetUint64(keyCheckpointInterval),
		WindowSize:         v.GetUint64(keyWindowSize),
		FastPath: FastPathConfig{
			Enabled: v.GetBool(keyFastPathEnabled),
			Quorum:  v.GetInt(keyFastPathQuorum),
		},
		Timeouts: TimeoutConfig{
			Request:          v.GetDuration(keyTimeoutRequest),
			FastPath:         v.GetDuration(keyTimeoutFastPath),
			ViewChange:       v.GetDuration(keyTimeoutViewChange),
			ViewChangeResend: v.GetDuration(keyTimeoutVCResend),
			StateTransfer:    v.GetDuration(keyTimeoutStateXfer),
		},
		Batch: BatchConfig{
			MaxSize:        v.GetInt(keyBatchMaxSize),
			Timeout:        v.GetDuration(keyBatchTimeout),
			MaxOutstanding: v.GetInt(keyBatchOutstanding),
		},
		Storage: storage.Config{
			Backend:      v.GetString(keyStorageBackend),
			Path:         v.GetString(keyStoragePath),
			CompactBytes: v.GetInt64(keyStorageCompact),
		},
		LogLevel:      v.GetString(keyLogLevel),
		VerifyWorkers: v.GetInt(keyVerifyWorkers),
		VerifyQueue:   v.GetInt(keyVerifyQueue),
	}
	if err := cfg.ValidateBasic(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault(keyClusterID, d.ClusterID)
	v.SetDefault(keyN, d.N)
	v.SetDefault(keyF, d.F)
	v.SetDefault(keyC, d.C)
	v.SetDefault(keyCheckpointInterval, d.CheckpointInterval)
	v.SetDefault(keyWindowSize, d.WindowSize)
	v.SetDefault(keyFastPathEnabled, d.FastPath.Enabled)
	v.SetDefault(keyFastPathQuorum, d.FastPath.Quorum)
	v.SetDefault(keyTimeoutRequest, d.Timeouts.Request)
	v.SetDefault(keyTimeoutFastPath, d.Timeouts.FastPath)
	v.SetDefault(keyTimeoutViewChange, d.Timeouts.ViewChange)
	v.SetDefault(keyTimeoutVCResend, d.Timeouts.ViewChangeResend)
	v.SetDefault(keyTimeoutStateXfer, d.Timeouts.StateTransfer)
	v.SetDefault(keyBatchMaxSize, d.Batch.MaxSize)
	v.SetDefault(keyBatchTimeout, d.Batch.Timeout)
	v.SetDefault(keyBatchOutstanding, d.Batch.MaxOutstanding)
	v.SetDefault(keyVerifyWorkers, d.VerifyWorkers)
	v.SetDefault(keyVerifyQueue, d.VerifyQueue)
	v.SetDefault(keyStorageBackend, d.Storage.Backend)
	v.SetDefault(keyStoragePath, d.Storage.Path)
	v.SetDefault(keyStorageCompact, d.Storage.CompactBytes)
	v.SetDefault(keyLogLevel, d.LogLevel)
}
