package engine

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// GroupingMode selects how C2 partitions input DICOMs into series groups.
type GroupingMode string

const (
	GroupingAccessionNumber GroupingMode = "accession_number"
	GroupingStudyUID        GroupingMode = "studyUID"
	GroupingAll             GroupingMode = "all"
	GroupingCustom          GroupingMode = "custom"
)

// ParseGroupingMode validates a grouping mode string from configuration.
func ParseGroupingMode(s string) (GroupingMode, error) {
	switch GroupingMode(s) {
	case GroupingAccessionNumber, GroupingStudyUID, GroupingAll, GroupingCustom:
		return GroupingMode(s), nil
	case "":
		return GroupingAccessionNumber, nil
	default:
		return "", &UsageError{Msg: fmt.Sprintf("unknown grouping mode %q", s)}
	}
}

// Converter selects the transcoder C4 drives.
type Converter string

const (
	ConverterDcm2niix Converter = "dcm2niix"
	ConverterNone     Converter = "none"
)

// ParseConverter validates a converter string from configuration.
func ParseConverter(s string) (Converter, error) {
	switch Converter(s) {
	case ConverterDcm2niix, ConverterNone, "":
		if s == "" {
			return ConverterDcm2niix, nil
		}
		return Converter(s), nil
	default:
		return "", &UsageError{Msg: fmt.Sprintf("unknown converter %q (supported: dcm2niix, none)", s)}
	}
}

// BIDSMode distinguishes full BIDS emission from a notop run that defers
// top-level writes to a later populate-templates pass.
type BIDSMode string

const (
	BIDSDisabled BIDSMode = ""
	BIDSFull     BIDSMode = "full"
	BIDSNoTop    BIDSMode = "notop"
)

// Config is the full set of engine-recognized options from SPEC_FULL.md §6.
type Config struct {
	Bids              BIDSMode     `toml:"bids"`
	Grouping          GroupingMode `toml:"grouping"`
	Converter         Converter    `toml:"converter"`
	MinMeta           bool         `toml:"minmeta"`
	Overwrite         bool         `toml:"overwrite"`
	RandomSeed        int64        `toml:"random_seed"`
	Queue             string       `toml:"queue"`
	QueueArgs         string       `toml:"queue_args"`
	OutputRoot        string       `toml:"output_root"`
	FileLockTimeout   time.Duration `toml:"-"`
	FileLockTimeoutS  int           `toml:"file_lock_timeout_seconds"`
	MaxLockRetries    int           `toml:"max_lock_retries"`
	DisableTelemetry  bool          `toml:"-"`
	AnonCmd           string        `toml:"anon_cmd"`
}

// DefaultConfig returns a Config with the documented defaults applied.
func DefaultConfig() Config {
	return Config{
		Grouping:        GroupingAccessionNumber,
		Converter:       ConverterDcm2niix,
		FileLockTimeout: 300 * time.Second,
		MaxLockRetries:  5,
	}
}

// LoadConfigFile reads a TOML configuration file and overlays it on the
// documented defaults. Environment variables are applied afterwards by
// ApplyEnv so that explicit file values still take precedence over env
// defaults but env can fill in anything the file leaves zero.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, &UsageError{Msg: fmt.Sprintf("reading config %s: %v", path, err)}
	}
	if cfg.FileLockTimeoutS > 0 {
		cfg.FileLockTimeout = time.Duration(cfg.FileLockTimeoutS) * time.Second
	}
	if cfg.MaxLockRetries == 0 {
		cfg.MaxLockRetries = 5
	}
	return cfg, nil
}

// ApplyEnv overlays HEUDICONV_FILELOCK_TIMEOUT and NO_ET on cfg, only where
// the config did not already set an explicit value (file/flag values win).
func ApplyEnv(cfg Config) Config {
	if cfg.FileLockTimeoutS == 0 {
		if v := os.Getenv("HEUDICONV_FILELOCK_TIMEOUT"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				cfg.FileLockTimeout = time.Duration(secs) * time.Second
				cfg.FileLockTimeoutS = secs
			}
		}
	}
	if cfg.FileLockTimeout == 0 {
		cfg.FileLockTimeout = 300 * time.Second
	}
	if os.Getenv("NO_ET") != "" {
		cfg.DisableTelemetry = true
	}
	if cfg.MaxLockRetries == 0 {
		cfg.MaxLockRetries = 5
	}
	return cfg
}

// Validate rejects combinations the engine can never act on.
func (c Config) Validate() error {
	if c.Grouping == "" {
		return &UsageError{Msg: "grouping mode must be set"}
	}
	if c.Converter == "" {
		return &UsageError{Msg: "converter must be set"}
	}
	if c.Queue != "" && c.Bids == BIDSNoTop {
		// queueing fans out per-subject jobs which each run notop themselves;
		// nothing is inherently wrong, but an empty OutputRoot paired with
		// queueing is never actionable.
	}
	if c.OutputRoot == "" {
		return &UsageError{Msg: "output_root must be set"}
	}
	return nil
}
