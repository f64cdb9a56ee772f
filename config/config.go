package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/pingcap-incubator/tinypstm/log"
	"github.com/pingcap/errors"
)

type Config struct {
	LogLevel   string `toml:"log-level"`
	LogFile    string `toml:"log-file"`
	StatusAddr string `toml:"status-addr"` // Serves /metrics when non-empty.

	Engine Engine `toml:"engine"`
	Log    Log    `toml:"log"`
	Device Device `toml:"device"`
}

type Engine struct {
	// The lock table holds 2^LockTableBits versioned locks.
	LockTableBits uint `toml:"lock-table-bits"`
	// Initial capacities, doubled on demand.
	ReadSetSize  int `toml:"read-set-size"`
	WriteSetSize int `toml:"write-set-size"`
	// Clock value at which every transaction is quiesced and the clock is reset.
	VersionMax uint64 `toml:"version-max"`

	// One of "suicide", "delay", "backoff", "priority".
	ContentionManager string `toml:"contention-manager"`
	// Number of retries after which the priority manager starts ranking transactions.
	CMThreshold int `toml:"cm-threshold"`
	// Number of read validation aborts after which loads acquire locks (priority manager only).
	// Zero disables visible reads.
	VRThreshold int `toml:"vr-threshold"`
	// Exponential backoff bounds, in nanoseconds.
	MinBackoff uint64 `toml:"min-backoff"`
	MaxBackoff uint64 `toml:"max-backoff"`
	// Upper bound for any single wait on a contended lock.
	MaxWait Duration `toml:"max-wait"`
	// Zero means retry forever.
	MaxRetries int `toml:"max-retries"`
}

type Log struct {
	Slots    int      `toml:"slots"`    // Number of per-thread logs, bounds concurrent descriptors.
	Capacity ByteSize `toml:"capacity"` // Size of each log's ring, header excluded.
	// One of "block", "truncate", "abort". With "abort" the transaction restarts
	// after truncating inline.
	FullPolicy string `toml:"full-policy"`
	// Flush target lines and empty the own log inside commit.
	SyncTruncation bool `toml:"sync-truncation"`
	// Run a background truncation worker.
	AsyncTruncation    bool     `toml:"async-truncation"`
	TruncationInterval Duration `toml:"truncation-interval"`
}

type Device struct {
	// One of "emulated", "mmap", "badger".
	Kind string   `toml:"kind"`
	Path string   `toml:"path"`
	Size ByteSize `toml:"size"`
	// Added to every cache line flush (emulated device only).
	WriteLatency Duration `toml:"write-latency"`
	// Probability in [0,1] that an unflushed line survives a crash (emulated device only).
	CrashKeepProbability float64 `toml:"crash-keep-probability"`
}

const (
	KB uint64 = 1024
	MB uint64 = 1024 * 1024
)

// Duration is a time.Duration that decodes from strings such as "10ms".
type Duration struct {
	time.Duration
}

func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.Trace(err)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// ByteSize decodes human readable sizes such as "4MiB" or "512KB".
type ByteSize uint64

func (b *ByteSize) UnmarshalText(text []byte) error {
	if n, err := strconv.ParseUint(string(text), 10, 64); err == nil {
		*b = ByteSize(n)
		return nil
	}
	v, err := units.RAMInBytes(string(text))
	if err != nil {
		return errors.Trace(err)
	}
	*b = ByteSize(v)
	return nil
}

func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(units.BytesSize(float64(b))), nil
}

func (c *Config) Validate() error {
	e := &c.Engine
	if e.LockTableBits == 0 || e.LockTableBits > 27 {
		return fmt.Errorf("lock-table-bits must be in [1, 27], got %d", e.LockTableBits)
	}
	if e.ReadSetSize <= 0 || e.WriteSetSize <= 0 {
		return fmt.Errorf("read-set-size and write-set-size must be positive")
	}
	if e.VersionMax < 2 {
		return fmt.Errorf("version-max must be at least 2")
	}
	switch e.ContentionManager {
	case "suicide", "delay", "backoff", "priority":
	default:
		return fmt.Errorf("unknown contention manager %q", e.ContentionManager)
	}
	if e.MinBackoff == 0 || e.MaxBackoff < e.MinBackoff {
		return fmt.Errorf("backoff bounds must satisfy 0 < min-backoff <= max-backoff")
	}
	if e.MaxWait.Duration <= 0 {
		return fmt.Errorf("max-wait must be positive")
	}

	l := &c.Log
	if l.Slots <= 0 || l.Slots >= 1<<16 {
		return fmt.Errorf("log slots must be in [1, 65535], got %d", l.Slots)
	}
	if l.Capacity < 64 || l.Capacity%64 != 0 {
		return fmt.Errorf("log capacity must be a positive multiple of 64 bytes, got %d", l.Capacity)
	}
	switch l.FullPolicy {
	case "block", "truncate", "abort":
	default:
		return fmt.Errorf("unknown log full policy %q", l.FullPolicy)
	}
	if l.AsyncTruncation && l.TruncationInterval.Duration <= 0 {
		return fmt.Errorf("truncation-interval must be positive when async truncation is enabled")
	}
	if l.FullPolicy == "block" && !l.AsyncTruncation && !l.SyncTruncation {
		log.Warnf("log full policy is block but no truncation is configured, " +
			"writers will only be released by explicit truncation.")
	}

	d := &c.Device
	switch d.Kind {
	case "emulated":
	case "mmap", "badger":
		if d.Path == "" {
			return fmt.Errorf("device kind %s needs a path", d.Kind)
		}
	default:
		return fmt.Errorf("unknown device kind %q", d.Kind)
	}
	if d.Size == 0 || d.Size%64 != 0 {
		return fmt.Errorf("device size must be a positive multiple of 64 bytes")
	}
	if uint64(d.Size) <= c.LogAreaSize() {
		return fmt.Errorf("device size %d leaves no room for data after %d bytes of logs",
			d.Size, c.LogAreaSize())
	}
	if d.CrashKeepProbability < 0 || d.CrashKeepProbability > 1 {
		return fmt.Errorf("crash-keep-probability must be in [0, 1]")
	}
	return nil
}

// LogAreaSize is the number of bytes reserved at the top of the device for logs,
// one header line plus the ring for every slot.
func (c *Config) LogAreaSize() uint64 {
	return uint64(c.Log.Slots) * (64 + uint64(c.Log.Capacity))
}

// DataSize is the number of bytes available to transactions, starting at address 0.
func (c *Config) DataSize() uint64 {
	return uint64(c.Device.Size) - c.LogAreaSize()
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		LogLevel: getLogLevel(),
		Engine: Engine{
			LockTableBits:     20,
			ReadSetSize:       4096,
			WriteSetSize:      1024,
			VersionMax:        1 << 58,
			ContentionManager: "suicide",
			CMThreshold:       0,
			VRThreshold:       3,
			MinBackoff:        0x04,
			MaxBackoff:        0x80000,
			MaxWait:           NewDuration(10 * time.Millisecond),
		},
		Log: Log{
			Slots:              64,
			Capacity:           ByteSize(MB),
			FullPolicy:         "block",
			AsyncTruncation:    true,
			TruncationInterval: NewDuration(100 * time.Millisecond),
		},
		Device: Device{
			Kind: "emulated",
			Size: ByteSize(256 * MB),
		},
	}
}

func NewTestConfig() *Config {
	return &Config{
		LogLevel: getLogLevel(),
		Engine: Engine{
			LockTableBits:     12,
			ReadSetSize:       64,
			WriteSetSize:      64,
			VersionMax:        1 << 58,
			ContentionManager: "suicide",
			VRThreshold:       3,
			MinBackoff:        0x04,
			MaxBackoff:        0x400,
			MaxWait:           NewDuration(5 * time.Millisecond),
		},
		Log: Log{
			Slots:              8,
			Capacity:           ByteSize(16 * KB),
			FullPolicy:         "block",
			AsyncTruncation:    false,
			TruncationInterval: NewDuration(10 * time.Millisecond),
		},
		Device: Device{
			Kind: "emulated",
			Size: ByteSize(MB),
		},
	}
}

// LoadFile decodes path over the default configuration and validates the result.
func LoadFile(path string) (*Config, error) {
	conf := NewDefaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, conf); err != nil {
			return nil, errors.Annotatef(err, "decode config %s", path)
		}
	}
	if err := conf.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return conf, nil
}
