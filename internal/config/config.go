// Package config assembles the miner's launch parameters from environment
// defaults and command-line flags.
package config

import (
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/bardlex/ptsminer/pkg/errors"
)

const (
	// DefaultHost is the pool used when -o names no host.
	DefaultHost = "ypool.net"
	// BasePort is the first of the eight default pool ports.
	BasePort = 8080

	MinDonation    = 3.0
	MaxDonation    = 100.0
	MinThreads     = 1
	MaxThreads     = 128
	MinBucketsLog2 = 12
	MaxBucketsLog2 = 26
)

// Options is the command line. Fields hold environment defaults before
// parsing; flags given on the command line replace them.
type Options struct {
	URL         string        `short:"o" long:"url" description:"Pool host, optionally host:port"`
	User        string        `short:"u" long:"user" description:"Worker name (payout address on address-based pools)"`
	Pass        string        `short:"p" long:"pass" description:"Worker password"`
	Threads     int           `short:"t" long:"threads" description:"Number of devices to mine with (1-128)"`
	Donation    float64       `short:"f" long:"donation" description:"Developer donation percent (3-100)"`
	Devices     string        `short:"d" long:"devices" description:"Comma-separated device indices; overrides -t"`
	WorkGroup   int           `short:"w" long:"wgs" description:"Work-group size, rounded down to a power of two (0 = device max)"`
	VectWidth   int           `short:"v" long:"vect" description:"Vector width: 1, 2 or 4"`
	BucketsLog2 int           `short:"b" long:"buckets-log2" description:"Use 2^N buckets (12-26)"`
	BucketSize  int           `short:"s" long:"bucket-size" description:"Bucket capacity (0 = largest that fits)"`
	TargetMemMB int           `short:"m" long:"target-mem" description:"Device memory ceiling in MiB; overrides -s"`
	ListDevices bool          `long:"list-devices" description:"Print available devices and exit"`
	Verbose     bool          `long:"verbose" description:"Debug logging"`
	Watchdog    time.Duration `long:"watchdog" description:"Longest a GPU search may take before the miner gives up"`
	Reconnect   time.Duration `long:"reconnect" description:"Wait between reconnect attempts"`
	StatsEvery  time.Duration `long:"stats-interval" description:"Interval between rate reports"`
	DevAccount  string        `long:"dev-account" description:"Override the developer donation account"`
}

// Telemetry holds the optional sink settings. An empty value disables the
// sink.
type Telemetry struct {
	KafkaBrokers []string
	RedisURL     string
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
	ZMQPubAddr   string
}

// Config is the normalized launch configuration.
type Config struct {
	Version string

	Host     string
	Port     int
	User     string
	Pass     string
	Donation float64
	// DevAccount replaces the built-in developer account when set.
	DevAccount string

	Devices       []int
	WorkGroupSize int
	VectWidth     int
	BucketsLog2   int
	BucketSize    int
	TargetMemMB   int
	ListDevices   bool

	Watchdog      time.Duration
	Reconnect     time.Duration
	StatsInterval time.Duration

	LogLevel  string
	LogFormat string
	LogFile   string

	Telemetry Telemetry
}

// Load builds the configuration from the environment and args (without the
// program name). A help request is returned as an error; see IsHelp.
func Load(args []string) (*Config, error) {
	opts := Options{
		URL:         getEnv("POOL_URL", ""),
		User:        getEnv("WORKER_NAME", ""),
		Pass:        getEnv("WORKER_PASS", ""),
		Threads:     getEnvInt("THREADS", 1),
		Donation:    getEnvFloat("DONATION_PERCENT", MinDonation),
		Devices:     getEnv("DEVICES", ""),
		VectWidth:   1,
		BucketsLog2: 23,
		Watchdog:    getEnvDuration("WATCHDOG", 10*time.Second),
		Reconnect:   getEnvDuration("RECONNECT_DELAY", 15*time.Second),
		StatsEvery:  getEnvDuration("STATS_INTERVAL", 8*time.Second),
		DevAccount:  getEnv("DEV_ACCOUNT", ""),
	}

	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "ptsminer"
	rest, err := parser.ParseArgs(args)
	if err != nil {
		if IsHelp(err) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "parse_flags", "invalid command line")
	}
	if len(rest) > 0 {
		return nil, errors.Newf(errors.ErrorTypeConfig, "parse_flags", "unexpected argument %q", rest[0])
	}

	cfg := &Config{
		Version:       getEnv("VERSION", "dev"),
		User:          opts.User,
		Pass:          opts.Pass,
		DevAccount:    opts.DevAccount,
		VectWidth:     opts.VectWidth,
		BucketsLog2:   opts.BucketsLog2,
		BucketSize:    opts.BucketSize,
		TargetMemMB:   opts.TargetMemMB,
		ListDevices:   opts.ListDevices,
		Watchdog:      opts.Watchdog,
		Reconnect:     opts.Reconnect,
		StatsInterval: opts.StatsEvery,
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "text"),
		LogFile:       getEnv("LOG_FILE", ""),
		Telemetry: Telemetry{
			KafkaBrokers: getEnvSlice("KAFKA_BROKERS", nil),
			RedisURL:     getEnv("REDIS_URL", ""),
			InfluxURL:    getEnv("INFLUX_URL", ""),
			InfluxToken:  getEnv("INFLUX_TOKEN", ""),
			InfluxOrg:    getEnv("INFLUX_ORG", "ptsminer"),
			InfluxBucket: getEnv("INFLUX_BUCKET", "mining"),
			ZMQPubAddr:   getEnv("ZMQ_PUB_ADDR", ""),
		},
	}
	if opts.Verbose {
		cfg.LogLevel = "debug"
	}

	if cfg.Host, cfg.Port, err = parseURL(opts.URL); err != nil {
		return nil, err
	}
	cfg.Donation = min(max(opts.Donation, MinDonation), MaxDonation)

	if err := cfg.setDevices(opts.Threads, opts.Devices); err != nil {
		return nil, err
	}
	if opts.WorkGroup < 0 {
		return nil, invalid("wgs", opts.WorkGroup, "valid values are 0 or powers of 2")
	}
	cfg.WorkGroupSize = nearestPow2(opts.WorkGroup)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsHelp reports whether err is a --help request.
func IsHelp(err error) bool {
	var ferr *flags.Error
	return errors.As(err, &ferr) && ferr.Type == flags.ErrHelp
}

// Threads is the number of workers, one per device.
func (c *Config) Threads() int { return len(c.Devices) }

func (c *Config) setDevices(threads int, list string) error {
	if list == "" {
		if threads < MinThreads || threads > MaxThreads {
			return invalid("threads", threads, fmt.Sprintf("valid values are %d to %d", MinThreads, MaxThreads))
		}
		c.Devices = make([]int, threads)
		for i := range c.Devices {
			c.Devices[i] = i
		}
		return nil
	}

	for _, tok := range strings.Split(list, ",") {
		idx, err := strconv.Atoi(strings.TrimSpace(tok))
		if err != nil || idx < 0 {
			return invalid("devices", list, "expected a comma-separated list of device indices")
		}
		c.Devices = append(c.Devices, idx)
	}
	if len(c.Devices) > MaxThreads {
		return invalid("devices", list, fmt.Sprintf("at most %d devices", MaxThreads))
	}
	return nil
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.User == "" && !c.ListDevices {
		return errors.New(errors.ErrorTypeConfig, "validate_config", "a worker name is required (-u)")
	}
	if c.VectWidth != 1 && c.VectWidth != 2 && c.VectWidth != 4 {
		return invalid("vect", c.VectWidth, "valid values are 1, 2 or 4")
	}
	if c.BucketsLog2 < MinBucketsLog2 || c.BucketsLog2 > MaxBucketsLog2 {
		return invalid("buckets-log2", c.BucketsLog2,
			fmt.Sprintf("valid values are between %d and %d", MinBucketsLog2, MaxBucketsLog2))
	}
	if c.BucketSize < 0 {
		return invalid("bucket-size", c.BucketSize, "must not be negative")
	}
	if c.TargetMemMB < 0 {
		return invalid("target-mem", c.TargetMemMB, "must not be negative")
	}
	if c.Watchdog <= 0 || c.Reconnect < 0 || c.StatsInterval <= 0 {
		return errors.New(errors.ErrorTypeConfig, "validate_config", "watchdog and stats interval must be positive")
	}
	return nil
}

// parseURL accepts [http://]host[:port]. A missing host means the default
// pool; a missing port picks one of the eight default ports at random.
func parseURL(raw string) (string, int, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "http://")
	host, portStr, hasPort := strings.Cut(raw, ":")
	if host == "" {
		host = DefaultHost
	}
	if !hasPort {
		return host, BasePort + rand.IntN(8), nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, invalid("url", raw, "port must be between 1 and 65535")
	}
	return host, port, nil
}

// nearestPow2 returns the largest power of two not above n, or 0 for 0.
func nearestPow2(n int) int {
	if n <= 0 {
		return 0
	}
	p := 1
	for p*2 <= n {
		p *= 2
	}
	return p
}

func invalid(option string, value any, hint string) error {
	return errors.Newf(errors.ErrorTypeConfig, "validate_config", "invalid %s %v", option, value).
		WithContext("option", option).
		WithContext("hint", hint)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
