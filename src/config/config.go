package config

import (
	"crypto/ecdsa"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/anchornet/anchord/src/common"
	"github.com/anchornet/anchord/src/upstream"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the node's
	// private key.
	DefaultKeyfile = "priv_key.pem"

	// DefaultBadgerFile is the default name of the folder containing the
	// Badger database.
	DefaultBadgerFile = "badger_db"

	// DefaultLogFile is the default name of the log file written by the
	// file hook.
	DefaultLogFile = "anchord.log"
)

// Default configuration values.
const (
	DefaultLogLevel              = "debug"
	DefaultServiceAddr           = "127.0.0.1:9090"
	DefaultAggregationInterval   = 60 * time.Second
	DefaultPruneInterval         = 1 * time.Hour
	DefaultProofRetention        = 24 * time.Hour
	DefaultFlushInterval         = 30 * time.Second
	DefaultSubmitTimeout         = 5 * time.Second
	DefaultResubmitTimeout       = 30 * time.Second
	DefaultQueryTimeout          = 10 * time.Second
	DefaultRetryAttempts         = 3
	DefaultResubmitRetryAttempts = 10
	DefaultRetryInterval         = 500 * time.Millisecond
	DefaultRetryFactor           = 1.0
	DefaultRetryJitter           = 0.5
	DefaultInvoiceCeiling        = int64(50)
)

// Config contains all the configuration properties of an anchord node.
type Config struct {
	// DataDir is the top-level directory containing anchord configuration
	// and data.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// Moniker defines the friendly name of this node.
	Moniker string `mapstructure:"moniker"`

	// ServiceAddr is the address:port of the HTTP API service.
	ServiceAddr string `mapstructure:"service-listen"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// Cores is the list of upstream Core addresses, in priority order.
	Cores []string `mapstructure:"cores"`

	// AggregationInterval is the wall-clock period of the batch cycle.
	AggregationInterval time.Duration `mapstructure:"aggregation-interval"`

	// PruneInterval is the period of the proof-state pruning task.
	PruneInterval time.Duration `mapstructure:"prune-interval"`

	// ProofRetention is how long proof state is kept before being pruned.
	ProofRetention time.Duration `mapstructure:"proof-retention"`

	// FlushInterval is the period of the metrics flush to the store.
	FlushInterval time.Duration `mapstructure:"flush-interval"`

	// SubmitTimeout bounds each attempt of an initial hash submission.
	SubmitTimeout time.Duration `mapstructure:"submit-timeout"`

	// ResubmitTimeout bounds each attempt of a credentialed resubmission.
	ResubmitTimeout time.Duration `mapstructure:"resubmit-timeout"`

	// QueryTimeout bounds proof, status and calendar queries.
	QueryTimeout time.Duration `mapstructure:"query-timeout"`

	// RetryAttempts is the attempt budget for submissions and queries.
	RetryAttempts int `mapstructure:"retry-attempts"`

	// ResubmitRetryAttempts is the larger attempt budget used after
	// payment, when the Core may legitimately stall until it clears.
	ResubmitRetryAttempts int `mapstructure:"resubmit-retry-attempts"`

	// RetryInterval is the base delay between retries.
	RetryInterval time.Duration `mapstructure:"retry-interval"`

	// RetryFactor is the backoff multiplier; 1 gives fixed-interval
	// retries.
	RetryFactor float64 `mapstructure:"retry-factor"`

	// RetryJitter is the randomization factor applied to retry delays.
	RetryJitter float64 `mapstructure:"retry-jitter"`

	// InvoiceCeiling is the maximum invoice amount, in satoshis, this node
	// will pay per submission.
	InvoiceCeiling int64 `mapstructure:"invoice-ceiling"`

	// Key is the private key of the node.
	Key *ecdsa.PrivateKey `mapstructure:"-"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:               DefaultDataDir(),
		LogLevel:              DefaultLogLevel,
		ServiceAddr:           DefaultServiceAddr,
		DatabaseDir:           DefaultDatabaseDir(),
		AggregationInterval:   DefaultAggregationInterval,
		PruneInterval:         DefaultPruneInterval,
		ProofRetention:        DefaultProofRetention,
		FlushInterval:         DefaultFlushInterval,
		SubmitTimeout:         DefaultSubmitTimeout,
		ResubmitTimeout:       DefaultResubmitTimeout,
		QueryTimeout:          DefaultQueryTimeout,
		RetryAttempts:         DefaultRetryAttempts,
		ResubmitRetryAttempts: DefaultResubmitRetryAttempts,
		RetryInterval:         DefaultRetryInterval,
		RetryFactor:           DefaultRetryFactor,
		RetryJitter:           DefaultRetryJitter,
		InvoiceCeiling:        DefaultInvoiceCeiling,
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t)
	return config
}

// SetDataDir sets the top-level anchord directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, it means the user has explicitly
// set it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// UpstreamConfig maps the relevant settings into an upstream client
// configuration.
func (c *Config) UpstreamConfig() *upstream.Config {
	conf := upstream.DefaultConfig()

	conf.Targets = c.Cores
	conf.SubmitTimeout = c.SubmitTimeout
	conf.ResubmitTimeout = c.ResubmitTimeout
	conf.QueryTimeout = c.QueryTimeout
	conf.InvoiceCeiling = c.InvoiceCeiling
	conf.SubmitRetry = upstream.RetryPolicy{
		Attempts: c.RetryAttempts,
		Interval: c.RetryInterval,
		Factor:   c.RetryFactor,
		Jitter:   c.RetryJitter,
	}
	conf.ResubmitRetry = upstream.RetryPolicy{
		Attempts: c.ResubmitRetryAttempts,
		Interval: c.RetryInterval,
		Factor:   c.RetryFactor,
		Jitter:   c.RetryJitter,
	}

	return conf
}

// Logger returns a formatted logrus Entry, with prefix set to "anchord". A
// file hook is attached for warning-and-above when a datadir is configured.
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.DataDir != "" {
			logPath := filepath.Join(c.DataDir, DefaultLogFile)
			c.logger.Hooks.Add(lfshook.NewHook(
				lfshook.PathMap{
					logrus.WarnLevel:  logPath,
					logrus.ErrorLevel: logPath,
					logrus.FatalLevel: logPath,
				},
				new(logrus.JSONFormatter),
			))
		}
	}
	return c.logger.WithField("prefix", "anchord")
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir returns the default directory name for top-level anchord
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Anchord")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Anchord")
		} else {
			return filepath.Join(home, ".anchord")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
