package commands

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anchornet/anchord/src/crypto"
	"github.com/anchornet/anchord/src/node"
	"github.com/anchornet/anchord/src/service"
	"github.com/anchornet/anchord/src/store"
	"github.com/anchornet/anchord/src/upstream"
)

//NewRunCmd returns the command that starts an anchord node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runAnchord,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runAnchord(cmd *cobra.Command, args []string) error {
	logger := _config.Logger()

	if len(_config.Cores) == 0 {
		return fmt.Errorf("no cores configured; set --cores")
	}

	pemKey := crypto.NewPemKey(_config.DataDir)

	key, err := pemKey.ReadKey()
	if err != nil {
		logger.WithError(err).Warning("No private key; submissions will be unsigned. Run 'anchord keygen'")
		key = nil
	}
	_config.Key = key

	base := logger.Logger

	s, err := store.NewStore(_config.DatabaseDir,
		logrus.NewEntry(base).WithField("prefix", "store"))
	if err != nil {
		logger.WithError(err).Error("Cannot open the queue store")
		return err
	}

	client := upstream.NewClient(
		_config.UpstreamConfig(),
		upstream.NewLogPayer(logrus.NewEntry(base).WithField("prefix", "payer")),
		key,
		logrus.NewEntry(base).WithField("prefix", "upstream"))

	n := node.NewNode(_config, s, client)

	if err := n.Init(); err != nil {
		logger.WithError(err).Error("Cannot initialize node")
		return err
	}

	serviceServer := service.NewService(_config.ServiceAddr, n,
		logrus.NewEntry(base).WithField("prefix", "service"))
	go serviceServer.Serve()

	n.Run()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("moniker", _config.Moniker, "Optional name")

	// Service
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP service")

	// Store
	cmd.Flags().String("db", _config.DatabaseDir, "Database directory")

	// Upstream
	cmd.Flags().StringSliceP("cores", "c", _config.Cores, "Core addresses, in priority order")
	cmd.Flags().Duration("submit-timeout", _config.SubmitTimeout, "Per-attempt timeout of hash submissions")
	cmd.Flags().Duration("resubmit-timeout", _config.ResubmitTimeout, "Per-attempt timeout of credentialed resubmissions")
	cmd.Flags().Duration("query-timeout", _config.QueryTimeout, "Per-attempt timeout of proof queries")
	cmd.Flags().Int("retry-attempts", _config.RetryAttempts, "Attempt budget for submissions and queries")
	cmd.Flags().Int("resubmit-retry-attempts", _config.ResubmitRetryAttempts, "Attempt budget after payment")
	cmd.Flags().Duration("retry-interval", _config.RetryInterval, "Base delay between retries")
	cmd.Flags().Float64("retry-factor", _config.RetryFactor, "Backoff multiplier")
	cmd.Flags().Float64("retry-jitter", _config.RetryJitter, "Retry delay randomization factor")
	cmd.Flags().Int64("invoice-ceiling", _config.InvoiceCeiling, "Max invoice amount to pay, in satoshis")

	// Node configuration
	cmd.Flags().Duration("aggregation-interval", _config.AggregationInterval, "Time between aggregation cycles")
	cmd.Flags().Duration("prune-interval", _config.PruneInterval, "Time between proof-state pruning runs")
	cmd.Flags().Duration("proof-retention", _config.ProofRetention, "How long proof state is kept")
	cmd.Flags().Duration("flush-interval", _config.FlushInterval, "Time between metrics flushes")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.SetDataDir(_config.DataDir)

	_config.Logger().WithFields(logrus.Fields{
		"DataDir":             _config.DataDir,
		"ServiceAddr":         _config.ServiceAddr,
		"DatabaseDir":         _config.DatabaseDir,
		"LogLevel":            _config.LogLevel,
		"Moniker":             _config.Moniker,
		"Cores":               _config.Cores,
		"AggregationInterval": _config.AggregationInterval,
		"PruneInterval":       _config.PruneInterval,
		"ProofRetention":      _config.ProofRetention,
		"InvoiceCeiling":      _config.InvoiceCeiling,
	}).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/anchord.toml (.json, .yaml also work)
	viper.SetConfigName("anchord")      // name of config file (without extension)
	viper.AddConfigPath(_config.DataDir) // search root directory

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}
