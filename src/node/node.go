package node

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anchornet/anchord/src/aggregator"
	"github.com/anchornet/anchord/src/config"
	"github.com/anchornet/anchord/src/metrics"
	"github.com/anchornet/anchord/src/proofcache"
	"github.com/anchornet/anchord/src/store"
	"github.com/anchornet/anchord/src/upstream"
)

// Node ties everything together: it accepts client hashes into the durable
// queue, drives the periodic aggregation cycle, resolves proofs through the
// cache, and runs the housekeeping workers.
type Node struct {
	state

	conf *config.Config

	store      *store.Store
	client     *upstream.Client
	aggregator *aggregator.Aggregator
	proofCache *proofcache.Cache
	recorder   *metrics.Recorder

	controlTimer *ControlTimer

	sigintCh   chan os.Signal
	shutdownCh chan struct{}

	start time.Time

	logger *logrus.Entry
}

// NewNode instantiates a new Node and its components from the configuration.
func NewNode(conf *config.Config, s *store.Store, client *upstream.Client) *Node {
	base := conf.Logger().Logger

	sigintCh := make(chan os.Signal, 1)
	signal.Notify(sigintCh, os.Interrupt, syscall.SIGINT)

	node := &Node{
		conf:   conf,
		store:  s,
		client: client,
		aggregator: aggregator.NewAggregator(s, client,
			logrus.NewEntry(base).WithField("prefix", "aggregator")),
		proofCache: proofcache.NewCache(proofcache.DefaultConfig(), client,
			logrus.NewEntry(base).WithField("prefix", "proofcache")),
		recorder: metrics.NewRecorder(s,
			logrus.NewEntry(base).WithField("prefix", "metrics")),
		controlTimer: NewIntervalControlTimer(),
		sigintCh:     sigintCh,
		shutdownCh:   make(chan struct{}),
		logger:       logrus.NewEntry(base).WithField("prefix", "node"),
	}

	return node
}

// Init restores persisted metrics and marks the node Running.
func (n *Node) Init() error {
	n.logger.WithFields(logrus.Fields{
		"moniker":              n.conf.Moniker,
		"cores":                n.conf.Cores,
		"aggregation_interval": n.conf.AggregationInterval,
	}).Debug("Init Node")

	if err := n.recorder.Load(); err != nil {
		return err
	}

	n.start = time.Now()
	n.setState(Running)

	return nil
}

// Run invokes the main loop. The control timer and the background workers
// are started first; the loop exits when the node state becomes Shutdown.
func (n *Node) Run() {
	go n.controlTimer.Run(n.conf.AggregationInterval)
	go n.doBackgroundWork()

	for {
		state := n.getState()

		n.logger.WithField("state", state.String()).Debug("Run loop")

		switch state {
		case Running:
			n.anchoring()
		case Shutdown:
			return
		}
	}
}

// anchoring dispatches an aggregation cycle on every timer tick.
func (n *Node) anchoring() {
	for {
		select {
		case <-n.controlTimer.tickCh:
			n.goFunc(n.aggregate)
		case <-n.shutdownCh:
			return
		}
	}
}

func (n *Node) aggregate() {
	if _, err := n.aggregator.Run(); err != nil {
		n.logger.WithError(err).Error("Aggregation cycle")
	}

	select {
	case n.controlTimer.resetCh <- n.conf.AggregationInterval:
	case <-n.shutdownCh:
	}
}

func (n *Node) doBackgroundWork() {
	pruneTicker := time.NewTicker(n.conf.PruneInterval)
	defer pruneTicker.Stop()

	flushTicker := time.NewTicker(n.conf.FlushInterval)
	defer flushTicker.Stop()

	for {
		select {
		case <-pruneTicker.C:
			cutoff := time.Now().Add(-n.conf.ProofRetention)
			pruned, err := n.store.PruneProofStateBefore(cutoff)
			if err != nil {
				n.logger.WithError(err).Error("Pruning proof state")
			} else if pruned > 0 {
				n.logger.WithField("pruned", pruned).Debug("Pruned expired proof state")
			}
		case <-flushTicker.C:
			if err := n.recorder.Flush(); err != nil {
				n.logger.WithError(err).Warning("Flushing metrics")
			}
		case <-n.sigintCh:
			n.logger.Debug("Reacting to SIGINT - Shutdown")
			n.Shutdown()
			os.Exit(0)
		case <-n.shutdownCh:
			return
		}
	}
}

// Shutdown stops the node: the timer and workers are stopped, in-flight
// cycles are drained, metrics are flushed one last time, and the store is
// closed.
func (n *Node) Shutdown() {
	if n.getState() == Shutdown {
		return
	}

	n.logger.Debug("Shutdown")

	//Exit any non-shutdown state immediately
	n.setState(Shutdown)

	//Stop and wait for concurrent operations
	close(n.shutdownCh)

	//wait for goroutines
	n.waitRoutines()

	//shutdown the timer
	n.controlTimer.Shutdown()

	if err := n.recorder.Flush(); err != nil {
		n.logger.WithError(err).Warning("Flushing metrics on shutdown")
	}

	if err := n.store.Close(); err != nil {
		n.logger.WithError(err).Error("Closing store")
	}
}
