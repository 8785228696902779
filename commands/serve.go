package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"gossipmesh/config"
	"gossipmesh/datastore/leveldb"
	"gossipmesh/net/transport"
	"gossipmesh/swarm/node"
	"gossipmesh/telemetry"

	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

var ErrMissingFlag = errors.New("missing required flag")

// ServeFlags is the serve command line. Set holds the names of the flags that
// were given explicitly.
type ServeFlags struct {
	ConfigFile string
	Port       int
	Period     int
	Connect    string
	PeerBook   string
	Metrics    string
	Set        map[string]bool
}

// ResolveServeConfig builds the node configuration from an optional config
// file and the flags, which take precedence. Without a config file -port and
// -period must both be given.
func ResolveServeConfig(f ServeFlags) (*config.Config, error) {
	var cfg *config.Config

	if f.ConfigFile != "" {
		var err error
		if cfg, err = config.NewConfigFromFile(f.ConfigFile); err != nil {
			return nil, err
		}
	} else {
		for _, name := range []string{"port", "period"} {
			if !f.Set[name] {
				return nil, fmt.Errorf("%w: -%s (or -config)", ErrMissingFlag, name)
			}
		}
		cfg = config.NewEmptyConfig("")
		// Several nodes usually share a host; only persist when asked to.
		cfg.DataStore.PeerBookPath = ""
	}

	if f.Set["port"] {
		cfg.Network.Port = f.Port
	}
	if f.Set["period"] {
		cfg.Gossip.Period = f.Period
	}
	if f.Set["connect"] {
		cfg.Network.Bootstrap = f.Connect
	}
	if f.Set["peerbook"] {
		cfg.DataStore.PeerBookPath = f.PeerBook
	}
	if f.Set["metrics"] {
		cfg.Metrics.Listen = f.Metrics
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func RunServe(ctx context.Context, cfg *config.Config) {
	if err := Serve(ctx, cfg); err != nil {
		log.Fatalf("Node failed: %v", err)
	}
	log.Info("Node stopped")
}

// Serve runs a node until ctx is cancelled. Everything it opened is closed
// before it returns.
func Serve(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	tr, err := transport.Listen(cfg.ListenAddress())
	if err != nil {
		return fmt.Errorf("failed to start the node: %w", err)
	}

	opts := []node.Option{
		node.WithBootstrap(cfg.Network.Bootstrap),
		node.WithGossipPeriod(cfg.GossipInterval()),
	}

	if path := cfg.DataStore.PeerBookPath; path != "" {
		book, err := leveldb.NewPeerBook(path)
		if err != nil {
			tr.Close()
			return fmt.Errorf("failed to open peer book: %w", err)
		}
		defer book.Close()
		opts = append(opts, node.WithPeerBook(book))
	}

	n, err := node.New(tr.Addr(), tr, opts...)
	if err != nil {
		tr.Close()
		return err
	}

	if err := telemetry.RegisterUptime(time.Now()); err != nil {
		log.Warnf("Uptime metric not registered: %v", err)
	}

	wg, cctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return n.Run(cctx)
	})

	if addr := cfg.Metrics.Listen; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		wg.Go(func() error {
			log.Infof("Serving metrics on http://%s/metrics", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})

		wg.Go(func() error {
			<-cctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	return wg.Wait()
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}
