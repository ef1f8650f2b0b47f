// Command cellmeshd is the minimal embedder entry point: it wires
// config -> store -> signer -> vm -> peer -> server. It is not a CLI
// front-end — no subcommands, only a couple of flags pointing at a
// config file and an optional .env override, feeding a constructor
// that takes a typed configuration record.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"cellmesh/cell"
	"cellmesh/config"
	"cellmesh/peer"
	"cellmesh/server"
	"cellmesh/signer"
	"cellmesh/store"
	"cellmesh/vm"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env", ".env", "path to an optional .env override file")
	flag.Parse()

	log := logrus.StandardLogger()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	st, err := store.New(log, cfg.CacheSize)
	if err != nil {
		log.WithError(err).Fatal("build store")
	}
	if cfg.RestoreFromRoot {
		if err := st.Restore(cfg.RestoreDir); err != nil {
			log.WithError(err).Fatal("restore store")
		}
	}

	var keys *signer.KeyPair
	if cfg.KeySeed != 0 {
		keys = signer.FromSeed(cfg.KeySeed)
	} else {
		keys, err = signer.Generate()
		if err != nil {
			log.WithError(err).Fatal("generate keypair")
		}
	}

	exec := vm.NewNativeVM()

	opts := server.Options{
		BindPort:        cfg.BindPort,
		AdvertisedURL:   cfg.AdvertisedURL,
		RestoreFromRoot: cfg.RestoreFromRoot,
		PersistOnClose:  cfg.PersistOnClose,
		RestoreDir:      cfg.RestoreDir,
		Logger:          log,
	}

	var srv *server.Server
	if cfg.RestoreFromRoot && st.GetRoot().Defined() {
		srv, err = server.Restore(opts, keys, st, exec)
		if err != nil {
			log.WithError(err).Fatal("restore peer")
		}
		log.WithField("root", st.GetRoot().String()).Info("restored peer from store root")
	} else {
		genesisState := emptyGenesisState(log)
		genesis, err := peer.NewGenesisPeer(context.Background(), keys, genesisState, nowMillis())
		if err != nil {
			log.WithError(err).Fatal("build genesis peer")
		}
		srv = server.New(opts, keys, st, exec, genesis)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv.Start(ctx)

	if cfg.BindPort > 0 {
		host, err := server.NewHost(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.BindPort))
		if err != nil {
			log.WithError(err).Fatal("build libp2p host")
		}
		defer host.Close()
		srv.ListenAndServe(host)
		topic, err := srv.JoinGossip(ctx, host)
		if err != nil {
			log.WithError(err).Fatal("join gossip")
		}
		go srv.RunConnector(ctx, server.Libp2pDialer(host))
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := srv.PublishBelief(ctx, topic, srv.Peer()); err != nil {
						log.WithError(err).Debug("gossip publish failed")
					}
					srv.CullInterests()
				}
			}
		}()
		log.WithField("port", cfg.BindPort).Info("listening")
	}

	log.WithField("peer", string(keys.AccountKey())).Info("cellmesh peer started")

	<-ctx.Done()
	log.Info("shutting down")
	if err := srv.Close(); err != nil {
		log.WithError(err).Error("shutdown error")
	}
}

// emptyGenesisState builds an empty accounts/peers State. Genesis-state
// bootstrapping is received as an opaque value from the embedder; this
// is that embedder's simplest possible choice, not a core responsibility.
func emptyGenesisState(log *logrus.Logger) *peer.State {
	accounts, err := cell.NewMap(nil)
	if err != nil {
		log.WithError(err).Fatal("build empty accounts map")
	}
	peers, err := cell.NewMap(nil)
	if err != nil {
		log.WithError(err).Fatal("build empty peers map")
	}
	state, err := peer.NewState(accounts, peers, nowMillis())
	if err != nil {
		log.WithError(err).Fatal("build genesis state")
	}
	return state
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
