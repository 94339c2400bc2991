// Command potnode runs one Proof-of-Trust node: load config, open the
// on-disk managers, optionally bootstrap against a genesis peer, then
// serve the HTTP API while the verifier/block-maker/agreement loops run
// in the background. Grounded on cmd/synnergy/main.go's cobra root+
// subcommand shape.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"potnode/api"
	"potnode/core"
	"potnode/pkg/config"
)

func main() {
	root := &cobra.Command{Use: "potnode"}
	root.AddCommand(startCmd())
	root.AddCommand(keysCmd())
	root.AddCommand(chainCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "load config and run the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart()
		},
	}
}

func keysCmd() *cobra.Command {
	root := &cobra.Command{Use: "keys"}
	root.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "print this node's identity without starting it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			ks, err := core.LoadOrCreateKeystore(cfg.StorageDir)
			if err != nil {
				return err
			}
			pem, err := ks.PublicKeyPEM()
			if err != nil {
				return err
			}
			fmt.Printf("identifier: %s\n%s", ks.ID, pem)
			return nil
		},
	})
	return root
}

func chainCmd() *cobra.Command {
	root := &cobra.Command{Use: "chain"}
	root.AddCommand(&cobra.Command{
		Use:   "verify [dir]",
		Short: "check codec and linkage invariants over a blockchain file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			storage, err := core.NewFileStorage(filepath.Join(args[0], "blockchain"))
			if err != nil {
				return err
			}
			chainMgr, err := core.NewChainManager(storage)
			if err != nil {
				return err
			}
			blocks, err := chainMgr.All()
			if err != nil {
				return err
			}
			for i, blk := range blocks {
				want := core.GenesisPrevHash()
				if i > 0 {
					want = core.HashBlock(*blocks[i-1])
				}
				if blk.PrevHash != want {
					return fmt.Errorf("block %d: prev hash does not link to its predecessor", i)
				}
			}
			fmt.Printf("%d block(s), codec and linkage OK\n", len(blocks))
			return nil
		},
	})
	return root
}

func runStart() error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := newLogger(cfg)
	log.WithField("storage_dir", cfg.StorageDir).Info("starting potnode")

	ks, err := core.LoadOrCreateKeystore(cfg.StorageDir)
	if err != nil {
		return fmt.Errorf("keystore: %w", err)
	}

	self := core.Node{ID: ks.ID, Port: uint16(cfg.Port), Type: core.ParseNodeType(cfg.NodeType)}

	chain, nodes, validators, pending, verified, trust, history, agreement, err := openManagers(cfg, ks.ID)
	if err != nil {
		return err
	}

	client := core.NewClient(log)
	engine := core.NewEngine(self, ks, chain, nodes, validators, pending, verified, trust, history, agreement,
		client, log, cfg.ValidatorsPart)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.GenesisNode != "" {
		if err := bootstrapIfNeeded(ctx, engine, cfg.GenesisNode); err != nil {
			log.WithError(err).Warn("genesis bootstrap failed, continuing standalone")
		}
	}

	go engine.RunVerifierLoop(ctx)
	go engine.RunBlockMakerLoop(ctx)
	go engine.RunAgreementLoop(ctx)

	srv := api.NewServer(fmt.Sprintf(":%d", cfg.Port), engine, log, cfg.MinDelay, cfg.MaxDelay)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-sigCh:
		log.Info("shutting down")
		cancel()
		return srv.Shutdown()
	}
	return nil
}

func openManagers(cfg *config.Config, selfID uuid.UUID) (
	*core.ChainManager, *core.NodeManager, *core.ValidatorManager,
	*core.PendingTxManager, *core.VerifiedTxManager,
	*core.TrustManager, *core.TrustHistoryManager, *core.AgreementManager, error,
) {
	path := func(name string) string { return filepath.Join(cfg.StorageDir, name) }

	chainStorage, err := core.NewFileStorage(path("blockchain"))
	if err != nil {
		return nil, nil, nil, nil, nil, nil, nil, nil, err
	}
	chain, err := core.NewChainManager(chainStorage)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, nil, nil, err
	}

	nodesStorage, err := core.NewFileStorage(path("nodes"))
	if err != nil {
		return nil, nil, nil, nil, nil, nil, nil, nil, err
	}
	nodes, err := core.NewNodeManager(nodesStorage, selfID)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, nil, nil, err
	}

	validatorsStorage, err := core.NewFileStorage(path("validators"))
	if err != nil {
		return nil, nil, nil, nil, nil, nil, nil, nil, err
	}
	validators, err := core.NewValidatorManager(validatorsStorage)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, nil, nil, err
	}

	pendingStorage, err := core.NewFileStorage(path("transaction"))
	if err != nil {
		return nil, nil, nil, nil, nil, nil, nil, nil, err
	}
	pending, err := core.NewPendingTxManager(pendingStorage)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, nil, nil, err
	}

	verifiedStorage, err := core.NewFileStorage(path("transaction_verified"))
	if err != nil {
		return nil, nil, nil, nil, nil, nil, nil, nil, err
	}
	verified, err := core.NewVerifiedTxManager(verifiedStorage)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, nil, nil, err
	}

	trustStorage, err := core.NewFileStorage(path("nodes_trust"))
	if err != nil {
		return nil, nil, nil, nil, nil, nil, nil, nil, err
	}
	trust, err := core.NewTrustManager(trustStorage)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, nil, nil, err
	}

	historyStorage, err := core.NewFileStorage(path("node_trust_history"))
	if err != nil {
		return nil, nil, nil, nil, nil, nil, nil, nil, err
	}
	history, err := core.NewTrustHistoryManager(historyStorage)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, nil, nil, err
	}

	agreementList, err := core.NewFileStorage(path("validators_agreement"))
	if err != nil {
		return nil, nil, nil, nil, nil, nil, nil, nil, err
	}
	agreementInfo, err := core.NewFileStorage(path("validators_agreement_info"))
	if err != nil {
		return nil, nil, nil, nil, nil, nil, nil, nil, err
	}
	agreementResult, err := core.NewFileStorage(path("validator_agreement_result"))
	if err != nil {
		return nil, nil, nil, nil, nil, nil, nil, nil, err
	}
	agreement, err := core.NewAgreementManager(agreementList, agreementInfo, agreementResult)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, nil, nil, err
	}

	return chain, nodes, validators, pending, verified, trust, history, agreement, nil
}

// bootstrapIfNeeded registers with GENESIS_NODE and pulls its chain and
// roster if this node doesn't already know about itself (spec.md's
// genesis handshake, supplemented from original_source/pos/network/node.py).
func bootstrapIfNeeded(ctx context.Context, engine *core.Engine, genesisHost string) error {
	if _, ok, err := engine.Nodes.FindByID(engine.Self.ID); err != nil {
		return err
	} else if ok {
		return nil
	}

	genesis := core.Node{Host: genesisHost, Port: engine.Self.Port}
	result, err := core.Bootstrap(ctx, engine.Client, genesis, engine.Self)
	if err != nil {
		return err
	}

	genesis.Host = result.ObservedHost
	if err := engine.Nodes.MergeFromPeer(append(result.Nodes, genesis)); err != nil {
		return err
	}
	for _, blk := range result.Chain {
		if err := engine.Chain.Add(*blk); err != nil {
			return err
		}
	}

	peers, err := engine.Nodes.ExcludeSelf()
	if err != nil {
		return err
	}
	for _, p := range peers {
		_ = core.AnnounceSelf(ctx, engine.Client, p, engine.Self)
	}
	return nil
}

func newLogger(cfg *config.Config) *logrus.Entry {
	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err == nil {
			if f, err := os.OpenFile(filepath.Join(cfg.LogDir, "potnode.log"),
				os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				log.SetOutput(f)
			}
		}
	}
	return logrus.NewEntry(log)
}
