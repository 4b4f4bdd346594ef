package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/ccoin/shielded/internal/config"
	"github.com/ccoin/shielded/internal/logging"
	"github.com/ccoin/shielded/internal/notestore"
	"github.com/ccoin/shielded/internal/p2p"
	"github.com/ccoin/shielded/internal/wallet"
)

// gatewayConn is a local libp2p node dialed into the gateway
type gatewayConn struct {
	node   *p2p.Node
	client *p2p.Client
	log    zerolog.Logger
	close  func() error
}

func (c *gatewayConn) Close() {
	c.client.Close()
	c.node.Close()
	c.close()
}

func connect(ctx context.Context, cfg *config.Config) (*gatewayConn, error) {
	if cfg.Gateway == "" {
		return nil, errNoGateway
	}
	log, closeLog, err := logging.New(cfg.LogLevel, cfg.Path(cfg.LogFile))
	if err != nil {
		return nil, err
	}

	ncfg := p2p.DefaultConfig()
	ncfg.ListenAddrs = []string{cfg.ListenAddr}
	ncfg.Logger = log
	node, err := p2p.NewNode(ctx, ncfg)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("failed to start p2p node: %w", err)
	}
	if err := node.Start(); err != nil {
		node.Close()
		closeLog()
		return nil, err
	}

	ccfg := p2p.DefaultClientConfig()
	ccfg.RequestTimeout = cfg.RequestTimeout.D()
	ccfg.Logger = log
	client, err := p2p.Dial(ctx, node, cfg.Gateway, ccfg)
	if err != nil {
		node.Close()
		closeLog()
		return nil, err
	}
	return &gatewayConn{node: node, client: client, log: log, close: closeLog}, nil
}

// withSession opens the wallet described by the config, runs fn and
// releases everything
func withSession(ctx context.Context, fn func(*wallet.Session) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	signer, created, err := wallet.LoadOrCreateSigner(cfg.Path(cfg.KeyFile))
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("Created wallet key for %s\n", signer.Account())
	}

	conn, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	backend, release, err := wallet.OpenBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer release()

	if cfg.Prover == config.ProverWorker && len(cfg.ProverArgs) == 0 {
		abs, err := filepath.Abs(configPath)
		if err != nil {
			return err
		}
		cfg.ProverArgs = []string{"--config", abs}
	}
	proofs, err := wallet.NewProverBackend(cfg)
	if err != nil {
		return err
	}

	ws, err := wallet.Open(ctx, wallet.Options{
		Config:  cfg,
		Ledger:  conn.client,
		Signer:  signer,
		Backend: backend,
		Prover:  proofs,
		Logger:  conn.log,
	})
	if errors.Is(err, notestore.ErrDecryptionMismatch) {
		fmt.Fprintln(os.Stderr, "Warning: the note store belongs to a different wallet; no notes are available.")
	} else if err != nil {
		return err
	}
	return fn(ws)
}
