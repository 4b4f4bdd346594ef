// Shielded devnet daemon: an in-process shielded pool ledger served over libp2p
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/rs/zerolog"

	"github.com/ccoin/shielded/internal/ledger/memledger"
	"github.com/ccoin/shielded/internal/logging"
	"github.com/ccoin/shielded/internal/p2p"
	"github.com/ccoin/shielded/internal/zkp"
	"github.com/ccoin/shielded/pkg/types"
)

const (
	version = "0.1.0"
	banner  = `
       _     _      _     _        _
   ___| |__ (_) ___| | __| |  __| |
  / __| '_ \| |/ _ \ |/ _' | / _' |
  \__ \ | | | |  __/ | (_| || (_| |
  |___/_| |_|_|\___|_|\__,_| \__,_|

  Shielded pool devnet v%s
`
)

// Config holds node configuration
type Config struct {
	// Network
	ListenAddr string
	NodeKey    string

	// Ledger
	Depth         int
	RootHistory   int
	BlockInterval time.Duration
	FinalityLag   uint64
	Verify        bool
	KeyDir        string
	Fund          string

	// Logging
	LogLevel string
	LogFile  string
}

func main() {
	cfg := parseFlags()

	fmt.Printf(banner, version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.ListenAddr, "listen", "/ip4/127.0.0.1/tcp/9400", "P2P listen address")
	flag.StringVar(&cfg.NodeKey, "node-key", "shieldd.p2pkey", "libp2p identity key file (created if missing)")

	flag.IntVar(&cfg.Depth, "depth", zkp.DefaultTreeDepth, "Commitment tree depth")
	flag.IntVar(&cfg.RootHistory, "root-history", 1, "Number of recent roots accepted as proof anchors")
	flag.DurationVar(&cfg.BlockInterval, "block-interval", 2*time.Second, "Block production interval")
	flag.Uint64Var(&cfg.FinalityLag, "finality-lag", 1, "Blocks between inclusion and finality")
	flag.BoolVar(&cfg.Verify, "verify", false, "Verify Groth16 proofs with keys from -key-dir")
	flag.StringVar(&cfg.KeyDir, "key-dir", "circuit-keys", "Circuit key directory shared with wallets")
	flag.StringVar(&cfg.Fund, "fund", "", "Initial public balances: addr=amount[,addr=amount]")

	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFile, "log-file", "", "Additional JSON log file")

	flag.Parse()

	return cfg
}

func run(ctx context.Context, cfg *Config) error {
	log, closeLog, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer closeLog()

	lcfg := memledger.DefaultConfig()
	lcfg.Depth = cfg.Depth
	lcfg.RootHistory = cfg.RootHistory
	lcfg.BlockInterval = cfg.BlockInterval
	lcfg.FinalityLag = cfg.FinalityLag
	lcfg.Logger = log
	if cfg.Verify {
		log.Info().Str("key_dir", cfg.KeyDir).Msg("preparing circuits")
		cm := zkp.NewCircuitManager(cfg.Depth)
		if err := cm.CompileWithKeys(cfg.KeyDir); err != nil {
			return fmt.Errorf("failed to prepare circuits: %w", err)
		}
		lcfg.Verifier = cm
	}

	l, err := memledger.New(ctx, lcfg)
	if err != nil {
		return fmt.Errorf("failed to create ledger: %w", err)
	}
	if err := fund(l, cfg.Fund, log); err != nil {
		return err
	}

	key, err := loadNodeKey(cfg.NodeKey)
	if err != nil {
		return err
	}
	ncfg := p2p.DefaultConfig()
	ncfg.ListenAddrs = []string{cfg.ListenAddr}
	ncfg.PrivateKey = key
	ncfg.Logger = log
	node, err := p2p.NewNode(ctx, ncfg)
	if err != nil {
		return fmt.Errorf("failed to start p2p node: %w", err)
	}
	defer node.Close()
	if err := node.Start(); err != nil {
		return err
	}

	scfg := p2p.DefaultServerConfig()
	scfg.Logger = log
	srv := p2p.Serve(node, l, scfg)
	defer srv.Close()

	for _, addr := range node.FullAddrs() {
		fmt.Printf("Gateway: %s\n", addr)
	}
	log.Info().Int("depth", cfg.Depth).Bool("verify", cfg.Verify).Dur("block_interval", cfg.BlockInterval).Msg("ledger started")
	fmt.Println("Press Ctrl+C to stop.")

	if err := l.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Println("Node stopped.")
	return nil
}

// fund credits the initial balances given as addr=amount pairs
func fund(l *memledger.Ledger, pairs string, log zerolog.Logger) error {
	if pairs == "" {
		return nil
	}
	for _, pair := range strings.Split(pairs, ",") {
		addrStr, amountStr, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return fmt.Errorf("invalid -fund entry %q", pair)
		}
		addr, err := types.ParseAddress(addrStr)
		if err != nil {
			return fmt.Errorf("invalid -fund address %q: %w", addrStr, err)
		}
		amount, err := strconv.ParseUint(amountStr, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid -fund amount %q: %w", amountStr, err)
		}
		l.Credit(addr, amount)
		log.Info().Str("account", addr.String()).Uint64("amount", amount).Msg("account funded")
	}
	return nil
}

// loadNodeKey reads the libp2p identity, creating it when missing so the
// gateway address survives restarts
func loadNodeKey(path string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return crypto.UnmarshalPrivateKey(data)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("failed to save node key: %w", err)
	}
	return key, nil
}
