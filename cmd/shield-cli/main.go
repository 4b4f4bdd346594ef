// Shield CLI - wallet for the shielded pool
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ccoin/shielded/internal/config"
	"github.com/ccoin/shielded/internal/ledger"
	"github.com/ccoin/shielded/internal/notestore"
	"github.com/ccoin/shielded/internal/pipeline"
	"github.com/ccoin/shielded/internal/prover"
	"github.com/ccoin/shielded/internal/wallet"
	"github.com/ccoin/shielded/pkg/types"
)

const version = "0.1.0"

var (
	configPath string
	gateway    string
	logLevel   string
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := &cobra.Command{
		Use:           "shield-cli",
		Short:         "Shielded pool wallet",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "shielded.json", "Wallet configuration file")
	rootCmd.PersistentFlags().StringVar(&gateway, "gateway", "", "Gateway multiaddr (overrides the config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides the config)")

	rootCmd.AddCommand(
		initCmd(),
		addressCmd(),
		balanceCmd(),
		notesCmd(),
		depositCmd(),
		withdrawCmd(),
		transferCmd(),
		exportCmd(),
		importCmd(),
		reconcileCmd(),
		watchCmd(),
		proveWorkerCmd(),
	)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if reason := pipeline.ReasonOf(err); reason != pipeline.ReasonNone {
			fmt.Fprintf(os.Stderr, "Reason: %s\n", reason)
		}
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the persistent flags
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if gateway != "" {
		cfg.Gateway = gateway
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

func initCmd() *cobra.Command {
	var dataDir string
	var depth int
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file and create the wallet key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("%s already exists", configPath)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if depth > 0 {
				cfg.TreeDepth = depth
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(cfg, configPath); err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
				return err
			}
			signer, _, err := wallet.LoadOrCreateSigner(cfg.Path(cfg.KeyFile))
			if err != nil {
				return err
			}
			fmt.Printf("Config:  %s\n", configPath)
			fmt.Printf("Address: %s\n", signer.Account())
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Data directory")
	cmd.Flags().IntVar(&depth, "depth", 0, "Commitment tree depth")
	return cmd
}

func addressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "address",
		Short: "Show the public account address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			signer, err := ledger.LoadKeySigner(cfg.Path(cfg.KeyFile))
			if err != nil {
				return fmt.Errorf("load key (run init first): %w", err)
			}
			fmt.Println(signer.Account())
			return nil
		},
	}
}

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show shielded and public balances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(s *wallet.Session) error {
				public, err := s.Ledger.Balance(cmd.Context(), s.Signer.Account())
				if err != nil {
					return err
				}
				fmt.Printf("Shielded: %s\n", s.Notes.Balance().Dec())
				fmt.Printf("Public:   %d\n", public)
				return nil
			})
		},
	}
}

func notesCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "notes",
		Short: "List notes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(s *wallet.Session) error {
				var notes []*notestore.Note
				if all {
					notes = s.Notes.List()
				} else {
					notes = s.Notes.List(notestore.StatusUnconfirmed, notestore.StatusUnspent, notestore.StatusPendingSpend)
				}
				if len(notes) == 0 {
					fmt.Println("No notes.")
					return nil
				}
				fmt.Printf("%-66s %12s %-14s %s\n", "ID", "AMOUNT", "STATUS", "LEAF")
				for _, n := range notes {
					leaf := "-"
					if n.HasLeaf {
						leaf = strconv.FormatUint(n.LeafIndex, 10)
					}
					fmt.Printf("%-66s %12s %-14s %s\n", n.ID(), n.Amount.Dec(), n.Status, leaf)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include spent notes")
	return cmd
}

func depositCmd() *cobra.Command {
	var fee uint64
	cmd := &cobra.Command{
		Use:   "deposit <amount>",
		Short: "Move public funds into a new note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(s *wallet.Session) error {
				res, err := s.Runner.Deposit(cmd.Context(), pipeline.Deposit{Amount: amount, Fee: fee})
				if err != nil {
					return err
				}
				printResult(res)
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&fee, "fee", 0, "Fee paid from the public account")
	return cmd
}

func withdrawCmd() *cobra.Command {
	var fee uint64
	var noteIDs []string
	cmd := &cobra.Command{
		Use:   "withdraw <recipient> <amount>",
		Short: "Spend notes to a public address",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			ids, err := parseNoteIDs(noteIDs)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(s *wallet.Session) error {
				res, err := s.Runner.Withdraw(cmd.Context(), pipeline.Withdraw{
					Notes:     ids,
					Amount:    amount,
					Recipient: args[0],
					Fee:       fee,
				})
				if err != nil {
					return err
				}
				printResult(res)
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&fee, "fee", 0, "Fee paid from the notes")
	cmd.Flags().StringSliceVar(&noteIDs, "note", nil, "Note ids to spend (selected automatically when omitted)")
	return cmd
}

func transferCmd() *cobra.Command {
	var fee uint64
	var noteIDs []string
	cmd := &cobra.Command{
		Use:   "transfer <amount>...",
		Short: "Split or merge notes into new notes",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputs := make([]uint64, len(args))
			for i, arg := range args {
				v, err := parseAmount(arg)
				if err != nil {
					return err
				}
				outputs[i] = v
			}
			ids, err := parseNoteIDs(noteIDs)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(s *wallet.Session) error {
				res, err := s.Runner.Transfer(cmd.Context(), pipeline.Transfer{Notes: ids, Outputs: outputs, Fee: fee})
				if err != nil {
					return err
				}
				printResult(res)
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&fee, "fee", 0, "Fee paid from the notes")
	cmd.Flags().StringSliceVar(&noteIDs, "note", nil, "Note ids to spend (selected automatically when omitted)")
	return cmd
}

func exportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export notes as plaintext JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(s *wallet.Session) error {
				data, err := s.Notes.Export()
				if err != nil {
					return err
				}
				if out == "" {
					_, err = os.Stdout.Write(append(data, '\n'))
					return err
				}
				return os.WriteFile(out, data, 0o600)
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (stdout when omitted)")
	return cmd
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import notes exported from another wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(s *wallet.Session) error {
				n, err := s.Notes.Import(cmd.Context(), data)
				if err != nil {
					return err
				}
				fmt.Printf("Imported %d notes.\n", n)
				report, err := s.Runner.Reconcile(cmd.Context())
				if err != nil {
					return err
				}
				printReport(report)
				return nil
			})
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Bring note statuses in line with the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(s *wallet.Session) error {
				report, err := s.Runner.Reconcile(cmd.Context())
				if err != nil {
					return err
				}
				printReport(report)
				return nil
			})
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print status gossip from the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer conn.Close()

			unsubscribe := conn.client.OnStatus(func(ev ledger.StatusEvent) {
				fmt.Printf("%-10s tx=%s block=%d leaves=%d nullifiers=%d %s\n",
					ev.Kind, ev.TxHash.Short(), ev.Block, len(ev.Appended), len(ev.Nullifiers), ev.Reason)
			})
			defer unsubscribe()

			fmt.Println("Watching status gossip. Press Ctrl+C to stop.")
			<-cmd.Context().Done()
			return nil
		},
	}
}

// proveWorkerCmd serves one exec prover request on stdin/stdout with the
// groth16 backend. The worker prover runs it as a child process.
func proveWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    wallet.WorkerCommand,
		Short:  "Answer one proof request on stdin",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Prover = config.ProverGroth16
			backend, err := wallet.NewProverBackend(cfg)
			if err != nil {
				return err
			}
			return prover.ServeExec(cmd.Context(), backend, os.Stdin, os.Stdout)
		},
	}
}

func parseAmount(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

func parseNoteIDs(raw []string) ([]notestore.NoteID, error) {
	ids := make([]notestore.NoteID, 0, len(raw))
	for _, s := range raw {
		id, err := types.HexToHash(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("invalid note id %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printResult(res *pipeline.Result) {
	fmt.Printf("State:   %s\n", res.State)
	fmt.Printf("Tx:      %s\n", res.TxHash)
	if res.Block > 0 {
		fmt.Printf("Block:   %d\n", res.Block)
	}
	for _, id := range res.Spent {
		fmt.Printf("Spent:   %s\n", id)
	}
	for _, id := range res.Created {
		fmt.Printf("Created: %s\n", id)
	}
	if res.Refund > 0 {
		fmt.Printf("Refund:  %d\n", res.Refund)
	}
	if res.State == pipeline.StatePending {
		fmt.Println("Finality not observed yet; run reconcile later.")
	}
}

func printReport(r *notestore.ReconcileReport) {
	if !r.Changed() {
		fmt.Println("Notes are in sync.")
		return
	}
	fmt.Printf("Spent: %d  Reverted: %d  Confirmed: %d\n", len(r.Spent), len(r.Reverted), len(r.Confirmed))
}

var errNoGateway = errors.New("no gateway configured (set gateway in the config or pass --gateway)")
