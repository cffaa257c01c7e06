package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"ilpnode/internal/config"
	"ilpnode/internal/crypto"
	"ilpnode/internal/logging"
	"ilpnode/internal/node"
	"ilpnode/internal/pprofutil"
	"ilpnode/internal/store"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "ilp-node",
		Short:         "Interledger connector node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.AddCommand(newRunCmd(), newIDCmd(), newPeersCmd(), newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the connector until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			log := logging.ConfigureRuntime()
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := pprofutil.StartFromEnv(ctx, log); err != nil {
				return err
			}
			n, err := node.New(cfg, node.Options{Log: log})
			if err != nil {
				return fmt.Errorf("load node failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "READY address=%s listen=%s node_id=%s\n", cfg.Node.Address, cfg.Listen.Addr, n.ID)
			return n.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "ilpnode.toml", "path to the TOML configuration")
	return cmd
}

func newIDCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "id",
		Short: "Print this node's id, generating a key on first use",
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, created, err := crypto.LoadOrCreateStatic(dir)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.ErrOrStderr(), "generated new node key in %s\n", dir)
			}
			fmt.Fprintln(cmd.OutOrStdout(), k.NodeID())
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "store", config.DefaultStorePath, "node store directory")
	return cmd
}

func newPeersCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List nodes known to the local store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(dir); err != nil {
				return fmt.Errorf("peers: store unavailable: %w", err)
			}
			st, err := store.OpenFile(dir)
			if err != nil {
				return err
			}
			nodes, err := store.Nodes{Rows: st}.List()
			if err != nil {
				return err
			}
			sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
			regs := store.Registrations{Rows: st}
			out := cmd.OutOrStdout()
			for _, n := range nodes {
				url := n.URL
				if url == "" {
					url = "unknown"
				}
				line := fmt.Sprintf("%s url=%s", n.ID, url)
				if n.Alias != "" {
					line += " alias=" + n.Alias
				}
				reg, err := regs.Get(n.ID)
				switch {
				case err == nil:
					line += " renewed=" + reg.RenewedAt.UTC().Format("2006-01-02T15:04:05Z")
				case errors.Is(err, store.ErrNotFound):
					line += " unregistered"
				default:
					return err
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "store", config.DefaultStorePath, "node store directory")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "ilp-node", version)
		},
	}
}
