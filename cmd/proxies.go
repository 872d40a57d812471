// File: cmd/proxies.go
package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scalpel-harvest/internal/network"
	"github.com/xkilldash9x/scalpel-harvest/internal/observability"
	"github.com/xkilldash9x/scalpel-harvest/internal/orchestrator"
	"github.com/xkilldash9x/scalpel-harvest/internal/proxypool"
)

func newProxiesCmd() *cobra.Command {
	proxiesCmd := &cobra.Command{
		Use:   "proxies",
		Short: "Proxy list utilities",
	}
	proxiesCmd.AddCommand(newProxiesTestCmd())
	return proxiesCmd
}

func newProxiesTestCmd() *cobra.Command {
	var file, keep string
	var parallelism int

	testCmd := &cobra.Command{
		Use:   "test",
		Short: "Imports a proxy list and probes every entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			cfg.SetProxyImportFile(file)

			factory := network.NewFactory(network.ClientConfigFromNetwork(cfg.Network()), logger)
			defer factory.CloseIdle()
			pool, err := orchestrator.NewProxyPool(cfg, factory, logger)
			if err != nil {
				return err
			}
			if pool.Stats().Total == 0 {
				return fmt.Errorf("no usable proxies in %s", file)
			}

			results := pool.TestAll(ctx, parallelism)
			printProbeResults(cmd.OutOrStdout(), pool, results)

			stats := pool.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d available, %d failing, %d banned of %d\n", stats.Available, stats.Failing, stats.Banned, stats.Total)
			if err := ctx.Err(); err != nil {
				return err
			}
			if keep != "" {
				removed, err := keepPassing(pool, results, keep)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "kept %d, removed %d, written to %s\n", pool.Stats().Total, removed, keep)
			}
			return nil
		},
	}

	testCmd.Flags().StringVarP(&file, "file", "f", "", "proxy list, one proxy per line")
	testCmd.Flags().IntVar(&parallelism, "parallelism", 8, "probes running at once")
	testCmd.Flags().StringVar(&keep, "keep", "", "write the proxies that passed to this file")
	_ = testCmd.MarkFlagRequired("file")
	return testCmd
}

// keepPassing removes every proxy whose probe failed and writes the rest
// to path in list format.
func keepPassing(pool *proxypool.Pool, results []proxypool.ProbeResult, path string) (int, error) {
	removed := 0
	for _, r := range results {
		if !r.OK && pool.Remove(r.ProxyID) {
			removed++
		}
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return removed, err
	}
	f, err := os.Create(expanded)
	if err != nil {
		return removed, fmt.Errorf("creating %s: %w", path, err)
	}
	if err := pool.Export(f); err != nil {
		_ = f.Close()
		return removed, fmt.Errorf("writing %s: %w", path, err)
	}
	return removed, f.Close()
}

func printProbeResults(w io.Writer, pool *proxypool.Pool, results []proxypool.ProbeResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROXY\tSTATUS\tLATENCY\tERROR")
	for _, r := range results {
		addr := r.ProxyID
		if p, ok := pool.Get(r.ProxyID); ok {
			addr = p.URL
		}
		errText := ""
		if r.Err != nil {
			errText = r.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", addr, r.Status, r.Latency.Round(1e6), errText)
	}
	_ = tw.Flush()
}
