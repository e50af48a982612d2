package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/primaryrutabaga/umpire/pkg/config"
	"github.com/primaryrutabaga/umpire/pkg/resource"
	"github.com/primaryrutabaga/umpire/pkg/selector"
	"github.com/primaryrutabaga/umpire/pkg/server"
)

func buildDeployCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy <config-key>",
		Short: "Deploy a stored umpire config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := server.NewClient(serverURL).Deploy(cmd.Context(), args[0])
			if err != nil {
				var rpcErr *server.RPCError
				if errors.As(err, &rpcErr) && rpcErr.Kind() == server.FaultRollbackFatal {
					return fmt.Errorf("rollback failed, server stopped: %w", err)
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), result)
			return nil
		},
	}
}

func buildAddConfigCmd() *cobra.Command {
	var typeName string
	cmd := &cobra.Command{
		Use:   "add-config <file>",
		Short: "Store a config file and print its resource key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			key, err := server.NewClient(serverURL).AddConfig(cmd.Context(), string(data), typeName)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
	cmd.Flags().StringVar(&typeName, "type", resource.TypeUmpireConfig.Name, "Config type (umpire_config or payload_config)")
	return cmd
}

func buildStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the server version, deploy state and active config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := server.NewClient(serverURL)
			ctx := cmd.Context()
			v, err := c.GetVersion(ctx)
			if err != nil {
				return err
			}
			state, err := c.GetDeployState(ctx)
			if err != nil {
				return err
			}
			active, err := c.GetActiveConfig(ctx)
			if err != nil {
				var rpcErr *server.RPCError
				if !errors.As(err, &rpcErr) || rpcErr.Kind() != server.FaultNotFound {
					return err
				}
				active = "<none>"
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "server:  %s\n", serverURL)
			fmt.Fprintf(out, "version: %s\n", v)
			fmt.Fprintf(out, "state:   %s\n", state)
			fmt.Fprintf(out, "active:  %s\n", active)
			return nil
		},
	}
}

func buildSelectCmd() *cobra.Command {
	var configPath, dut string
	cmd := &cobra.Command{
		Use:   "select",
		Short: "Show which bundle a device would receive from a local config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			info, err := selector.ParseDUTHeader(dut)
			if err != nil {
				return err
			}
			ruleset, ok := selector.SelectRuleset(cfg, info)
			if !ok {
				return fmt.Errorf("no ruleset matches %s", info)
			}
			bundle, ok := cfg.FindBundle(ruleset.BundleID)
			if !ok {
				return fmt.Errorf("bundle %q not found", ruleset.BundleID)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ruleset: %s\n", ruleset.Note)
			fmt.Fprintf(out, "id: %s\n", bundle.ID)
			fmt.Fprintf(out, "note: %s\n", bundle.Note)
			fmt.Fprintf(out, "payloads: %s\n", bundle.Payloads)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to an umpire config")
	cmd.Flags().StringVar(&dut, "dut", "", "Device info, e.g. 'mac.eth0=aa:bb:cc:dd:ee:ff; stage=SMT'")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("dut")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print client and server versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "client: %s (commit: %s)\n", version, commit)
			v, err := server.NewClient(serverURL).GetVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "server: %s\n", v)
			return nil
		},
	}
}
