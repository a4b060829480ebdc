// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// idbremote runs the pieces of the idb-remote system: the bridge relay,
// a provider agent over a local data directory, and one-shot client
// commands for inspecting and dumping remote databases.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/spf13/cobra"

	"github.com/lightsofapollo/idb-remote/internal/bridge"
	"github.com/lightsofapollo/idb-remote/internal/client"
	"github.com/lightsofapollo/idb-remote/internal/config"
	"github.com/lightsofapollo/idb-remote/internal/localdb"
	"github.com/lightsofapollo/idb-remote/internal/provider"
)

const clientTimeout = 30 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "idbremote",
		Short:         "Remote access to embedded object-store databases",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	loadConfig := func() (config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return config.Config{}, errors.Trace(err)
		}
		if err := loggo.ConfigureLoggers(cfg.LoggingConfig); err != nil {
			return config.Config{}, errors.Annotate(err, "configuring loggers")
		}
		return cfg, nil
	}

	root.AddCommand(
		serveCmd(loadConfig),
		provideCmd(loadConfig),
		databasesCmd(loadConfig),
		storesCmd(loadConfig),
		dumpCmd(loadConfig),
	)
	return root
}

func serveCmd(loadConfig func() (config.Config, error)) *cobra.Command {
	var listenAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return errors.Trace(err)
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			b, err := bridge.NewBridge(bridge.Config{
				ListenAddr: cfg.ListenAddr,
				Clock:      clock.WallClock,
			})
			if err != nil {
				return errors.Trace(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bridge listening on %s\n", b.Addr())
			return waitForSignal(b.Kill, b.Wait)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address, overriding the config")
	return cmd
}

func provideCmd(loadConfig func() (config.Config, error)) *cobra.Command {
	var domain, dataDir string
	cmd := &cobra.Command{
		Use:   "provide",
		Short: "Expose a local data directory through the bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return errors.Trace(err)
			}
			if domain != "" {
				cfg.Domain = domain
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			store, err := localdb.Open(cfg.DataDir)
			if err != nil {
				return errors.Trace(err)
			}
			if len(cfg.Databases) > 0 {
				store.ExposeDatabases(cfg.Databases...)
			}
			agent, err := provider.NewAgent(provider.Config{
				BridgeURL: cfg.BridgeURL,
				Domain:    cfg.Domain,
				Store:     store,
				Clock:     clock.WallClock,
			})
			if err != nil {
				return errors.Trace(err)
			}
			return waitForSignal(agent.Kill, agent.Wait)
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "domain to register, overriding the config")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory, overriding the config")
	return cmd
}

func databasesCmd(loadConfig func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "databases [domain]",
		Short: "List remote databases, all of them or one provider's",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(loadConfig, func(ctx context.Context, conn *client.Client) error {
				var names []string
				var err error
				if len(args) == 1 {
					names, err = conn.DomainDatabases(ctx, args[0])
				} else {
					names, err = conn.Databases(ctx)
				}
				if err != nil {
					return errors.Trace(err)
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			})
		},
	}
}

func storesCmd(loadConfig func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "stores <domain@database>",
		Short: "List the object stores of a remote database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(loadConfig, func(ctx context.Context, conn *client.Client) error {
				stores, err := conn.ObjectStores(ctx, args[0])
				if err != nil {
					return errors.Trace(err)
				}
				for _, store := range stores {
					fmt.Fprintln(cmd.OutOrStdout(), store)
				}
				return nil
			})
		},
	}
}

func dumpCmd(loadConfig func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "dump <domain@database> <store>",
		Short: "Stream every record of a remote object store as JSON lines",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(loadConfig, func(ctx context.Context, conn *client.Client) error {
				stream, err := conn.All(ctx, args[0], args[1])
				if err != nil {
					return errors.Trace(err)
				}
				for {
					record, err := stream.Next(ctx)
					if err == io.EOF {
						return nil
					}
					if err != nil {
						return errors.Trace(err)
					}
					fmt.Fprintln(cmd.OutOrStdout(), string(record))
				}
			})
		},
	}
}

func withClient(loadConfig func() (config.Config, error), fn func(context.Context, *client.Client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return errors.Trace(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
	defer cancel()
	conn, err := client.Dial(ctx, cfg.BridgeURL)
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()
	return errors.Trace(fn(ctx, conn))
}

func waitForSignal(kill func(), wait func() error) error {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan error, 1)
	go func() {
		done <- wait()
	}()
	select {
	case <-signals:
		kill()
		return wait()
	case err := <-done:
		return errors.Trace(err)
	}
}
