// Command relayd runs the agent execution relay: a websocket server that
// supervises agent processes and streams their decoded output to
// authenticated clients.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"agentdeck/internal/config"
	"agentdeck/internal/relay"
	"agentdeck/internal/supervisor"
	"agentdeck/internal/token"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		port       int
		agentCmd   string
	)

	cmd := &cobra.Command{
		Use:          "relayd",
		Short:        "Remote agent execution relay",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("agent") {
				cfg.Agent.Command = agentCmd
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "relayd.toml", "path to config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides config)")
	cmd.Flags().StringVar(&agentCmd, "agent", "", "agent executable (overrides config)")

	return cmd
}

func run(cfg config.Config) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	issuer := token.NewStore(cfg.TokenTTL())
	stopSweeper := make(chan struct{})
	issuer.StartSweeper(cfg.TokenTTL(), stopSweeper)

	sup := supervisor.New(supervisor.Config{
		Command:         cfg.Agent.Command,
		BaseArgs:        cfg.Agent.BaseArgs,
		GracefulTimeout: cfg.GracefulTimeout(),
		Logger:          log,
	})

	server := relay.New(issuer, sup, relay.HeaderIdentity(cfg.IdentityHeader), relay.Config{
		TerminateOnDisconnect: cfg.Relay.TerminateOnDisconnect,
		WatchWorkspace:        cfg.Relay.WatchWorkspace,
		Logger:                log,
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: server.Handler(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info("shutting down")
		close(stopSweeper)
		server.Shutdown()
		httpServer.Close()
	}()

	log.Info("relayd listening", "port", cfg.Port, "agent", cfg.Agent.Command)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
