package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ghostlink/core/internal/config"
	"github.com/ghostlink/core/internal/logging"
	"github.com/ghostlink/core/internal/relay"
	"github.com/ghostlink/core/internal/rendezvous"
)

var version = "0.1.0"

var cfgFile string

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "ghostlink-relay",
	Short: "GhostLink relay and rendezvous server",
	Long:  "GhostLink Relay - routes session traffic between agents and technicians, and assists NAT traversal.",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the relay server",
	Run: func(cmd *cobra.Command, args []string) {
		runRelay()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("GhostLink Relay v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/ghostlink/relay.toml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// staticTokenAuth is the simplest Authenticator that wires actual
// tokens through: each registered agent's auth token doubles as its
// agent_id lookup key. Deployments needing real issuance/revocation
// swap this for a database-backed implementation without touching the
// relay package.
type staticTokenAuth struct {
	tokens map[string]string // token -> agent_id
}

func (a *staticTokenAuth) Authenticate(token string) (string, bool) {
	agentID, ok := a.tokens[token]
	return agentID, ok
}

// initLogging sets up structured logging from config, rotating to
// cfg.LogFile on disk (in addition to stdout) when one is configured —
// this is the relay's access/audit-adjacent log, since every session
// accept/reject and rendezvous pairing decision is logged through it.
func initLogging(cfg *config.RelayConfig) {
	var output io.Writer = os.Stdout
	logFileFallback := false

	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v (logging to stdout)\n", cfg.LogFile, err)
			logFileFallback = true
		} else {
			output = logging.TeeWriter(os.Stdout, rw)
		}
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	log = logging.L("main")

	if logFileFallback {
		log.Warn("log file fallback active, logging to stdout only", "requestedFile", cfg.LogFile)
	}
}

func runRelay() {
	cfg, err := config.LoadRelay(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	initLogging(cfg)
	log.Info("ghostlink-relay starting", "version", version, "listenAddr", cfg.ListenAddr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	auth := &staticTokenAuth{tokens: make(map[string]string)}

	server := relay.NewServer(relay.Config{
		Addr:           cfg.ListenAddr,
		MaxConnections: cfg.MaxConnections,
		Authenticator:  auth,
	})

	rendezSvc := rendezvous.NewService(rendezvous.Config{
		ListenAddr:     cfg.RendezvousAddr,
		RelayEndpoints: []string{cfg.ListenAddr},
		STUNServers:    cfg.STUNServers,
	})

	mux := http.NewServeMux()
	mux.Handle("/agent/", server.Handler())
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	go server.Run()
	go func() {
		if err := rendezSvc.Run(); err != nil {
			log.Error("rendezvous service failed", logging.KeyError, err)
		}
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("relay http server failed", logging.KeyError, err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	server.Stop()
	rendezSvc.Stop()
	_ = httpServer.Shutdown(context.Background())
}
