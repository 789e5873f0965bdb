package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ghostlink/core/internal/agent"
	"github.com/ghostlink/core/internal/config"
	"github.com/ghostlink/core/internal/connector"
	"github.com/ghostlink/core/internal/desktop"
	"github.com/ghostlink/core/internal/logging"
	"github.com/ghostlink/core/internal/remote/clipboard"
	"github.com/ghostlink/core/internal/rendezvous"
	"github.com/ghostlink/core/internal/wire"
)

var version = "0.1.0"

var cfgFile string

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "ghostlink-agent",
	Short: "GhostLink remote desktop agent",
	Long:  "GhostLink Agent - streams the controlled machine's screen and accepts remote input.",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent",
	Run: func(cmd *cobra.Command, args []string) {
		runAgent()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("GhostLink Agent v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/ghostlink/agent.yaml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initLogging sets up structured logging from config, rotating to
// cfg.LogFile on disk (in addition to stdout) when one is configured.
func initLogging(cfg *config.AgentConfig) {
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

func runAgent() {
	cfg, err := config.LoadAgent(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	initLogging(cfg)
	log.Info("ghostlink-agent starting", "version", version, "agentId", cfg.AgentID)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rendezClient := rendezvous.NewClient(cfg.RendezvousAddr, cfg.AgentID, rendezvous.NATUnknown)
	if _, err := rendezClient.RegisterAgent(ctx); err != nil {
		log.Warn("rendezvous registration failed, continuing relay-only", logging.KeyError, err)
	}

	manager := agent.NewManager()

	relayCfg := connector.RelayConfig{
		ServerURL: cfg.RelayURL,
		AgentID:   cfg.AgentID,
		AuthToken: cfg.AuthToken,
	}

	sessionID := newSessionID()

	onBinary := func(data []byte) {
		if sess, ok := manager.Get(sessionID); ok {
			sess.HandleInbound(data)
		}
	}

	var conn *connector.Connector
	relayLeg := connector.NewRelayLeg(relayCfg, func(msg connector.ControlMessage) {
		if msg.Type == "ClipboardSync" {
			var content clipboard.Content
			if err := json.Unmarshal(msg.Payload, &content); err == nil {
				if sess, ok := manager.Get(sessionID); ok {
					if err := sess.HandleClipboardSync(content); err != nil {
						log.Warn("clipboard sync failed", logging.KeyError, err)
					}
				}
			}
			return
		}
		if conn != nil {
			conn.HandleControlMessage(msg)
		}
	}, onBinary)

	settings := connector.DefaultSettings()
	settings.PreferP2P = cfg.PreferP2P
	settings.AllowRelayFallback = cfg.AllowRelay

	conn = connector.NewConnector(hex.EncodeToString(sessionID[:]), settings, relayLeg, rendezClient, onBinary)

	capturer, err := desktop.NewScreenCapturer(desktop.DefaultCaptureConfig())
	if err != nil {
		log.Error("screen capture unavailable", logging.KeyError, err)
		os.Exit(1)
	}

	encCfg := desktop.DefaultEncoderConfig()
	encCfg.PreferHardware = cfg.EncoderPref == "hardware"
	encCfg.BitrateKbps = cfg.MaxBitrateKbps
	encCfg.FPS = cfg.TargetFPS
	encoder, err := desktop.NewVideoEncoder(encCfg)
	if err != nil {
		log.Error("encoder init failed", logging.KeyError, err)
		os.Exit(1)
	}

	outbound := make(chan []byte, 8)
	go func() {
		for buf := range outbound {
			if err := conn.Send(buf); err != nil {
				log.Debug("frame send failed", logging.KeyError, err)
			}
		}
	}()

	engine := desktop.NewEngine(desktop.EngineConfig{
		SessionID: sessionID,
		Capturer:  capturer,
		Encoder:   encoder,
		Outbound:  outbound,
		TargetFPS: cfg.TargetFPS,
		OnUnhealthy: func(err error) {
			log.Error("capture unhealthy, stopping session", logging.KeyError, err)
			manager.Stop(sessionID)
		},
	})

	injector, err := desktop.NewInjector()
	if err != nil {
		log.Warn("input injection unavailable", logging.KeyError, err)
	}
	var dispatcher *desktop.RateLimitedDispatcher
	if injector != nil {
		dispatcher = desktop.NewRateLimitedDispatcher(injector)
	}

	sessType := agent.Type(cfg.DefaultSessionType)
	session := agent.NewSession(agent.Config{
		SessionID:  sessionID,
		Type:       sessType,
		Engine:     engine,
		Dispatcher: dispatcher,
		Connector:  conn,
		Clipboard:  clipboard.New(),
	})
	manager.Add(session)

	relayLeg.Start()
	go conn.RunHealthChecks(ctx)

	if err := session.Start(); err != nil {
		log.Error("session start failed", logging.KeyError, err)
		os.Exit(1)
	}

	<-ctx.Done()
	log.Info("shutting down")
	manager.StopAll()
	relayLeg.Stop()
}

func newSessionID() wire.SessionID {
	var id wire.SessionID
	_, _ = rand.Read(id[:])
	return id
}
