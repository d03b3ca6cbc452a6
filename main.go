// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/peerline/peerline/internal/call"
	"github.com/peerline/peerline/internal/channel"
	"github.com/peerline/peerline/internal/config"
	"github.com/peerline/peerline/internal/media"
	"github.com/peerline/peerline/internal/relay"
	"github.com/peerline/peerline/internal/signal"
	"github.com/peerline/peerline/internal/util"
)

var log = logging.Logger("main")

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	cfgPath  = flag.String("config", "peerline.json", "Path to config file")
	callType = flag.String("type", "video", "Call type for the call command: audio or video")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Peerline v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "relay":
		runRelay()

	case "call":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: call command requires a user id")
			fmt.Fprintln(os.Stderr, "Usage: peerline call <user-id>")
			os.Exit(1)
		}
		runClient(args[1])

	case "wait":
		runClient("")

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

// loadConfig reads (or creates) the config file, applies the log level,
// and starts a watcher so log level edits take effect without a restart.
func loadConfig() (config.Config, *config.Watcher) {
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config path: %v\n", err)
		os.Exit(1)
	}
	abs := util.ResolvePath(cwd, *cfgPath)

	cfg, created, err := config.Ensure(abs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if created {
		fmt.Printf("Created default config at %s\n", abs)
	}
	applyLogLevel(cfg)

	w, err := config.Watch(abs, applyLogLevel)
	if err != nil {
		log.Warnf("config watch disabled: %v", err)
	}
	return cfg, w
}

func applyLogLevel(cfg config.Config) {
	lvl, err := logging.LevelFromString(strings.ToLower(cfg.Log.Level))
	if err != nil {
		log.Warnf("bad log level %q, keeping current", cfg.Log.Level)
		return
	}
	logging.SetAllLoggers(lvl)
}

func runRelay() {
	cfg, watcher := loadConfig()
	if watcher != nil {
		defer watcher.Close()
	}

	ctx, cancel := signalContext()
	defer cancel()

	srv := relay.New(cfg.Relay.Listen, cfg.Relay.Token)
	if err := srv.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Relay failed to start: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Relay running at %s (Press Ctrl+C to stop)\n", srv.URL())
	<-ctx.Done()
}

// runClient connects to the relay and either places a call to peer, or
// waits for incoming calls when peer is empty. The session lifecycle is
// printed as it unfolds.
func runClient(peer string) {
	cfg, watcher := loadConfig()
	if watcher != nil {
		defer watcher.Close()
	}

	t := signal.CallType(*callType)
	if !t.Valid() {
		fmt.Fprintf(os.Stderr, "Unknown call type %q (want audio or video)\n", *callType)
		os.Exit(1)
	}

	ident := signal.Participant{
		ID:          cfg.Identity.ID,
		Username:    cfg.Identity.Username,
		DisplayName: cfg.Identity.DisplayName,
		AvatarURL:   cfg.Identity.AvatarURL,
	}
	if ident.ID == "" {
		ident.ID = uuid.NewString()
		fmt.Printf("No identity.id in config, using %s for this session\n", ident.ID)
	}

	ctx, cancel := signalContext()
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	conn, err := channel.Dial(dialCtx, cfg.Relay.URL, ident, cfg.Relay.Token)
	dialCancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Relay connection failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	factory := media.NewFactory(mediaConfig(cfg))
	mgr := call.New(conn, ident, factory, call.Options{
		GraceDelay: time.Duration(cfg.Call.GraceDelaySec) * time.Second,
	})
	defer mgr.Close()

	sessions, cancelSub := mgr.Subscribe()
	defer cancelSub()
	go printLifecycle(sessions)

	if peer != "" {
		if err := mgr.Initiate(ctx, peer, t); err != nil {
			fmt.Fprintf(os.Stderr, "Call failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Calling %s... (Press Ctrl+C to hang up)\n", peer)
	} else {
		fmt.Printf("Waiting for calls as %s... (Press Ctrl+C to stop)\n", ident.ID)
		go autoAnswer(ctx, mgr)
	}

	<-ctx.Done()
	fmt.Println("\nShutting down...")
}

// autoAnswer accepts every incoming call, which is all the demo client
// needs; a real presentation layer would prompt instead.
func autoAnswer(ctx context.Context, mgr *call.Manager) {
	sessions, cancel := mgr.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-sessions:
			if !ok {
				return
			}
			if s.State == call.StateRinging && !s.IsCaller {
				fmt.Printf("Incoming %s call from %s, answering...\n", s.Type, s.Remote.ID)
				if err := mgr.Accept(ctx); err != nil {
					log.Warnf("accept failed: %v", err)
				}
			}
		}
	}
}

func printLifecycle(sessions <-chan call.Session) {
	var last call.State
	for s := range sessions {
		if s.State == last {
			continue
		}
		last = s.State
		switch s.State {
		case call.StateConnected:
			fmt.Printf("Connected to %s\n", s.Remote.ID)
		case call.StateRejected:
			fmt.Println("Call rejected")
		case call.StateEnded:
			fmt.Printf("Call ended (%s)\n", s.EndReason)
		case call.StateFailed:
			fmt.Printf("Call failed: %s\n", s.FailureMessage)
		case call.StateIdle:
			if s.CallID == "" {
				fmt.Println("Ready")
			}
		}
	}
}

func mediaConfig(cfg config.Config) media.Config {
	return media.Config{
		STUNServers:         cfg.Media.STUNServers,
		DisconnectedTimeout: time.Duration(cfg.Media.DisconnectedTimeoutSec) * time.Second,
		FailedTimeout:       time.Duration(cfg.Media.FailedTimeoutSec) * time.Second,
		KeepAliveInterval:   time.Duration(cfg.Media.KeepAliveIntervalSec) * time.Second,
		PreferredCam:        cfg.Media.PreferredCam,
		PreferredMic:        cfg.Media.PreferredMic,
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

func showUsage() {
	fmt.Println("Peerline - 1:1 audio/video calls over a websocket relay")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  peerline relay             Run the signaling relay server")
	fmt.Println("  peerline call <user-id>    Place a call to a user")
	fmt.Println("  peerline wait              Wait for and answer incoming calls")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -config <path>  Config file (default peerline.json, created if missing)")
	fmt.Println("  -type <t>       Call type for 'call': audio or video (default video)")
	fmt.Println("  -h              Show this help message")
	fmt.Println("  -version        Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Run a relay")
	fmt.Println("  peerline relay")
	fmt.Println()
	fmt.Println("  # Answer calls on one machine")
	fmt.Println("  peerline -config bob.json wait")
	fmt.Println()
	fmt.Println("  # Call bob from another")
	fmt.Println("  peerline -config alice.json call bob")
}
