package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/petervdpas/together/internal/app"
	"github.com/petervdpas/together/internal/config"
)

const cfgName = "together.json"

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	fs := newFlagSet()
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	if v, _ := fs.GetBool("version"); v {
		fmt.Printf("together v%s\n", appVersion)
		return
	}
	if h, _ := fs.GetBool("help"); h {
		showUsage(fs)
		return
	}

	args := fs.Args()
	if len(args) < 2 {
		showUsage(fs)
		os.Exit(1)
	}

	switch args[0] {
	case "peer":
		runCLIPeer(fs, args[1])
	case "init":
		runInit(args[1])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", args[0])
		showUsage(fs)
		os.Exit(1)
	}
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("together", pflag.ContinueOnError)
	fs.String("http-addr", "", "control API listen address (empty keeps the config value)")
	fs.Int("listen-port", 0, "libp2p listen port")
	fs.String("log-level", "", "debug|info|warn|error")
	fs.String("device", "", "playback device: sim|mpd")
	fs.Bool("offline", false, "run without libp2p, no peers reachable")
	fs.BoolP("version", "v", false, "show version")
	fs.BoolP("help", "h", false, "show help")
	return fs
}

// newViper binds the override flags and TOGETHER_* environment variables
// to their config keys.
func newViper(fs *pflag.FlagSet) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("TOGETHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bind := map[string]string{
		"viewer.http_addr": "http-addr",
		"p2p.listen_port":  "listen-port",
		"log.level":        "log-level",
		"device.kind":      "device",
	}
	for key, flag := range bind {
		_ = v.BindPFlag(key, fs.Lookup(flag))
	}
	return v
}

// applyOverrides copies every flag or environment value that was actually
// set over the file config.
func applyOverrides(v *viper.Viper, cfg *config.Config) {
	if v.IsSet("viewer.http_addr") {
		cfg.Viewer.HTTPAddr = v.GetString("viewer.http_addr")
	}
	if v.IsSet("p2p.listen_port") {
		cfg.P2P.ListenPort = v.GetInt("p2p.listen_port")
	}
	if v.IsSet("log.level") {
		cfg.Log.Level = v.GetString("log.level")
	}
	if v.IsSet("device.kind") {
		cfg.Device.Kind = v.GetString("device.kind")
	}
}

func peerDir(arg string) string {
	absDir, err := filepath.Abs(arg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Cannot create peer directory: %v", err)
	}
	return absDir
}

func runCLIPeer(fs *pflag.FlagSet, dirArg string) {
	absDir := peerDir(dirArg)
	cfgPath := filepath.Join(absDir, cfgName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Created default config at %s\n", cfgPath)
	}

	applyOverrides(newViper(fs), &cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	offline, _ := fs.GetBool("offline")

	printPeerBanner(absDir, cfgPath, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
		Offline: offline,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func runInit(dirArg string) {
	absDir := peerDir(dirArg)
	cfgPath := filepath.Join(absDir, cfgName)
	cfg, _, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg, err = app.PromptInteractive(os.Stdin, os.Stdout, absDir, cfgPath, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}
	fmt.Printf("Saved %s\n", cfgPath)
}

func showUsage(fs *pflag.FlagSet) {
	fmt.Println("together - listen together, peer to peer")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  together peer <directory> [flags]   Run a peer from the directory")
	fmt.Println("  together init <directory>           Answer a few questions and write " + cfgName)
	fmt.Println()
	fmt.Println("The directory holds " + cfgName + " and the peer database. It is created")
	fmt.Println("on first run. Every flag can also be set as TOGETHER_<SECTION>_<KEY>,")
	fmt.Println("for example TOGETHER_VIEWER_HTTP_ADDR=127.0.0.1:9000.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Print(fs.FlagUsages())
}

func printPeerBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                    together peer                       ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	if cfg.Profile.Label != "" {
		fmt.Printf("Display Name:   %s\n", cfg.Profile.Label)
	}
	fmt.Printf("Device:         %s\n", cfg.Device.Kind)
	fmt.Println()

	if cfg.Viewer.HTTPAddr != "" {
		_, url := app.NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		fmt.Printf("Control API:    %s\n", url)
		fmt.Println()
	}

	fmt.Println("Starting peer... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
