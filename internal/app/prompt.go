package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/together/internal/config"
)

// PromptInteractive walks through the settings a first run usually needs.
// An empty answer keeps the current value.
func PromptInteractive(in io.Reader, out io.Writer, peerDir, cfgPath string, cfg config.Config) (config.Config, error) {
	r := bufio.NewReader(in)

	fmt.Fprintln(out, "────────────────────────────────────────")
	fmt.Fprintln(out, "together setup")
	fmt.Fprintf(out, " Peer folder : %s\n", peerDir)
	fmt.Fprintf(out, " Config file : %s\n", cfgPath)
	fmt.Fprintln(out, "────────────────────────────────────────")
	fmt.Fprintln(out)

	cfg.Profile.Label = askString(r, out, "Display name", cfg.Profile.Label)
	cfg.Viewer.HTTPAddr = askString(r, out, "Control API addr (empty=off)", cfg.Viewer.HTTPAddr)
	cfg.P2P.ListenPort = askInt(r, out, "Listen port (0=random)", cfg.P2P.ListenPort)
	cfg.P2P.MdnsTag = askString(r, out, "mDNS tag", cfg.P2P.MdnsTag)

	useMPD := askBool(r, out, "Drive an MPD server", cfg.Device.Kind == "mpd")
	if useMPD {
		cfg.Device.Kind = "mpd"
		cfg.Device.MPDAddr = askString(r, out, "MPD address", cfg.Device.MPDAddr)
	} else {
		cfg.Device.Kind = "sim"
		cfg.Device.LibraryDir = askString(r, out, "Music folder for the simulated player (empty=demo)", cfg.Device.LibraryDir)
	}
	cfg.Queue.Limit = askInt(r, out, "Queue limit", cfg.Queue.Limit)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func askString(in *bufio.Reader, out io.Writer, label, def string) string {
	fmt.Fprintf(out, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, out io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(out, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(out, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, out io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(out, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(out, "Please enter y or n.")
	}
}
