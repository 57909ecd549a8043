package app

import (
	"strings"

	logging "github.com/ipfs/go-log/v2"
)

// NormalizeLocalViewer keeps the control API on loopback and returns the
// listen address and the URL to show the user.
func NormalizeLocalViewer(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return a, "http://" + a
}

// SetLogLevel applies level to every together/* logger. libp2p subsystems
// keep the levels the p2p package gives them.
func SetLogLevel(level string) error {
	if _, err := logging.LevelFromString(level); err != nil {
		return err
	}
	for _, name := range logging.GetSubsystems() {
		if strings.HasPrefix(name, "together/") {
			if err := logging.SetLogLevel(name, level); err != nil {
				return err
			}
		}
	}
	return nil
}

func logBanner(peerDir, cfgPath string) {
	log.Info("────────────────────────────────────────")
	log.Info("together peer")
	log.Infof(" Peer folder : %s", peerDir)
	log.Infof(" Config file : %s", cfgPath)
	log.Info(" One process is one peer. Another folder is another peer.")
	log.Info("────────────────────────────────────────")
}
