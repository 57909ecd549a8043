package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/together/internal/config"
	"github.com/petervdpas/together/internal/device"
	"github.com/petervdpas/together/internal/engine"
	"github.com/petervdpas/together/internal/memnet"
	"github.com/petervdpas/together/internal/p2p"
	"github.com/petervdpas/together/internal/proto"
	"github.com/petervdpas/together/internal/queue"
	"github.com/petervdpas/together/internal/session"
	"github.com/petervdpas/together/internal/state"
	"github.com/petervdpas/together/internal/storage"
	"github.com/petervdpas/together/internal/util"
	"github.com/petervdpas/together/internal/viewer"
	"github.com/petervdpas/together/internal/viewer/routes"
)

var log = logging.Logger("together/app")

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
	// Offline swaps libp2p for an in-process network with no other members.
	Offline bool
}

// transport is what the session manager needs plus the libp2p extras the
// app wires when they exist.
type transport interface {
	session.Transport
	Close() error
}

func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	clk := clock.New()

	logs := viewer.NewLogBuffer(800, clk)
	pipe := logging.NewPipeReader(logging.PipeFormat(logging.JSONOutput))
	defer pipe.Close()
	go func() { _, _ = io.Copy(logs, pipe) }()

	if err := SetLogLevel(cfg.Log.Level); err != nil {
		log.Warnf("log level %q: %v", cfg.Log.Level, err)
	}
	logBanner(opt.PeerDir, opt.CfgPath)

	db, err := storage.Open(opt.PeerDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ids, closeIDs, err := openIdentityStore(ctx, cfg.Identity, db)
	if err != nil {
		return err
	}
	defer closeIDs()

	peers := state.NewPeerTable(clk)

	var (
		tr   transport
		node *p2p.Node
	)
	if opt.Offline {
		tr = memnet.NewNetwork().Join("offline-"+uuid.NewString()[:8], cfg.Profile.Label)
		log.Info("offline mode: no peers will be reachable")
	} else {
		node, err = p2p.New(ctx, p2p.Options{
			ListenPort:  cfg.P2P.ListenPort,
			MdnsTag:     cfg.P2P.MdnsTag,
			Topic:       cfg.P2P.Topic,
			PresenceTTL: time.Duration(cfg.P2P.TTLSec) * time.Second,
			KeyName:     cfg.Identity.KeyName,
		}, ids, peers, db)
		if err != nil {
			return err
		}
		node.SetLabel(cfg.Profile.Label)
		tr = node
	}
	defer tr.Close()

	dev, library, err := openDevice(cfg.Device, opt.PeerDir, clk)
	if err != nil {
		return err
	}
	defer dev.Close()

	feed := session.NewFeed(clk, config.Ms(cfg.Sync.NoticeTTLMs))
	sess := session.New(tr, cfg.Profile.Label, clk, session.NewHub(), feed)
	q := queue.New(sess, clk, cfg.Queue.Limit)
	loop := engine.NewLoop(engine.New(dev, sess, q, clk, cfg.Sync))
	sess.SetSink(loop)
	log.Infof("peer id: %s", sess.SelfID())

	go sess.Run(ctx)
	go func() {
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf("engine loop: %v", err)
		}
	}()

	if node != nil {
		node.SetDescriber(func() (string, string) {
			playing := ""
			if t, ok := dev.Current(); ok && dev.IsPlaying() {
				playing = t.String()
			}
			return string(sess.Info().Status), playing
		})
		node.RunPresenceLoop(ctx, func(m proto.PresenceMsg) {
			log.Debugw("presence", "type", m.Type, "peer", m.PeerID, "name", m.Name)
		})
		go node.RunHeartbeat(ctx,
			time.Duration(cfg.P2P.HeartbeatSec)*time.Second,
			time.Duration(cfg.P2P.TTLSec)*time.Second)
	}

	if opt.CfgPath != "" {
		err := config.Watch(ctx, opt.CfgPath, func(c config.Config) {
			loop.SetConfig(c.Sync)
			feed.SetTTL(config.Ms(c.Sync.NoticeTTLMs))
			q.SetLimit(c.Queue.Limit)
			sess.SetLabel(c.Profile.Label)
			if node != nil {
				node.SetLabel(c.Profile.Label)
			}
			if err := SetLogLevel(c.Log.Level); err != nil {
				log.Warnf("log level %q: %v", c.Log.Level, err)
			}
			log.Infof("config reloaded from %s", opt.CfgPath)
		})
		if err != nil {
			log.Warnf("config hot reload disabled: %v", err)
		}
	}

	if cfg.Viewer.HTTPAddr != "" {
		addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		deps := routes.Deps{
			Session: sess,
			Loop:    loop,
			Queue:   q,
			Peers:   peers,
			Library: library,
			Logs:    logs,
		}
		if node != nil {
			deps.Addrs = node.Addrs
		}
		go func() {
			if err := viewer.Start(ctx, addr, deps); err != nil {
				log.Errorf("viewer: %v", err)
			}
		}()
		log.Infof("control API: %s", url)
	}

	<-ctx.Done()
	log.Info("shutting down")
	sess.Disconnect()
	return nil
}

// openIdentityStore picks where the libp2p key lives. The SQLite store is
// always open for the peer cache; Redis only replaces it for the identity.
func openIdentityStore(ctx context.Context, c config.Identity, db *storage.DB) (storage.IdentityStore, func(), error) {
	if c.Store != "redis" {
		return db, func() {}, nil
	}
	rs, err := storage.DialRedis(ctx, c.RedisAddr, c.RedisPassword, c.RedisPrefix)
	if err != nil {
		return nil, nil, fmt.Errorf("identity store: %w", err)
	}
	return rs, func() { _ = rs.Close() }, nil
}

// openDevice returns the local player and, for the simulated one, the list
// of items it can play.
func openDevice(c config.Device, peerDir string, clk clock.Clock) (device.Device, func() []proto.Track, error) {
	switch c.Kind {
	case "mpd":
		d, err := device.DialMPD(c.MPDNetwork, c.MPDAddr, c.MPDPassword)
		if err != nil {
			return nil, nil, fmt.Errorf("mpd %s: %w", c.MPDAddr, err)
		}
		log.Infof("device: mpd at %s", c.MPDAddr)
		return d, nil, nil
	default:
		lib := device.DemoLibrary
		if c.LibraryDir != "" {
			dir := util.ResolvePath(peerDir, c.LibraryDir)
			scanned, err := device.ScanLibrary(dir)
			switch {
			case err != nil:
				log.Warnf("scan %s: %v, using demo library", dir, err)
			case len(scanned) == 0:
				log.Warnf("no playable files in %s, using demo library", dir)
			default:
				lib = scanned
			}
		}
		s := device.NewSim(clk, lib)
		log.Infof("device: simulated player with %d items", len(lib))
		return s, s.Library, nil
	}
}
