// callbridge places and answers calls on a discuss-style backend from the
// command line: sweep stale call records, start a call on a channel, print
// call events as they happen, hang up on interrupt.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/itms-markshaw/callbridge/internal/backend"
	"github.com/itms-markshaw/callbridge/internal/call"
	"github.com/itms-markshaw/callbridge/internal/config"
	"github.com/itms-markshaw/callbridge/internal/media"
	"github.com/itms-markshaw/callbridge/internal/registry"
	"github.com/itms-markshaw/callbridge/internal/signaling"
	"github.com/itms-markshaw/callbridge/internal/storage"
	"github.com/itms-markshaw/callbridge/internal/util"
)

var log = logging.Logger("main")

var (
	configPath  = flag.String("config", "config.json", "Path to config file")
	channelID   = flag.Int64("channel", 0, "Channel id to call (0 = listen for incoming only)")
	video       = flag.Bool("video", false, "Start a video call instead of audio-only")
	duration    = flag.Duration("duration", 0, "Hang up after this long (0 = until interrupt)")
	cleanupOnly = flag.Bool("cleanup", false, "Sweep all of your stale call records and exit")
	history     = flag.Bool("history", false, "Print recent call history and exit")
	verbose     = flag.Bool("v", false, "Debug logging")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *verbose {
		logging.SetAllLoggers(logging.LevelDebug)
	} else {
		logging.SetAllLoggers(logging.LevelInfo)
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, created, err := config.Ensure(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if created {
		fmt.Printf("Wrote default config to %s - fill in your backend credentials and rerun.\n", *configPath)
		return nil
	}

	log.Infof("callbridge v%s", appVersion)

	var store *storage.Store
	if cfg.Paths.DataDir != "" {
		// A relative data dir is anchored at the config file, not the
		// current working directory, so operator scripts can run from
		// anywhere.
		dataDir := util.ResolvePath(filepath.Dir(*configPath), cfg.Paths.DataDir)
		store, err = storage.Open(dataDir)
		if err != nil {
			// History and the channel cache are conveniences, not requirements.
			log.Warnf("MAIN: call history unavailable: %v", err)
			store = nil
		} else {
			defer store.Close()
		}
	}

	if *history {
		return printHistory(store)
	}

	rpc := backend.NewClient(cfg.Backend.URL, cfg.Backend.Database,
		cfg.Backend.Username, cfg.Backend.APIKey,
		time.Duration(cfg.Backend.TimeoutSec)*time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	uid, err := rpc.Authenticate(ctx)
	if err != nil {
		return fmt.Errorf("authenticate against %s: %w", cfg.Backend.URL, err)
	}
	partnerID, partnerName, err := rpc.Identity(ctx)
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}
	log.Infof("MAIN: authenticated as %s (uid %d, partner %d)", partnerName, uid, partnerID)

	reg := registry.New(rpc)

	if *cleanupOnly {
		n, err := reg.CleanupSessions(ctx, 0)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d stale call record(s).\n", n)
		return nil
	}

	transport := signaling.NewTransport(rpc)
	defer transport.Close()

	mgr := call.NewManager(call.Options{
		RPC:            rpc,
		Registry:       reg,
		Signaling:      transport,
		Store:          store,
		STUNServers:    cfg.Calls.STUNServers,
		RingTimeout:    time.Duration(cfg.Calls.RingTimeoutSec) * time.Second,
		CleanupTimeout: time.Duration(cfg.Calls.CleanupTimeoutSec) * time.Second,
		ForceStrategy:  cfg.Calls.ForceStrategy,
		SelfPartnerID:  partnerID,
		SelfName:       partnerName,
	})
	defer mgr.Close()

	// Log config edits while running; a restart picks them up.
	if w, err := config.Watch(*configPath, func(config.Config) {
		log.Infof("MAIN: config changed on disk, restart to apply")
	}); err == nil {
		defer w.Close()
	}

	busChannels := []string{fmt.Sprintf("res.partner_%d", partnerID)}
	if *channelID > 0 {
		busChannels = append(busChannels, fmt.Sprintf("discuss.channel_%d", *channelID))
	}
	feed := rpc.OpenFeed(ctx, busChannels, cfg.Backend.UseWebsocket,
		time.Duration(cfg.Backend.PollDeadlineSec)*time.Second)
	defer feed.Close()

	dispatcher := call.NewDispatcher(mgr, partnerID)
	go dispatcher.Run(ctx, feed.Events())

	events, unsubscribe := mgr.Subscribe()
	defer unsubscribe()
	go printEvents(events)

	if *channelID > 0 {
		kind := media.KindAudio
		if *video {
			kind = media.KindVideo
		}
		snap, err := mgr.StartCall(ctx, *channelID, kind)
		if err != nil {
			return fmt.Errorf("start call on channel %d: %w", *channelID, err)
		}
		fmt.Printf("Ringing channel %d (%s, %s call) - Ctrl-C to hang up.\n",
			*channelID, snap.Strategy, kindWord(kind))
	} else {
		fmt.Println("Listening for incoming calls - Ctrl-C to quit.")
	}

	if *duration > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(*duration):
			log.Infof("MAIN: duration %s elapsed", *duration)
		}
	} else {
		<-ctx.Done()
	}

	// Hang up with a fresh context: the signal context is already done.
	endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return mgr.EndCall(endCtx)
}

func printEvents(events chan call.Event) {
	for evt := range events {
		line, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		fmt.Println(string(line))
	}
}

func printHistory(store *storage.Store) error {
	if store == nil {
		return fmt.Errorf("call history store is unavailable")
	}
	entries, err := store.Recent(50)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No calls recorded.")
		return nil
	}
	for _, e := range entries {
		name := e.Channel
		if name == "" {
			name = fmt.Sprintf("channel %d", e.ChannelID)
		}
		fmt.Printf("%s  %-10s %-20s %s (%s)\n",
			e.StartedAt.Format("2006-01-02 15:04"), e.Status, name,
			e.Duration.Round(time.Second), kindLabel(e.Video))
	}
	return nil
}

func kindWord(k media.Kind) string {
	if k.Video() {
		return "video"
	}
	return "audio"
}

func kindLabel(video bool) string {
	if video {
		return "video"
	}
	return "audio"
}
