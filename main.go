package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/fsoft72/woxxy-sub000/config"
	"github.com/fsoft72/woxxy-sub000/discovery"
	"github.com/fsoft72/woxxy-sub000/models"
	"github.com/fsoft72/woxxy-sub000/network"
	"github.com/fsoft72/woxxy-sub000/registry"
	"github.com/fsoft72/woxxy-sub000/storage"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	env, err := config.LoadEnv()
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed while reading environment")
	}

	settings, settingsPath, err := config.LoadOrCreate()
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed while loading settings")
	}
	dataDir := filepath.Dir(settingsPath)

	discoveryPort := env.DiscoveryPort
	if discoveryPort <= 0 {
		discoveryPort = discovery.DefaultDiscoveryPort
	}
	transferPort := env.TransferPort
	if transferPort <= 0 {
		transferPort = network.DefaultTransferPort
	}

	if len(os.Args) > 1 && os.Args[1] == "send" {
		runSend(logger, settings, transferPort, os.Args[2:])
		return
	}

	localAddress, err := discovery.ProbeLocalAddress()
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed while probing local address")
	}

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed while opening history database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("history database close error")
		}
	}()

	avatars, err := storage.NewAvatarCache(config.AvatarCacheDir(dataDir))
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed while opening avatar cache")
	}

	peers := registry.New(registry.Options{
		LocalAddress: localAddress,
		Avatars:      avatars,
		Logger:       logger.With().Str("component", "registry").Logger(),
	})
	defer peers.Stop()

	sender, err := network.NewSender(network.SenderOptions{
		Settings: settings,
		Logger:   logger.With().Str("component", "sender").Logger(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed while creating sender")
	}

	coordinator, err := network.NewCoordinator(network.CoordinatorOptions{
		Settings: settings,
		History:  store,
		Avatars:  avatars,
		OnFileReceived: func(record models.TransferRecord) {
			logger.Info().
				Str("path", record.Path).
				Str("sender", record.Sender).
				Int64("bytes", record.Size).
				Float64("bytes_per_sec", record.SpeedBytesPerSec).
				Msg("file received")
		},
		OnAvatarFetchDone: peers.AvatarFetchDone,
		Logger:            logger.With().Str("component", "coordinator").Logger(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed while creating coordinator")
	}

	listener, err := network.Listen(fmt.Sprintf(":%d", transferPort), network.ListenerOptions{
		Coordinator: coordinator,
		Logger:      logger.With().Str("component", "listener").Logger(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed while opening transfer listener")
	}
	defer func() {
		_ = listener.Close()
	}()
	go logListenerErrors(logger, listener)

	engine, err := discovery.Start(discovery.Config{
		Username:       settings.Username(),
		LocalAddress:   localAddress,
		DiscoveryPort:  discoveryPort,
		TransferPort:   transferPort,
		Peers:          peers,
		AvatarRequests: peers.AvatarNeeds(),
		OnAvatarRequest: func(identity models.PeerIdentity) {
			path := settings.AvatarPath()
			if path == "" {
				return
			}
			go func() {
				if err := sender.SendAvatar(path, identity); err != nil {
					logger.Debug().Err(err).Str("peer", identity.Address).Msg("avatar send failed")
				}
			}()
		},
		Logger: logger.With().Str("component", "discovery").Logger(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed while starting discovery")
	}
	defer engine.Stop()

	if env.MDNS {
		advertiser, err := discovery.StartAdvertiser(discovery.AdvertiserConfig{
			Username:     settings.Username(),
			TransferPort: transferPort,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("mDNS advertisement failed to start")
		} else {
			defer advertiser.Stop()
		}
	}

	go logPeerSnapshots(logger, peers.Subscribe())

	logger.Info().
		Str("username", settings.Username()).
		Str("address", localAddress).
		Int("discovery_port", discoveryPort).
		Int("transfer_port", transferPort).
		Str("downloads", settings.DownloadDirectory()).
		Str("database", dbPath).
		Msg("running (press Ctrl+C to stop)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info().Msg("shutting down")
}

// runSend queues files to a peer from the command line:
//
//	woxxy send <address>[:<port>] <file> [file...]
func runSend(logger zerolog.Logger, settings *config.Provider, transferPort int, args []string) {
	if len(args) < 2 {
		logger.Fatal().Msg("usage: woxxy send <address>[:<port>] <file> [file...]")
	}

	destination := models.PeerIdentity{
		Name:         args[0],
		Address:      args[0],
		TransferPort: transferPort,
	}
	if host, portRaw, err := net.SplitHostPort(args[0]); err == nil {
		if port, err := strconv.Atoi(portRaw); err == nil {
			destination.Address = host
			destination.TransferPort = port
		}
	}

	sender, err := network.NewSender(network.SenderOptions{
		Settings: settings,
		Logger:   logger.With().Str("component", "sender").Logger(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create sender")
	}
	queues, err := network.NewQueueManager(sender)
	if err != nil {
		logger.Fatal().Err(err).Msg("create queue manager")
	}

	files := args[1:]
	for _, path := range files {
		path := path
		queues.Enqueue(path, destination, func(total, sent int64) {
			logger.Debug().
				Str("file", path).
				Int64("sent", sent).
				Int64("total", total).
				Msg("progress")
		})
	}

	for len(queues.Results(destination)) < len(files) {
		time.Sleep(100 * time.Millisecond)
	}

	for _, result := range queues.Results(destination) {
		event := logger.Info()
		if result.Status != network.QueueStatusComplete {
			event = logger.Warn().Str("message", result.Message)
		}
		event.Str("file", result.SourcePath).Str("status", result.Status).Msg("send finished")
	}
}

func logPeerSnapshots(logger zerolog.Logger, snapshots <-chan []models.Peer) {
	for snapshot := range snapshots {
		names := make([]string, 0, len(snapshot))
		for _, peer := range snapshot {
			names = append(names, fmt.Sprintf("%s@%s", peer.Identity.Name, peer.Identity.Address))
		}
		logger.Info().Strs("peers", names).Msg("peer list updated")
	}
}

func logListenerErrors(logger zerolog.Logger, listener *network.Listener) {
	for err := range listener.Errors() {
		logger.Warn().Err(err).Msg("transfer listener error")
	}
}
