package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/betbot/orderdesk/internal/exchange"
	"github.com/betbot/orderdesk/internal/explorer"
	"github.com/betbot/orderdesk/internal/server"
	"github.com/betbot/orderdesk/internal/services"
	"github.com/betbot/orderdesk/internal/storage"
	"github.com/betbot/orderdesk/internal/stream"
	"github.com/betbot/orderdesk/internal/wallets"
	"github.com/betbot/orderdesk/pkg/config"
	"github.com/betbot/orderdesk/pkg/logger"
	"github.com/betbot/orderdesk/pkg/ratelimit"
	"github.com/betbot/orderdesk/pkg/reqchannel"
	"github.com/betbot/orderdesk/pkg/secretstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "orderdesk: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to config.yaml (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		return err
	}
	log := logrus.WithField("component", "main")

	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	masterKey, err := secretstore.ParseKey(cfg.Wallet.MasterKey)
	if err != nil {
		return fmt.Errorf("wallet.master_key: %w", err)
	}
	secrets, err := secretstore.Open(secretstore.OpenOptions{
		Path:          cfg.SecretStorePath,
		EncryptionKey: masterKey,
	})
	if err != nil {
		return err
	}
	defer secrets.Close()

	channels := reqchannel.NewManager()
	defer channels.Close()
	for _, ch := range cfg.Channels {
		channels.Register(reqchannel.Config{
			Name:       ch.Name,
			PerSecond:  ch.PerSecond,
			DailyLimit: ch.DailyLimit,
			CacheTTL:   time.Duration(ch.CacheTTLSec) * time.Second,
		})
	}
	exchangeCh, ok := channels.Get("exchange")
	if !ok {
		return errors.New("config must define an 'exchange' channel")
	}
	explorerCh, ok := channels.Get("explorer")
	if !ok {
		return errors.New("config must define an 'explorer' channel")
	}
	// Mirror providers that share one API credential onto the same
	// quota pool.
	for _, p := range cfg.Explorer.Providers {
		if p.Name != "explorer" {
			channels.Alias(p.Name, "explorer")
		}
	}

	walletProvider := wallets.NewProvider(secrets, cfg.Wallet.Mnemonic, cfg.Wallet.PathTemplate)

	// The monitor is created after the client cache but consumed by the
	// builder (push updates land in its cache), so the closure binds it
	// late.
	var monitor *services.Monitor
	streams := newStreamSet(cfg.Exchange.WSHost, func(id, status, txHash string) {
		if monitor != nil {
			monitor.NotePush(id, status, txHash)
		}
	})
	defer streams.StopAll()

	clients := services.NewClientCache(
		clientBuilder(store, walletProvider, exchangeCh, streams, cfg),
		time.Duration(cfg.ClientCache.TTLMinutes)*time.Minute,
		cfg.ClientCache.Capacity,
	)

	burst := ratelimit.NewTokenBucketForWindow(cfg.Exchange.BurstLimit,
		time.Duration(cfg.Exchange.BurstWindowSec)*time.Second)
	sustained := ratelimit.NewSlidingWindow(cfg.Exchange.SustainedLimit,
		time.Duration(cfg.Exchange.SustainedWindowSec)*time.Second)

	engine := services.NewEngine(store, clients, exchangeCh, burst, sustained, services.ExecutionConfig{
		SlippageTolerance: cfg.Trading.SlippageTolerance,
		MinPrice:          cfg.Trading.MinPrice,
		MaxPrice:          cfg.Trading.MaxPrice,
		MinOrderValue:     cfg.Trading.MinOrderValue,
		RetryLimit:        cfg.Trading.RetryLimit,
		RetryBase:         cfg.RetryBaseDelay(),
		RetryMax:          cfg.RetryMaxDelay(),
	})

	monitor = services.NewMonitor(store, clients, exchangeCh, services.MonitorConfig{
		PollInterval: time.Duration(cfg.Settlement.PollIntervalSec) * time.Second,
		Timeout:      time.Duration(cfg.Settlement.TimeoutSec) * time.Second,
	})
	defer monitor.Close()

	var explorerSource services.ExplorerSource
	if len(cfg.Explorer.Providers) > 0 {
		p := cfg.Explorer.Providers[0]
		explorerSource = explorer.NewClient(p.Host, p.APIKey)
	} else {
		log.Warn("no explorer providers configured; deposit scanning disabled")
		explorerSource = unconfiguredExplorer{}
	}
	scanner := services.NewScanner(store, explorerSource, explorerCh, services.ScannerConfig{
		TrackedAsset: cfg.Explorer.TrackedAsset,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.New(store, engine, monitor, scanner, channels).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// clientBuilder resolves a user's signing key, builds the exchange
// client and performs the credential handshake through the shared
// channel. Each user's first client also brings up their push stream.
func clientBuilder(store *storage.Store, walletProvider *wallets.Provider,
	exchangeCh *reqchannel.Channel, streams *streamSet, cfg *config.Config) services.ClientBuilder {
	return func(ctx context.Context, userID string) (services.ExchangeClient, error) {
		user, err := store.GetUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		if user == nil {
			return nil, fmt.Errorf("user %s not found", userID)
		}

		key, err := walletProvider.KeyForUser(user.ID, user.DerivationPath)
		if err != nil {
			return nil, err
		}

		sigType := exchange.SigTypeEOA
		if user.FunderAddress != "" && user.FunderAddress != user.Address {
			sigType = exchange.SigTypePolyProxy
		}
		client := exchange.NewClient(cfg.Exchange.Host, cfg.Exchange.ChainID, key, user.FunderAddress, sigType)

		if _, err := exchangeCh.Execute(ctx, func(ctx context.Context) (interface{}, error) {
			return client.DeriveAPIKey(ctx)
		}, ""); err != nil {
			return nil, err
		}

		streams.Ensure(user.ID, client.Creds())
		return client, nil
	}
}

// streamSet keeps at most one user stream per user for the process
// lifetime.
type streamSet struct {
	wsHost  string
	handler stream.OrderUpdateHandler

	mu      sync.Mutex
	streams map[string]*stream.UserStream
}

func newStreamSet(wsHost string, handler stream.OrderUpdateHandler) *streamSet {
	return &streamSet{
		wsHost:  wsHost,
		handler: handler,
		streams: make(map[string]*stream.UserStream),
	}
}

func (s *streamSet) Ensure(userID string, creds *exchange.APICreds) {
	if s.wsHost == "" || creds == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[userID]; ok {
		return
	}
	us := stream.NewUserStream(stream.DefaultConfig(s.wsHost), creds, s.handler)
	if err := us.Start(); err != nil {
		logrus.WithFields(logrus.Fields{"user": userID, "error": err}).Warn("user stream start failed")
		return
	}
	s.streams[userID] = us
}

func (s *streamSet) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, us := range s.streams {
		us.Stop()
	}
	s.streams = make(map[string]*stream.UserStream)
}

type unconfiguredExplorer struct{}

func (unconfiguredExplorer) TokenTransfers(ctx context.Context, address, contract string, startBlock uint64) ([]explorer.TokenTransfer, error) {
	return nil, errors.New("no explorer provider configured")
}
