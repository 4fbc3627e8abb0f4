// Command node runs one attestation-network participant: the message
// store, peer connection supervisor, host sequencer and control API wired
// together, following the teacher's cmd entrypoint shape (flag parsing,
// config.Load, component construction, signal-driven graceful shutdown)
// adapted from the BFT validator's main.go to this system's components.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/attestmesh/node/pkg/config"
	"github.com/attestmesh/node/pkg/envelope"
	"github.com/attestmesh/node/pkg/eventlog"
	"github.com/attestmesh/node/pkg/peerconn"
	"github.com/attestmesh/node/pkg/pipeline"
	"github.com/attestmesh/node/pkg/sequencer"
	"github.com/attestmesh/node/pkg/server"
	"github.com/attestmesh/node/pkg/store"
)

func main() {
	showHelp := flag.Bool("help", false, "Show help message")
	flag.Parse()
	if *showHelp {
		flag.Usage()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading configuration:", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Str("component", "node").Logger()

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("creating data directory")
	}

	nodeKey, err := loadOrGenerateNodeKey(cfg.NodeKeyPath)
	if err != nil {
		log.Fatal().Err(err).Msg("loading node key")
	}
	log.Info().Str("key", envelope.KeyFromPrivate(nodeKey).String()).Msg("node identity loaded")

	self, err := parseIdentity(cfg.ListenAddr)
	if err != nil {
		log.Fatal().Err(err).Str("listen_addr", cfg.ListenAddr).Msg("parsing listen address")
	}

	msgStore, err := store.Open(store.DefaultConfig(cfg.StoreDBPath), log)
	if err != nil {
		log.Fatal().Err(err).Msg("opening message store")
	}
	defer msgStore.Close()

	evlog, err := eventlog.Open(cfg.EventLogDBPath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("opening event log")
	}
	defer evlog.Close()

	// Resolved up front so a bad ATTESTMESH_BITCOIN_NETWORK value fails
	// fast; only consumed once a litigator ModuleLoader/Binder is plugged
	// into this binary (see below).
	if _, err := bitcoinNetworkParams(cfg.BitcoinNetwork); err != nil {
		log.Fatal().Err(err).Msg("resolving bitcoin network")
	}

	registry := peerconn.NewPendingAuthRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup := pipeline.NewSupervisor(msgStore, registry, self, log)
	go sup.Run(ctx, cfg.PeerRescanInterval)

	if cfg.HostKeyHex != "" {
		hostKey, err := parseKeyHex(cfg.HostKeyHex)
		if err != nil {
			log.Fatal().Err(err).Msg("parsing host key")
		}
		runSequencer(ctx, msgStore, hostKey, log)
	} else {
		log.Info().Msg("no host key configured, host sequencer disabled")
	}

	if cfg.LitigatorEnabled {
		// pkg/litigator's ContractModule/ModuleLoader/Binder are the
		// black-box seam a real contract-compiler runtime plugs into
		// (spec.md's Non-goals); this binary ships none, so there is
		// nothing concrete to load the loop against yet.
		log.Warn().Msg("litigator enabled but no ModuleLoader is wired into this binary; not starting the loop")
	}

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	ctrl := server.New(msgStore, registry, self, log)
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: ctrl.Router()}
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("control API and peer socket listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("control API server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("control API shutdown")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("metrics shutdown")
	}
	log.Info().Msg("stopped")
}

// runSequencer wires the chain walker through the queue drain into the
// deserializer, per spec.md section 4.E points 1-6. The resulting moves
// are application-specific (the game rules built atop them are an
// explicit Non-goal) so this binary only logs them; a real deployment
// would plug a game-specific consumer onto the same channel.
func runSequencer(ctx context.Context, s *store.Store, hostKey envelope.Key, log zerolog.Logger) {
	hashes := make(chan envelope.Hash, 100)
	envelopes := make(chan *envelope.Envelope, 100)
	moves := make(chan sequencer.Move, 100)

	handlers := sequencer.Handlers{
		OnGameSetup: func(setup json.RawMessage) {
			log.Info().RawJSON("game_setup", setup).Msg("host game_setup observed")
		},
		OnNewPeer: func(p sequencer.HostPeer) error {
			return s.UpsertHiddenService(store.HiddenService{
				URL: p.URL, Port: p.Port, Fetch: p.Fetch, Push: p.Push, Unsolicited: p.Unsolicited,
			})
		},
	}

	go func() {
		if err := sequencer.RunChainWalker(ctx, s, hostKey, handlers, hashes); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("chain walker stopped")
		}
	}()
	go func() {
		if err := sequencer.RunQueueDrain(ctx, s, hashes, envelopes); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("queue drain stopped")
		}
	}()
	go func() {
		if err := sequencer.RunDeserializer(ctx, envelopes, moves); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("deserializer stopped")
		}
	}()
	go func() {
		for {
			select {
			case m := <-moves:
				log.Debug().Str("author", m.Author.String()).Int("bytes", len(m.Data)).Msg("move sequenced")
			case <-ctx.Done():
				return
			}
		}
	}()
}

func bitcoinNetworkParams(name string) (*chaincfg.Params, error) {
	switch strings.ToLower(name) {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3", "testnet":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest", "":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown bitcoin network %q", name)
	}
}

// loadOrGenerateNodeKey loads this node's hex-encoded secp256k1 secret
// from path, generating and persisting a fresh one (0600 permissions) if
// absent, mirroring the teacher's loadOrGenerateEd25519Key idiom.
func loadOrGenerateNodeKey(path string) (*btcec.PrivateKey, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating key directory %s: %w", dir, err)
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		priv, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, fmt.Errorf("generating node key: %w", err)
		}
		if err := os.WriteFile(path, []byte(hex.EncodeToString(priv.Serialize())), 0600); err != nil {
			return nil, fmt.Errorf("saving node key to %s: %w", path, err)
		}
		return priv, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading node key from %s: %w", path, err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decoding node key from %s: %w", path, err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("invalid node key size in %s: expected 32 bytes, got %d", path, len(raw))
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv, nil
}

func parseKeyHex(s string) (envelope.Key, error) {
	var k envelope.Key
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return k, err
	}
	if len(raw) != 32 {
		return k, fmt.Errorf("key must be 32 bytes, got %d", len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// parseIdentity splits a listen address into the (url, port) pair peers
// announce back to over the handshake's /authenticate side channel.
func parseIdentity(listenAddr string) (peerconn.Identity, error) {
	host, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return peerconn.Identity{}, err
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return peerconn.Identity{}, fmt.Errorf("parsing port %q: %w", portStr, err)
	}
	return peerconn.Identity{URL: host, Port: port}, nil
}
