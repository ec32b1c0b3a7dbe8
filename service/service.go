// Package service assembles the relay: storage, chain client, wallets and
// nonce pool, fee service, settlement engine, pipeline and HTTP API, with a
// single Start/Stop lifecycle.
package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/sync/errgroup"

	"github.com/aibtcdev/x402-sponsor-relay-sub000/api"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/chain"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/config"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/db"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/db/pebbledb"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/fees"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/log"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/noncepool"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/settle"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/sponsor"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/stacks"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/storage"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/workers"
)

// MaxWallets bounds the sponsor wallet fan-out.
const MaxWallets = 10

// Config holds everything the relay needs to come up.
type Config struct {
	Network     config.Network
	DataDir     string
	Host        string
	Port        int
	HiroAPIKey  string
	Mnemonic    string
	PrivateKey  string
	WalletCount int
}

// Relay owns the wired services. Build with New, drive with Start/Stop.
type Relay struct {
	Storage  *storage.Storage
	Chain    *chain.Client
	Pool     *noncepool.Pool
	Queue    *workers.Queue
	Fees     *fees.Service
	Pipeline *sponsor.Pipeline
	API      *api.API

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New builds the relay from configuration. Nothing runs until Start.
func New(cfg *Config) (*Relay, error) {
	keys, err := sponsorKeys(cfg)
	if err != nil {
		return nil, err
	}

	database, err := pebbledb.New(db.Options{Path: filepath.Join(cfg.DataDir, "relay")})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	store := storage.New(database)

	chainClient := chain.New(cfg.Network.IndexerBaseURL, cfg.HiroAPIKey)

	wallets := make([]noncepool.Wallet, 0, len(keys))
	keyMap := make(map[int]*secp256k1.PrivateKey, len(keys))
	for i, key := range keys {
		address := stacks.EncodeAddress(cfg.Network.AddressVersion, stacks.Hash160(key.PubKey()))
		log.Infow("sponsor wallet ready", "index", i, "address", address)
		wallets = append(wallets, noncepool.Wallet{Index: i, Address: address})
		keyMap[i] = key
	}
	pool, err := noncepool.NewPool(wallets, chainClient, store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create nonce pool: %w", err)
	}

	queue := workers.NewQueue(0)
	feeService := fees.New(store, chainClient)
	pipeline := sponsor.New(cfg.Network, store, pool, feeService,
		settle.New(cfg.Network, chainClient), queue, keyMap)

	apiServer, err := api.New(&api.APIConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Network:  cfg.Network,
		Storage:  store,
		Pipeline: pipeline,
		Fees:     feeService,
		Pool:     pool,
	})
	if err != nil {
		pool.Close()
		store.Close()
		return nil, fmt.Errorf("create API server: %w", err)
	}

	return &Relay{
		Storage:  store,
		Chain:    chainClient,
		Pool:     pool,
		Queue:    queue,
		Fees:     feeService,
		Pipeline: pipeline,
		API:      apiServer,
	}, nil
}

// Start launches the background queue and the API server. It returns
// immediately; failures surface through Wait or the next Stop.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return fmt.Errorf("service already running")
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.Queue.Start(ctx)
	r.group, ctx = errgroup.WithContext(ctx)
	r.group.Go(func() error {
		return r.API.Start(ctx)
	})
	return nil
}

// Wait blocks until the running services exit.
func (r *Relay) Wait() error {
	r.mu.Lock()
	group := r.group
	r.mu.Unlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}

// Stop shuts everything down in reverse dependency order.
func (r *Relay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.cancel = nil
	if r.group != nil {
		if err := r.group.Wait(); err != nil {
			log.Warnw("service shutdown error", "error", err.Error())
		}
		r.group = nil
	}
	r.Queue.Stop()
	r.Pool.Close()
	r.Storage.Close()
	log.Info("relay stopped")
}

// sponsorKeys resolves the wallet keys from the mnemonic or, failing that,
// the raw private key.
func sponsorKeys(cfg *Config) ([]*secp256k1.PrivateKey, error) {
	count := cfg.WalletCount
	if count <= 0 {
		count = 1
	}
	if count > MaxWallets {
		return nil, fmt.Errorf("wallet count %d exceeds the maximum of %d", count, MaxWallets)
	}
	if cfg.Mnemonic != "" {
		log.Infow("deriving sponsor wallets",
			"count", count,
			"mnemonic", stacks.MnemonicFingerprint(cfg.Mnemonic))
		return stacks.DeriveKeys(cfg.Mnemonic, count)
	}
	if cfg.PrivateKey != "" {
		if count > 1 {
			return nil, fmt.Errorf("multiple wallets require a mnemonic")
		}
		key, err := stacks.ParsePrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		return []*secp256k1.PrivateKey{key}, nil
	}
	return nil, fmt.Errorf("a sponsor mnemonic or private key is required")
}
