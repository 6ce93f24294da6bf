package node

import (
	"crypto/ed25519"

	"github.com/yznetwork/overlay/errs"
	"github.com/yznetwork/overlay/identity"
	"github.com/yznetwork/overlay/internal/log"
	"github.com/yznetwork/overlay/store"
)

// loadOrGenerateIdentity implements spec.md §3 "identities are created
// once (persistent) or per-session (ephemeral)": if persist already holds
// a private key it is reused verbatim (never rehashed into a new NodeID,
// mirroring the id package's wire-vs-hash distinction); otherwise a fresh
// key pair is generated and immediately persisted.
func loadOrGenerateIdentity(persist store.Store) (*identity.KeyPair, error) {
	logger := log.NewModuleLogger(log.Identity)

	raw, err := persist.Get(store.KeyIdentityPrivateKey)
	if err == nil {
		if len(raw) != ed25519.PrivateKeySize {
			return nil, errs.New(errs.Unknown, "persisted identity key has wrong size", nil)
		}
		kp := identity.FromPrivateKey(ed25519.PrivateKey(raw))
		logger.Info("loaded persisted identity", "nodeId", kp.NodeID())
		return kp, nil
	}
	if err != store.ErrNotFound {
		return nil, errs.New(errs.Unknown, "reading persisted identity", err)
	}

	kp, err := identity.Generate()
	if err != nil {
		return nil, err
	}
	if err := persist.Put(store.KeyIdentityPrivateKey, kp.PrivateKeyBytes()); err != nil {
		return nil, errs.New(errs.Unknown, "persisting freshly generated identity", err)
	}
	logger.Info("generated new identity", "nodeId", kp.NodeID())
	return kp, nil
}

// openStore opens the configured Store backend, or an in-memory one when
// DataDir is empty (ephemeral client-style sessions).
func openStore(cfg *Config) (store.Store, error) {
	if cfg.DataDir == "" {
		return store.NewMemStore(), nil
	}
	if cfg.StoreBackend == "badger" {
		return store.NewBadgerStore(cfg.DataDir)
	}
	return store.NewLevelDBStore(cfg.DataDir, 64, 256)
}
