package node

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yznetwork/overlay/identity"
	"github.com/yznetwork/overlay/store"
)

func TestLoadOrGenerateIdentityPersistsAndReloads(t *testing.T) {
	s := store.NewMemStore()

	first, err := loadOrGenerateIdentity(s)
	require.NoError(t, err)

	second, err := loadOrGenerateIdentity(s)
	require.NoError(t, err)

	require.Equal(t, first.NodeID(), second.NodeID())
}

func TestOpenStoreEphemeralWhenDataDirEmpty(t *testing.T) {
	s, err := openStore(&Config{})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put("k", []byte("v")))
	got, err := s.Get("k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)
}

func TestRegistrationMetadataCarriesNodeTypeAndPublicKey(t *testing.T) {
	kp, err := identity.Generate()
	require.NoError(t, err)

	cfg := &Config{ListenAddress: "127.0.0.1:9000"}
	md := cfg.registrationMetadata(kp)

	require.Equal(t, NodeTypeServer, md["nodeType"])
	require.Equal(t, "127.0.0.1:9000", md["listeningAddress"])
	require.Equal(t, hex.EncodeToString(kp.Public), md["publicKey"])
	require.NotContains(t, md, "isBridgeNode")
}

func TestRegistrationMetadataBridgeAndClientDefaults(t *testing.T) {
	kp, err := identity.Generate()
	require.NoError(t, err)

	bridgeCfg := &Config{IsBridgeNode: true}
	md := bridgeCfg.registrationMetadata(kp)
	require.Equal(t, NodeTypeBridge, md["nodeType"])
	require.Equal(t, "true", md["isBridgeNode"])

	clientCfg := &Config{}
	md = clientCfg.registrationMetadata(kp)
	require.Equal(t, NodeTypeClient, md["nodeType"])
	require.NotContains(t, md, "listeningAddress")
}

func TestTrustAnchorSeedAndLearn(t *testing.T) {
	anchor := newTrustAnchor()

	genesisKP, err := identity.Generate()
	require.NoError(t, err)
	anchor.seedGenesis(genesisKP.NodeID(), genesisKP.Public)

	pub, ok := anchor.PublicKeyFor(genesisKP.NodeID())
	require.True(t, ok)
	require.Equal(t, genesisKP.Public, pub)

	peerKP, err := identity.Generate()
	require.NoError(t, err)
	_, ok = anchor.PublicKeyFor(peerKP.NodeID())
	require.False(t, ok)

	anchor.learn(peerKP.NodeID(), map[string]string{"publicKey": hex.EncodeToString(peerKP.Public)})
	pub, ok = anchor.PublicKeyFor(peerKP.NodeID())
	require.True(t, ok)
	require.Equal(t, peerKP.Public, pub)
}

func TestDecodeGenesisPublicKeyRejectsMalformed(t *testing.T) {
	_, err := decodeGenesisPublicKey("not-hex")
	require.Error(t, err)

	_, err = decodeGenesisPublicKey(hex.EncodeToString([]byte("too-short")))
	require.Error(t, err)
}
