// Command node is one party's long-running process: it loads its share of
// every wallet it participates in, joins the configured transport mesh, and
// runs the background tasks (presignature refill, orchestration,
// submission) that together drive transactions from pending to completed
// (spec.md §2, §4).
package main

import (
	"context"
	stded25519 "crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"os"
	"os/signal"
	"syscall"

	"github.com/agl/ed25519"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/kisdex/mpc-custody/internal/auditstore"
	"github.com/kisdex/mpc-custody/internal/chainclient"
	"github.com/kisdex/mpc-custody/internal/config"
	"github.com/kisdex/mpc-custody/internal/consensus"
	"github.com/kisdex/mpc-custody/internal/coordstore"
	"github.com/kisdex/mpc-custody/internal/grantauth"
	"github.com/kisdex/mpc-custody/internal/keystore"
	"github.com/kisdex/mpc-custody/internal/model"
	"github.com/kisdex/mpc-custody/internal/mpc/ecdsa"
	"github.com/kisdex/mpc-custody/internal/mpc/schnorr"
	"github.com/kisdex/mpc-custody/internal/orchestrator"
	"github.com/kisdex/mpc-custody/internal/presigpool"
	"github.com/kisdex/mpc-custody/internal/signer"
	"github.com/kisdex/mpc-custody/internal/submitter"
	"github.com/kisdex/mpc-custody/internal/transport"
	"github.com/kisdex/mpc-custody/internal/transport/gossip"
	"github.com/kisdex/mpc-custody/internal/transport/tlsmesh"
	"github.com/kisdex/mpc-custody/internal/txbuilder"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	sugar := log.Sugar()

	if err := run(sugar); err != nil {
		sugar.Fatalw("node exited", "error", err)
	}
}

func run(log *zap.SugaredLogger) error {
	cfg, err := config.Load(nil)
	if err != nil {
		return errors.Wrap(err, "loading config")
	}

	masterKey, err := loadMasterKey()
	if err != nil {
		return errors.Wrap(err, "loading key store master key")
	}

	ks, err := keystore.Open(cfg.DataDir+"/keyshares.db", masterKey)
	if err != nil {
		return errors.Wrap(err, "opening key store")
	}
	defer ks.Close()

	coord, err := coordstore.Open(cfg.Coordination.BoltPath)
	if err != nil {
		return errors.Wrap(err, "opening coordination store")
	}
	defer coord.Close()

	audit, err := auditstore.Open(cfg.Audit.PostgresDSN)
	if err != nil {
		return errors.Wrap(err, "opening audit store")
	}
	defer audit.Close()

	tp, err := buildTransport(cfg, log)
	if err != nil {
		return errors.Wrap(err, "building transport")
	}

	grants, verifier, err := buildGrantAuthority(cfg)
	if err != nil {
		return errors.Wrap(err, "building grant authority")
	}

	chainRPC, err := chainclient.Dial(&rpcclient.ConnConfig{
		Host:         cfg.Chain.RPCHost,
		User:         cfg.Chain.RPCUser,
		Pass:         cfg.Chain.RPCPass,
		HTTPPostMode: true,
		DisableTLS:   true,
	})
	if err != nil {
		return errors.Wrap(err, "dialing chain RPC endpoint")
	}
	defer chainRPC.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	engine := signer.NewEngine(cfg.PartyIndex, walletInfoAdapter{audit}, grants, verifier, tp)

	wallets, err := audit.Wallets(ctx)
	if err != nil {
		return errors.Wrap(err, "listing wallets")
	}
	for _, w := range wallets {
		if err := wireWallet(ctx, cfg, log, ks, coord, tp, engine, w); err != nil {
			log.Errorw("wiring wallet", "wallet", w.ID, "error", err)
		}
	}

	voters := make(voterKeyRegistry, len(cfg.Voters))
	for _, v := range cfg.Voters {
		pub, err := hex.DecodeString(v.PublicKeyHex)
		if err != nil {
			return errors.Wrapf(err, "decoding voter %d public key", v.PartyIndex)
		}
		voters[v.PartyIndex] = pub
	}
	voter := consensus.NewVoter(audit, voters)
	_ = voter // wired into a gRPC/HTTP vote-intake surface outside this entrypoint's scope

	encoder := txbuilder.New()
	sub := submitter.New(audit, coord, chainRPC, encoder)

	orch := orchestrator.New(audit, coord, engine, sub, audit, log)
	orch.Run(ctx)
	return nil
}

// loadMasterKey reads the node's key store master key from the environment,
// provisioned out of band (spec.md §9; see DESIGN.md's keystore bootstrap
// decision): an operator-mounted secret, env var, or HSM-unwrapped value
// placed there before this process starts.
func loadMasterKey() ([chacha20poly1305.KeySize]byte, error) {
	var key [chacha20poly1305.KeySize]byte
	raw := os.Getenv("MPC_CUSTODY_MASTER_KEY_HEX")
	if raw == "" {
		return key, errors.New("MPC_CUSTODY_MASTER_KEY_HEX not set")
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return key, errors.Wrap(err, "decoding master key hex")
	}
	if len(decoded) != chacha20poly1305.KeySize {
		return key, errors.Errorf("master key must be %d bytes, got %d", chacha20poly1305.KeySize, len(decoded))
	}
	copy(key[:], decoded)
	return key, nil
}

func buildGrantAuthority(cfg *config.Config) (*grantauth.Authority, *grantauth.Verifier, error) {
	trustedPub, err := decodeEd25519Public(cfg.GrantAuthority.TrustedIssuerPublicKeyHex)
	if err != nil {
		return nil, nil, errors.Wrap(err, "decoding trusted issuer public key")
	}
	verifier := grantauth.NewVerifier(trustedPub, cfg.PartyIndex)

	if cfg.GrantAuthority.IssuerPrivateKeyHex == "" {
		return nil, verifier, nil
	}
	privRaw, err := hex.DecodeString(cfg.GrantAuthority.IssuerPrivateKeyHex)
	if err != nil {
		return nil, nil, errors.Wrap(err, "decoding issuer private key")
	}
	if len(privRaw) != ed25519.PrivateKeySize {
		return nil, nil, errors.Errorf("issuer private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(privRaw))
	}
	var priv [ed25519.PrivateKeySize]byte
	copy(priv[:], privRaw)
	return grantauth.NewAuthority(trustedPub, &priv), verifier, nil
}

func decodeEd25519Public(h string) (*[ed25519.PublicKeySize]byte, error) {
	raw, err := hex.DecodeString(h)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, errors.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	var pub [ed25519.PublicKeySize]byte
	copy(pub[:], raw)
	return &pub, nil
}

// buildTLSConfig loads this node's client certificate and the CA that
// signs every peer's certificate, for the tlsmesh transport variant's
// mutual-TLS requirement (spec.md §2 "authenticated mutual-TLS transport").
func buildTLSConfig(cfg *config.Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.Transport.CertFile, cfg.Transport.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "loading node TLS certificate")
	}
	caBytes, err := os.ReadFile(cfg.Transport.CACertFile)
	if err != nil {
		return nil, errors.Wrap(err, "reading CA certificate")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, errors.New("no certificates parsed from CA file")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}, nil
}

func buildTransport(cfg *config.Config, log *zap.SugaredLogger) (transport.Transport, error) {
	switch cfg.Transport.Variant {
	case config.TransportTLSMesh:
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		peers := make([]tlsmesh.PeerAddr, len(cfg.Peers))
		for i, p := range cfg.Peers {
			peers[i] = tlsmesh.PeerAddr{PartyIndex: p.PartyIndex, Addr: p.Addr}
		}
		return tlsmesh.New(log, cfg.PartyIndex, cfg.Transport.ListenAddr, tlsConfig, peers, sessionAuthKeyFn)

	case config.TransportGossip:
		return gossip.New(context.Background(), log, cfg.PartyIndex, cfg.Transport.ListenAddr, nil)

	case config.TransportRelay:
		// The relay variant's Hub (internal/transport/relay) is an in-process
		// mailbox; a network-facing relay client for a true multi-process
		// deployment is not implemented here (see DESIGN.md Open Questions).
		return nil, errors.New("relay transport variant requires an in-process Hub; not available to a standalone node process")

	default:
		return nil, errors.Errorf("unknown transport variant %q", cfg.Transport.Variant)
	}
}

// sessionAuthKeyFn is a placeholder satisfying tlsmesh.New's signature for
// frame-authentication-key derivation outside of an active signing session
// (e.g. heartbeats); the real per-session key always comes from
// mpcsession.DeriveAuthKey once a grant has been verified.
func sessionAuthKeyFn([32]byte) transport.AuthKey {
	return transport.AuthKey{}
}

func wireWallet(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger, ks *keystore.Store, coord *coordstore.Store, tp transport.Transport, engine *signer.Engine, w model.Wallet) error {
	share, err := ks.Get(w.ID)
	if errors.Is(err, model.ErrKeyShareMissing) {
		return nil // this node observes but does not sign for this wallet
	}
	if err != nil {
		return errors.Wrap(err, "reading key share")
	}

	switch w.Ciphersuite {
	case model.CiphersuiteECDSA:
		party := ecdsa.NewParty(cfg.PartyIndex, nil)
		if err := party.SetShareData(share.SecretShare); err != nil {
			return errors.Wrap(err, "installing ECDSA share data")
		}
		engine.RegisterECDSAParty(w.ID, party)

		pool := presigpool.NewPool(cfg.Presignature.Target, cfg.Presignature.Capacity)
		engine.RegisterPresignaturePool(w.ID, pool)
		selectSet := staticSigningSet(w.Threshold, w.ParticipantCount)
		refiller := presigpool.NewRefiller(w.ID, pool, coord, party, tp, uint16(cfg.PartyIndex), selectSet, log)
		go refiller.Run(ctx)

	case model.CiphersuiteSchnorr:
		party := schnorr.NewParty(cfg.PartyIndex, nil)
		if err := party.SetShareData(share.SecretShare); err != nil {
			return errors.Wrap(err, "installing Schnorr share data")
		}
		engine.RegisterSchnorrParty(w.ID, party)

	default:
		return errors.Errorf("unknown ciphersuite %q for wallet %s", w.Ciphersuite, w.ID)
	}
	return nil
}

// staticSigningSet picks the first threshold+1 party indices out of
// participantCount as every refill round's signing set. A production
// deployment would instead pick from parties currently known online; this
// is the simplest selector that satisfies presigpool.Refiller's contract.
func staticSigningSet(threshold, participantCount int) func() []int {
	set := make([]int, 0, threshold+1)
	for i := 1; i <= participantCount && len(set) < threshold+1; i++ {
		set = append(set, i)
	}
	return func() []int { return set }
}

// walletInfoAdapter satisfies signer.WalletInfoLookup over auditstore.Store.
type walletInfoAdapter struct {
	audit *auditstore.Store
}

func (a walletInfoAdapter) WalletInfo(ctx context.Context, walletID uuid.UUID) (signer.WalletInfo, error) {
	suite, threshold, n, err := a.audit.CiphersuiteAndCounts(ctx, walletID)
	if err != nil {
		return signer.WalletInfo{}, err
	}
	return signer.WalletInfo{Ciphersuite: suite, Threshold: threshold, ParticipantCount: n}, nil
}

// voterKeyRegistry satisfies consensus.VoterKeys.
type voterKeyRegistry map[int][]byte

func (r voterKeyRegistry) PublicKey(party int) (stded25519.PublicKey, bool) {
	pub, ok := r[party]
	return stded25519.PublicKey(pub), ok
}
