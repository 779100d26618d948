// Package config loads node startup configuration: a YAML file supplying
// defaults, overridden by CLI flags, following the daemon entrypoint idiom
// of valhallacoin-vhcwallet and monetarium-node (github.com/jessevdk/go-flags).
package config

import (
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type TransportVariant string

const (
	TransportTLSMesh TransportVariant = "tlsmesh"
	TransportGossip  TransportVariant = "gossip"
	TransportRelay   TransportVariant = "relay"
)

// Config is the full node configuration (spec.md §2 "Each node exposes an
// authenticated mutual-TLS transport and owns one key share per wallet").
type Config struct {
	PartyIndex int    `yaml:"party_index"`
	DataDir    string `yaml:"data_dir"`

	Transport struct {
		Variant     TransportVariant `yaml:"variant"`
		ListenAddr  string           `yaml:"listen_addr"`
		CACertFile  string           `yaml:"ca_cert_file"`
		CertFile    string           `yaml:"cert_file"`
		KeyFile     string           `yaml:"key_file"`
		RelayAddr   string           `yaml:"relay_addr"`
		GossipTopic string           `yaml:"gossip_topic"`
	} `yaml:"transport"`

	Coordination struct {
		BoltPath string `yaml:"bolt_path"`
	} `yaml:"coordination"`

	Audit struct {
		PostgresDSN string `yaml:"postgres_dsn"`
	} `yaml:"audit"`

	GrantAuthority struct {
		TrustedIssuerPublicKeyHex string `yaml:"trusted_issuer_public_key_hex"`
		// IssuerPrivateKeyHex is set only on the node(s) acting as their own
		// grant issuer for this deployment (spec.md §9 Open Question on
		// issuer placement; see DESIGN.md for the single-Engine
		// simplification this node process makes).
		IssuerPrivateKeyHex string `yaml:"issuer_private_key_hex"`
	} `yaml:"grant_authority"`

	Presignature struct {
		Target   int `yaml:"target"`
		Capacity int `yaml:"capacity"`
	} `yaml:"presignature"`

	Chain struct {
		RPCHost string `yaml:"rpc_host"`
		RPCUser string `yaml:"rpc_user"`
		RPCPass string `yaml:"rpc_pass"`
	} `yaml:"chain"`

	Peers []PeerConfig `yaml:"peers"`

	// Voters maps each participating party index to the Ed25519 public key
	// it signs votes with (spec.md §4.8), used by the Consensus Voter's
	// invalid_signature detector.
	Voters []VoterKeyConfig `yaml:"voters"`
}

// PeerConfig names one other node in the mesh, used by the tlsmesh
// transport variant to dial its peers.
type PeerConfig struct {
	PartyIndex int    `yaml:"party_index"`
	Addr       string `yaml:"addr"`
}

// VoterKeyConfig is one party's registered vote-signing public key.
type VoterKeyConfig struct {
	PartyIndex   int    `yaml:"party_index"`
	PublicKeyHex string `yaml:"public_key_hex"`
}

// CLIOptions are the flag overrides layered on top of the YAML file.
type CLIOptions struct {
	ConfigFile string `short:"c" long:"config" description:"path to node YAML config" required:"true"`
	PartyIndex *int   `short:"p" long:"party-index" description:"override configured party index"`
	DataDir    string `short:"d" long:"data-dir" description:"override configured data directory"`
}

// Load reads the YAML config named by args (or os.Args if args is nil) and
// applies CLI overrides on top of it.
func Load(args []string) (*Config, error) {
	var opts CLIOptions
	parser := flags.NewParser(&opts, flags.Default)
	if args == nil {
		args = os.Args[1:]
	}
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, errors.Wrap(err, "parsing CLI flags")
	}

	raw, err := os.ReadFile(opts.ConfigFile)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config YAML")
	}

	if opts.PartyIndex != nil {
		cfg.PartyIndex = *opts.PartyIndex
	}
	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}

	if cfg.DataDir == "" {
		return nil, errors.New("data_dir must be set")
	}
	return &cfg, nil
}
