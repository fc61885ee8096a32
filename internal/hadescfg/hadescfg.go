// Package hadescfg holds the environment-variable-driven process
// configuration shared across the hades binaries, in the style of
// bg/cl.configd's envcfg-tagged Cfg struct.
package hadescfg

import (
	"bufio"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/tomazk/envcfg"

	"github.com/agdsn/hades/internal/envelope"
)

// Instance selects which RADIUS instance a binary is acting on behalf of.
// dnsmasq and the Deputy both run once per instance (auth, unauth); the
// site-wide radius instance only ever participates in the RPC transport's
// VRRP binding state machine.
type Instance string

// Recognized instances (spec.md §4.6, §6 --auth|--unauth).
const (
	InstanceAuth   Instance = "auth"
	InstanceUnauth Instance = "unauth"
	InstanceRadius Instance = "radius"
)

// Env holds the environment-derived configuration shared across the hades
// binaries; each binary loads this struct as it is. A given binary only reads the subset of
// these it needs; leaving the rest unset in the environment is harmless.
type Env struct {
	HadesDBURI   string `envcfg:"HADES_DB_URI"`
	HadesAMQPURI string `envcfg:"HADES_AMQP_URI"`
	HadesNodeKey string `envcfg:"HADES_NODE_KEY"`
	HadesSiteKey string `envcfg:"HADES_SITE_KEY"`

	HadesPrivateKey     string `envcfg:"HADES_PRIVATE_KEY"`      // base64 ed25519 seed (32 bytes)
	HadesTrustedSigners string `envcfg:"HADES_TRUSTED_SIGNERS"`  // comma-separated base64 ed25519 public keys

	HadesAuthNamespace string `envcfg:"HADES_AUTH_NAMESPACE"`
	HadesRetention     string `envcfg:"HADES_RETENTION_INTERVAL"` // Go duration string, e.g. "720h"
	HadesMetricsAddr   string `envcfg:"HADES_METRICS_ADDR"`       // e.g. ":9100"; blank disables the /metrics endpoint

	HadesDHCPHostsPath    string `envcfg:"HADES_DHCP_HOSTS_PATH"`
	HadesDHCPHostsUID     int    `envcfg:"HADES_DHCP_HOSTS_UID"`
	HadesDHCPHostsGID     int    `envcfg:"HADES_DHCP_HOSTS_GID"`
	HadesDHCPUnit         string `envcfg:"HADES_DHCP_UNIT"`

	HadesRadiusClientsPath string `envcfg:"HADES_RADIUS_CLIENTS_PATH"`
	HadesRadiusClientsUID  int    `envcfg:"HADES_RADIUS_CLIENTS_UID"`
	HadesRadiusClientsGID  int    `envcfg:"HADES_RADIUS_CLIENTS_GID"`
	HadesRadiusUnit        string `envcfg:"HADES_RADIUS_UNIT"`

	HadesIPSetName string `envcfg:"HADES_IPSET_NAME"`

	HadesSendReleases    bool   `envcfg:"HADES_SEND_RELEASES"`
	HadesReleaseServerIP string `envcfg:"HADES_RELEASE_SERVER_IP"`
	HadesReleaseFromIP   string `envcfg:"HADES_RELEASE_FROM_IP"`
	HadesReleaseIface    string `envcfg:"HADES_RELEASE_INTERFACE"`
}

// Load populates an Env (or an embedding struct) from the process
// environment via envcfg, matching cl.configd's envcfg.Unmarshal(&environ)
// call.
func Load(cfg interface{}) error {
	if err := envcfg.Unmarshal(cfg); err != nil {
		return fmt.Errorf("hadescfg: %w", err)
	}
	return nil
}

// LoadFile reads KEY=VALUE lines from path (blank lines and lines
// starting with '#' are ignored) and applies them to the process
// environment via os.Setenv, so a subsequent Load picks them up. This
// backs the --config PATH flag of spec.md §6: envcfg itself only reads
// the live environment, so a config *file* needs this thin adapter rather
// than a second configuration library.
func LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("hadescfg: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("hadescfg: %s: malformed line %q", path, line)
		}
		if err := os.Setenv(strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("hadescfg: setenv %s: %w", key, err)
		}
	}
	return scanner.Err()
}

// ParsePrivateKey decodes a base64-encoded 32-byte ed25519 seed (as
// produced alongside HadesTrustedSigners's corresponding public key) into
// a signing key.
func ParsePrivateKey(seedB64 string) (ed25519.PrivateKey, error) {
	seed, err := base64.StdEncoding.DecodeString(seedB64)
	if err != nil {
		return nil, fmt.Errorf("hadescfg: decode private key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("hadescfg: private key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// ParseTrustedSigners decodes a comma-separated list of base64 ed25519
// public keys into the envelope.TrustedSigners set Open/Transport expect.
func ParseTrustedSigners(csv string) (envelope.TrustedSigners, error) {
	trusted := envelope.TrustedSigners{}
	if strings.TrimSpace(csv) == "" {
		return trusted, nil
	}
	for _, field := range strings.Split(csv, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		pub, err := base64.StdEncoding.DecodeString(field)
		if err != nil {
			return nil, fmt.Errorf("hadescfg: decode trusted signer: %w", err)
		}
		if len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("hadescfg: trusted signer must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
		}
		trusted[base64.StdEncoding.EncodeToString(pub)] = ed25519.PublicKey(pub)
	}
	return trusted, nil
}
