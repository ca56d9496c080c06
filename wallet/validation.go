package wallet

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Network selects the Monero network whose address format applies.
type Network string

const (
	NetworkMainnet  Network = "mainnet"
	NetworkTestnet  Network = "testnet"
	NetworkStagenet Network = "stagenet"
)

const (
	// Multisig payload size bounds observed from wallet-rpc output. Anything
	// outside this window is rejected before it enters a session.
	MinMultisigInfoLen = 100
	MaxMultisigInfoLen = 5000

	standardAddressLen   = 95
	integratedAddressLen = 106
)

// Monero's base58 alphabet (same character set as Bitcoin's, different block
// encoding, which is why no imported decoder fits).
const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

var addressPrefixes = map[Network][]string{
	NetworkMainnet:  {"4", "8"},
	NetworkTestnet:  {"9", "B"},
	NetworkStagenet: {"5", "7"},
}

// ValidateAddress performs a format-only check of a Monero address for the
// given network: length, network prefix, base58 charset. It does not verify
// the embedded checksum and must not be treated as proof the address is
// spendable.
func ValidateAddress(addr string, network Network) bool {
	addr = strings.TrimSpace(addr)
	if len(addr) != standardAddressLen && len(addr) != integratedAddressLen {
		return false
	}
	prefixes, ok := addressPrefixes[network]
	if !ok {
		return false
	}
	matched := false
	for _, p := range prefixes {
		if strings.HasPrefix(addr, p) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	for _, r := range addr {
		if !strings.ContainsRune(base58Alphabet, r) {
			return false
		}
	}
	return true
}

// ValidateMultisigInfo checks that a round artifact looks like genuine
// wallet-rpc output: bounded length and the MultisigV1/MultisigxV1 magic.
func ValidateMultisigInfo(info string) error {
	if len(info) < MinMultisigInfoLen {
		return fmt.Errorf("multisig info too short: %d bytes (min %d)", len(info), MinMultisigInfoLen)
	}
	if len(info) > MaxMultisigInfoLen {
		return fmt.Errorf("multisig info too long: %d bytes (max %d)", len(info), MaxMultisigInfoLen)
	}
	if !strings.HasPrefix(info, "MultisigV1") && !strings.HasPrefix(info, "MultisigxV1") {
		return fmt.Errorf("multisig info missing MultisigV1 magic")
	}
	return nil
}

// ValidateLocalEndpoint enforces that a wallet RPC URL points at the loopback
// interface. Participants run their own wallet-rpc next to the coordinator;
// accepting remote URLs would let an attacker substitute a wallet they
// control.
func ValidateLocalEndpoint(rawURL string) error {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return fmt.Errorf("invalid wallet endpoint: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("wallet endpoint must be http(s), got %q", parsed.Scheme)
	}
	host := parsed.Hostname()
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("wallet endpoint host %q is not loopback", host)
	}
	return nil
}
