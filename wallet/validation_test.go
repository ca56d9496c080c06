package wallet

import (
	"strings"
	"testing"
)

func TestValidateAddress(t *testing.T) {
	stagenet := "5" + strings.Repeat("A", 94)
	mainnet := "4" + strings.Repeat("A", 94)
	integrated := "4" + strings.Repeat("A", 105)

	cases := []struct {
		name    string
		addr    string
		network Network
		want    bool
	}{
		{"stagenet standard", stagenet, NetworkStagenet, true},
		{"mainnet standard", mainnet, NetworkMainnet, true},
		{"mainnet integrated", integrated, NetworkMainnet, true},
		{"wrong network", mainnet, NetworkStagenet, false},
		{"too short", "5AAA", NetworkStagenet, false},
		{"bad charset", "5" + strings.Repeat("0", 94), NetworkStagenet, false},
		{"bad charset l", "5" + strings.Repeat("l", 94), NetworkStagenet, false},
		{"empty", "", NetworkMainnet, false},
		{"unknown network", mainnet, Network("simnet"), false},
		{"surrounding space trimmed", "  " + stagenet + "  ", NetworkStagenet, true},
	}
	for _, tc := range cases {
		if got := ValidateAddress(tc.addr, tc.network); got != tc.want {
			t.Errorf("%s: ValidateAddress = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestValidateMultisigInfo(t *testing.T) {
	if err := ValidateMultisigInfo("MultisigV1" + strings.Repeat("a", 100)); err != nil {
		t.Fatalf("valid prepare info rejected: %v", err)
	}
	if err := ValidateMultisigInfo("MultisigxV1" + strings.Repeat("a", 100)); err != nil {
		t.Fatalf("valid exchange info rejected: %v", err)
	}
	if err := ValidateMultisigInfo("MultisigV1short"); err == nil {
		t.Fatal("undersized info accepted")
	}
	if err := ValidateMultisigInfo("MultisigV1" + strings.Repeat("a", MaxMultisigInfoLen)); err == nil {
		t.Fatal("oversized info accepted")
	}
	if err := ValidateMultisigInfo(strings.Repeat("a", 200)); err == nil {
		t.Fatal("info without magic accepted")
	}
}

func TestValidateLocalEndpoint(t *testing.T) {
	valid := []string{
		"http://127.0.0.1:18083/json_rpc",
		"http://localhost:18084/json_rpc",
		"https://[::1]:18085/json_rpc",
	}
	for _, endpoint := range valid {
		if err := ValidateLocalEndpoint(endpoint); err != nil {
			t.Errorf("%s rejected: %v", endpoint, err)
		}
	}
	invalid := []string{
		"http://10.0.0.5:18083/json_rpc",
		"http://wallet.example.com/json_rpc",
		"ftp://127.0.0.1/json_rpc",
		"not a url at all ://",
	}
	for _, endpoint := range invalid {
		if err := ValidateLocalEndpoint(endpoint); err == nil {
			t.Errorf("%s accepted", endpoint)
		}
	}
}
