package wallet

type getAddressResult struct {
	Address string `json:"address"`
}

type prepareMultisigResult struct {
	MultisigInfo string `json:"multisig_info"`
}

// MakeMultisigResult mirrors the wallet-rpc make_multisig response. The
// address at this stage is provisional; only the exchange round produces the
// final shared address.
type MakeMultisigResult struct {
	Address      string `json:"address"`
	MultisigInfo string `json:"multisig_info"`
}

type exchangeMultisigKeysResult struct {
	Address      string `json:"address"`
	MultisigInfo string `json:"multisig_info"`
}

// ExchangeResult is the normalized exchange_multisig_keys outcome. IsFinal is
// derived from the wallet reporting a non-empty address.
type ExchangeResult struct {
	Address      string
	MultisigInfo string
	IsFinal      bool
}

// MultisigStatus mirrors the wallet-rpc is_multisig response.
type MultisigStatus struct {
	Multisig  bool   `json:"multisig"`
	Ready     bool   `json:"ready"`
	Threshold uint32 `json:"threshold"`
	Total     uint32 `json:"total"`
}
