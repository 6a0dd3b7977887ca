package models

// TxIn represents a Bitcoin transaction input
type TxIn struct {
	Txid     string `json:"txid"` // empty for coinbase
	Vout     uint32 `json:"vout"`
	Sequence uint32 `json:"sequence"` // nSequence: < 0xFFFFFFFE signals RBF (BIP125)
}

// TxOut represents a Bitcoin transaction output. ValueBTC is the amount after
// the single sat->BTC conversion performed by the fetch layer; the engine
// never sees satoshis.
type TxOut struct {
	ValueBTC   float64 `json:"valueBtc"`
	ScriptType string  `json:"scriptType"` // "pubkeyhash", "witness_v0_keyhash", "nulldata", ...
}

// Transaction is the canonical engine input, produced by any fetch tier.
type Transaction struct {
	Txid        string  `json:"txid"`
	Inputs      []TxIn  `json:"inputs"`
	Outputs     []TxOut `json:"outputs"`
	Weight      int     `json:"weight"`
	Vsize       int     `json:"vsize"` // BIP141 virtual size
	WitnessSize int     `json:"witnessSize"`
	BlockHeight int     `json:"blockHeight,omitempty"` // 0 for mempool
	BlockTime   int64   `json:"blockTime,omitempty"`   // unix seconds
}

// IsCoinbase reports whether no input references a real prior transaction.
func (t *Transaction) IsCoinbase() bool {
	if len(t.Inputs) == 0 {
		return true
	}
	for _, in := range t.Inputs {
		if in.Txid != "" {
			return false
		}
	}
	return true
}

// IsRBF reports whether any input opts into BIP125 replacement.
func (t *Transaction) IsRBF() bool {
	for _, in := range t.Inputs {
		if in.Sequence < 0xFFFFFFFE {
			return true
		}
	}
	return false
}

// TotalOutputBTC sums all output amounts.
func (t *Transaction) TotalOutputBTC() float64 {
	var total float64
	for _, out := range t.Outputs {
		total += out.ValueBTC
	}
	return total
}
