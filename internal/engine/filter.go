package engine

import "github.com/rawblock/utxoracle-engine/pkg/models"

// Per-transaction gates. The algorithm targets payment-like transactions:
// a payee output and a change output, built from a handful of inputs.
const (
	maxInputs      = 5
	requiredOutputs = 2

	// Per-output BTC range. Dust and whale outputs carry no round-dollar
	// information.
	minOutputBTC = 1e-5
	maxOutputBTC = 1e5
)

// scriptTypeOpReturn matches both esplora ("op_return") and Core RPC
// ("nulldata") classifications for data-carrying outputs.
func isOpReturn(scriptType string) bool {
	return scriptType == "nulldata" || scriptType == "op_return"
}

// FilterStats counts the fate of every input transaction for diagnostics.
type FilterStats struct {
	TotalIn        int `json:"total_in"`
	RejectInputs   int `json:"reject_inputs"`
	RejectOutputs  int `json:"reject_outputs"`
	RejectCoinbase int `json:"reject_coinbase"`
	RejectOpReturn int `json:"reject_op_return"`
	RejectWitness  int `json:"reject_witness"`
	RejectSameDay  int `json:"reject_same_day"`
	Passed         int `json:"passed"`
}

// witnessDominates rejects inscription-style transactions whose witness data
// dwarfs the economic payload. Total serialized size is reconstructed from
// weight: weight = 4*base + witness, total = base + witness.
func witnessDominates(tx *models.Transaction) bool {
	if tx.WitnessSize <= 0 || tx.Weight <= 0 {
		return false
	}
	base := (tx.Weight - tx.WitnessSize) / 4
	total := base + tx.WitnessSize
	if total <= 0 {
		return false
	}
	return tx.WitnessSize*2 > total
}

// filterTransactions applies the per-tx gates in order and returns the
// surviving transactions. The same-day set grows as transactions are
// accepted: each candidate is tested against identifiers accepted so far,
// and its own identifier is added only after the accept/reject decision.
// Building the set up front would change which spends are considered
// same-day and is incorrect.
func filterTransactions(txs []models.Transaction, stats *FilterStats) []models.Transaction {
	sameDay := make(map[string]struct{}, len(txs))
	kept := make([]models.Transaction, 0, len(txs)/4)

	for i := range txs {
		tx := &txs[i]
		stats.TotalIn++

		accepted := false
		switch {
		case len(tx.Inputs) > maxInputs:
			stats.RejectInputs++
		case len(tx.Outputs) != requiredOutputs:
			stats.RejectOutputs++
		case tx.IsCoinbase():
			stats.RejectCoinbase++
		case hasOpReturn(tx):
			stats.RejectOpReturn++
		case witnessDominates(tx):
			stats.RejectWitness++
		case spendsSameDay(tx, sameDay):
			stats.RejectSameDay++
		default:
			accepted = true
		}

		// Inserted after the decision, accepted or not. A tx never tests
		// against its own identifier.
		sameDay[tx.Txid] = struct{}{}

		if accepted {
			stats.Passed++
			kept = append(kept, *tx)
		}
	}
	return kept
}

func hasOpReturn(tx *models.Transaction) bool {
	for _, out := range tx.Outputs {
		if isOpReturn(out.ScriptType) {
			return true
		}
	}
	return false
}

func spendsSameDay(tx *models.Transaction, sameDay map[string]struct{}) bool {
	for _, in := range tx.Inputs {
		if in.Txid == "" {
			continue
		}
		if _, ok := sameDay[in.Txid]; ok {
			return true
		}
	}
	return false
}

// survivingOutputs extracts the in-range outputs of the filtered transactions
// in input order. A transaction whose outputs are both out of range
// contributes nothing but still counts as passed.
func survivingOutputs(txs []models.Transaction) []float64 {
	outs := make([]float64, 0, len(txs)*2)
	for i := range txs {
		for _, out := range txs[i].Outputs {
			if out.ValueBTC > minOutputBTC && out.ValueBTC < maxOutputBTC {
				outs = append(outs, out.ValueBTC)
			}
		}
	}
	return outs
}
