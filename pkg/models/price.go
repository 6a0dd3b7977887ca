package models

import "time"

// PriceResult is the engine's output for one compute invocation.
// PriceUSD is nil when there is insufficient data or convergence failed;
// in that case Confidence is always 0.
type PriceResult struct {
	PriceUSD    *float64               `json:"price_usd"`
	Confidence  float64                `json:"confidence"` // [0, 1]
	TxCount     int                    `json:"tx_count"`
	OutputCount int                    `json:"output_count"`
	Diagnostics map[string]interface{} `json:"diagnostics,omitempty"`
}

// SanityFail reports whether the computed price fell outside the sane band.
func (r *PriceResult) SanityFail() bool {
	if r.Diagnostics == nil {
		return false
	}
	v, ok := r.Diagnostics["sanity_fail"].(bool)
	return ok && v
}

// PriceSample is one persisted row of the comparison series.
// Samples are append-only; a failed validation is recorded with IsValid=false
// rather than being rewritten.
type PriceSample struct {
	Timestamp      time.Time `json:"timestamp"` // unique PK, UTC
	Date           time.Time `json:"date"`      // UTC date derived from Timestamp
	UTXOraclePrice float64   `json:"utxoracle_price"`
	ExchangePrice  *float64  `json:"exchange_price"` // nil when the oracle was unreachable
	Confidence     float64   `json:"confidence"`
	TxCount        int       `json:"tx_count"`
	IsValid        bool      `json:"is_valid"`
}

// WhaleDirection classifies large-transfer flow relative to exchanges.
type WhaleDirection string

const (
	DirectionBuy     WhaleDirection = "BUY"
	DirectionSell    WhaleDirection = "SELL"
	DirectionNeutral WhaleDirection = "NEUTRAL"
)

// WhaleSignal is broadcast to stream clients for each qualifying mempool
// transaction, at most once per (txid, RBF generation).
type WhaleSignal struct {
	Txid          string         `json:"txid"`
	TotalBTCValue float64        `json:"total_btc_value"`
	TotalUSDValue float64        `json:"total_usd_value"`
	FeeRateSatVB  float64        `json:"fee_rate_sat_vb"`
	UrgencyScore  float64        `json:"urgency_score"` // [0, 1]
	Direction     WhaleDirection `json:"direction"`
	IsRBF         bool           `json:"is_rbf"`
	ObservedAt    time.Time      `json:"observed_at"`
}
