package fetch

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/rs/zerolog"

	"github.com/rawblock/utxoracle-engine/internal/bitcoin"
	"github.com/rawblock/utxoracle-engine/pkg/models"
)

// NodeSource is tier 3: direct node JSON-RPC via getblockhash/getblock at
// verbosity 2. This tier must always be available; the cascade treats its
// failure as fatal for the request.
type NodeSource struct {
	client *bitcoin.Client
	log    zerolog.Logger
}

func NewNodeSource(client *bitcoin.Client, log zerolog.Logger) *NodeSource {
	return &NodeSource{
		client: client,
		log:    log.With().Str("component", "fetch.node").Logger(),
	}
}

func (s *NodeSource) Name() string { return "node-rpc" }

func (s *NodeSource) Healthcheck(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		info, err := s.client.GetBlockChainInfo()
		if err == nil && info.Blocks == 0 {
			err = fmt.Errorf("node has no blocks yet")
		}
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		return fmt.Errorf("node healthcheck timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MempoolTransaction hydrates one unconfirmed transaction for the whale
// poller. Same conversion as the block path, without block context.
func (s *NodeSource) MempoolTransaction(txid string) (models.Transaction, error) {
	raw, err := s.client.GetRawTransactionVerbose(txid)
	if err != nil {
		return models.Transaction{}, err
	}
	return convertRPCTx(raw)
}

func (s *NodeSource) FetchRecent(ctx context.Context, blockWindow int) ([]models.Transaction, error) {
	tip, err := s.client.GetBlockCount()
	if err != nil {
		return nil, fmt.Errorf("getblockcount: %w", err)
	}
	start := tip - int64(blockWindow) + 1
	if start < 0 {
		start = 0
	}
	return s.fetchHeightRange(ctx, start, tip)
}

func (s *NodeSource) FetchByDate(ctx context.Context, date time.Time) ([]models.Transaction, error) {
	tip, err := s.client.GetBlockCount()
	if err != nil {
		return nil, fmt.Errorf("getblockcount: %w", err)
	}
	first, last, err := findDayRange(ctx, tip, date, func(_ context.Context, h int64) (int64, error) {
		hash, err := s.client.GetBlockHash(h)
		if err != nil {
			return 0, err
		}
		return s.client.GetBlockHeaderTime(hash)
	})
	if err != nil {
		return nil, err
	}
	return s.fetchHeightRange(ctx, first, last)
}

func (s *NodeSource) fetchHeightRange(ctx context.Context, start, end int64) ([]models.Transaction, error) {
	var all []models.Transaction
	for h := start; h <= end; h++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		hash, err := s.client.GetBlockHash(h)
		if err != nil {
			return nil, fmt.Errorf("getblockhash %d: %w", h, err)
		}
		block, err := s.client.GetBlockVerboseTx(hash)
		if err != nil {
			return nil, fmt.Errorf("getblock %s: %w", hash, err)
		}
		for i := range block.Tx {
			tx, err := convertRPCTx(&block.Tx[i])
			if err != nil {
				// Malformed transaction data: drop and continue.
				s.log.Warn().Int64("height", h).Err(err).Msg("dropping malformed tx")
				continue
			}
			tx.BlockHeight = int(h)
			tx.BlockTime = block.Time
			all = append(all, tx)
		}
	}
	return all, nil
}

// convertRPCTx maps a verbose RPC transaction to the canonical form. RPC
// output values are BTC floats already; the satoshi boundary for this tier
// is inside the node.
func convertRPCTx(raw *btcjson.TxRawResult) (models.Transaction, error) {
	if raw.Txid == "" {
		return models.Transaction{}, fmt.Errorf("tx without txid")
	}
	tx := models.Transaction{
		Txid:        raw.Txid,
		Inputs:      make([]models.TxIn, len(raw.Vin)),
		Outputs:     make([]models.TxOut, len(raw.Vout)),
		Weight:      int(raw.Weight),
		Vsize:       int(raw.Vsize),
		WitnessSize: witnessBytes(int(raw.Size), int(raw.Weight)),
	}
	for i, vin := range raw.Vin {
		tx.Inputs[i] = models.TxIn{Txid: vin.Txid, Vout: vin.Vout, Sequence: vin.Sequence}
	}
	for i, vout := range raw.Vout {
		if vout.Value < 0 || math.IsNaN(vout.Value) {
			return models.Transaction{}, fmt.Errorf("tx %s: bad output value %v", raw.Txid, vout.Value)
		}
		tx.Outputs[i] = models.TxOut{
			ValueBTC:   vout.Value,
			ScriptType: vout.ScriptPubKey.Type,
		}
	}
	return tx, nil
}
