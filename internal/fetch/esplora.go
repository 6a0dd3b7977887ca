package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rawblock/utxoracle-engine/pkg/models"
)

// EsploraSource speaks the esplora-style indexer HTTP API. Tier 1 runs it
// against the local indexer with no rate limit; tier 2 runs the same source
// against a public endpoint throttled to 2 req/s (privacy-sensitive,
// disabled by default).
type EsploraSource struct {
	name    string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter // nil for the local tier
	workers int
	log     zerolog.Logger
}

const esploraCallTimeout = 5 * time.Second

func NewLocalIndexerSource(baseURL string, workers int, log zerolog.Logger) *EsploraSource {
	return &EsploraSource{
		name:    "indexer-local",
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: esploraCallTimeout},
		workers: workers,
		log:     log.With().Str("component", "fetch.indexer-local").Logger(),
	}
}

func NewPublicIndexerSource(baseURL string, workers int, log zerolog.Logger) *EsploraSource {
	return &EsploraSource{
		name:    "indexer-public",
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: esploraCallTimeout},
		limiter: rate.NewLimiter(rate.Limit(2), 2),
		workers: workers,
		log:     log.With().Str("component", "fetch.indexer-public").Logger(),
	}
}

func (s *EsploraSource) Name() string { return s.name }

func (s *EsploraSource) Healthcheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := s.tipHeight(ctx)
	return err
}

func (s *EsploraSource) FetchRecent(ctx context.Context, blockWindow int) ([]models.Transaction, error) {
	tip, err := s.tipHeight(ctx)
	if err != nil {
		return nil, err
	}
	start := tip - int64(blockWindow) + 1
	if start < 0 {
		start = 0
	}
	return s.fetchHeightRange(ctx, start, tip)
}

func (s *EsploraSource) FetchByDate(ctx context.Context, date time.Time) ([]models.Transaction, error) {
	tip, err := s.tipHeight(ctx)
	if err != nil {
		return nil, err
	}
	first, last, err := findDayRange(ctx, tip, date, func(ctx context.Context, h int64) (int64, error) {
		blk, err := s.blockAtHeight(ctx, h)
		if err != nil {
			return 0, err
		}
		return blk.Timestamp, nil
	})
	if err != nil {
		return nil, err
	}
	return s.fetchHeightRange(ctx, first, last)
}

func (s *EsploraSource) fetchHeightRange(ctx context.Context, start, end int64) ([]models.Transaction, error) {
	var all []models.Transaction
	for h := start; h <= end; h++ {
		blk, err := s.blockAtHeight(ctx, h)
		if err != nil {
			return nil, err
		}
		txids, err := s.blockTxids(ctx, blk.ID)
		if err != nil {
			return nil, err
		}

		// Hydrate transactions with a bounded worker pool, keeping block
		// index order in the result.
		txs := make([]models.Transaction, len(txids))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.workers)
		for i, txid := range txids {
			g.Go(func() error {
				tx, err := s.transaction(gctx, txid)
				if err != nil {
					return err
				}
				tx.BlockHeight = int(h)
				tx.BlockTime = blk.Timestamp
				txs[i] = tx
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		all = append(all, txs...)
	}
	return all, nil
}

// --- wire types ---

type esploraBlock struct {
	ID        string `json:"id"`
	Height    int64  `json:"height"`
	Timestamp int64  `json:"timestamp"`
}

type esploraTx struct {
	Txid string `json:"txid"`
	Vin  []struct {
		Txid     string   `json:"txid"`
		Vout     uint32   `json:"vout"`
		Sequence uint32   `json:"sequence"`
		Coinbase bool     `json:"is_coinbase"`
		Witness  []string `json:"witness"`
	} `json:"vin"`
	Vout []struct {
		ScriptType string `json:"scriptpubkey_type"`
		Value      int64  `json:"value"` // satoshis
	} `json:"vout"`
	Size   int `json:"size"`
	Weight int `json:"weight"`
}

func (s *EsploraSource) tipHeight(ctx context.Context) (int64, error) {
	body, err := s.get(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
}

func (s *EsploraSource) blockAtHeight(ctx context.Context, h int64) (*esploraBlock, error) {
	body, err := s.get(ctx, fmt.Sprintf("/block-height/%d", h))
	if err != nil {
		return nil, err
	}
	hash := strings.TrimSpace(string(body))

	body, err = s.get(ctx, "/block/"+hash)
	if err != nil {
		return nil, err
	}
	var blk esploraBlock
	if err := json.Unmarshal(body, &blk); err != nil {
		return nil, fmt.Errorf("decode block %s: %w", hash, err)
	}
	return &blk, nil
}

func (s *EsploraSource) blockTxids(ctx context.Context, hash string) ([]string, error) {
	body, err := s.get(ctx, "/block/"+hash+"/txids")
	if err != nil {
		return nil, err
	}
	var txids []string
	if err := json.Unmarshal(body, &txids); err != nil {
		return nil, fmt.Errorf("decode txids of %s: %w", hash, err)
	}
	return txids, nil
}

func (s *EsploraSource) transaction(ctx context.Context, txid string) (models.Transaction, error) {
	body, err := s.get(ctx, "/tx/"+txid)
	if err != nil {
		return models.Transaction{}, err
	}
	var raw esploraTx
	if err := json.Unmarshal(body, &raw); err != nil {
		return models.Transaction{}, fmt.Errorf("decode tx %s: %w", txid, err)
	}
	return convertEsploraTx(&raw), nil
}

func convertEsploraTx(raw *esploraTx) models.Transaction {
	tx := models.Transaction{
		Txid:        raw.Txid,
		Inputs:      make([]models.TxIn, len(raw.Vin)),
		Outputs:     make([]models.TxOut, len(raw.Vout)),
		Weight:      raw.Weight,
		Vsize:       (raw.Weight + 3) / 4,
		WitnessSize: witnessBytes(raw.Size, raw.Weight),
	}
	for i, vin := range raw.Vin {
		txid := vin.Txid
		if vin.Coinbase {
			txid = ""
		}
		tx.Inputs[i] = models.TxIn{Txid: txid, Vout: vin.Vout, Sequence: vin.Sequence}
	}
	for i, vout := range raw.Vout {
		tx.Outputs[i] = models.TxOut{
			ValueBTC:   btcutil.Amount(vout.Value).ToBTC(),
			ScriptType: vout.ScriptType,
		}
	}
	return tx
}

func (s *EsploraSource) get(ctx context.Context, path string) ([]byte, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%s %s: status %d", s.name, path, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// findDayRange binary-searches the chain for the first block of the UTC day
// and walks forward to its last block. blockTime must be monotone enough at
// day granularity, which header times are in practice.
func findDayRange(ctx context.Context, tip int64, date time.Time,
	blockTime func(context.Context, int64) (int64, error)) (first, last int64, err error) {

	start, end := dayBounds(date)

	// Lowest height with time >= start of day.
	first = int64(sort.Search(int(tip+1), func(h int) bool {
		if err != nil {
			return true
		}
		t, e := blockTime(ctx, int64(h))
		if e != nil {
			err = e
			return true
		}
		return t >= start.Unix()
	}))
	if err != nil {
		return 0, 0, err
	}
	if first > tip {
		return 0, 0, fmt.Errorf("no blocks on %s", start.Format("2006-01-02"))
	}

	last = first
	for last+1 <= tip {
		t, e := blockTime(ctx, last+1)
		if e != nil {
			return 0, 0, e
		}
		if t >= end.Unix() {
			break
		}
		last++
	}

	t, e := blockTime(ctx, first)
	if e != nil {
		return 0, 0, e
	}
	if t >= end.Unix() {
		return 0, 0, fmt.Errorf("no blocks on %s", start.Format("2006-01-02"))
	}
	return first, last, nil
}
