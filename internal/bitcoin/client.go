// Package bitcoin wraps the node JSON-RPC interface used by the tier-3
// transaction source: block hash/height lookups, verbose block fetches with
// decoded outputs, and mempool queries.
package bitcoin

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/rs/zerolog/log"
)

type Client struct {
	RPC    *rpcclient.Client
	Config Config
}

type Config struct {
	Host string
	User string
	Pass string
	// CookiePath, when set, takes precedence over User/Pass. The cookie file
	// is written by the node as "__cookie__:<password>".
	CookiePath string
}

// NewClient connects to the node and verifies the connection with a block
// count call.
func NewClient(cfg Config) (*Client, error) {
	user, pass := cfg.User, cfg.Pass
	if cfg.CookiePath != "" {
		var err error
		user, pass, err = readCookie(cfg.CookiePath)
		if err != nil {
			return nil, fmt.Errorf("read rpc cookie: %w", err)
		}
	}

	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         user,
		Pass:         pass,
		HTTPPostMode: true, // Bitcoin Core only supports HTTP POST mode
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, err
	}

	blockCount, err := client.GetBlockCount()
	if err != nil {
		client.Shutdown()
		return nil, err
	}
	log.Info().Str("host", cfg.Host).Int64("height", blockCount).Msg("connected to bitcoin node")

	return &Client{RPC: client, Config: cfg}, nil
}

func (c *Client) Shutdown() {
	c.RPC.Shutdown()
}

func readCookie(path string) (user, pass string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(strings.TrimSpace(string(data)), ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed cookie file %s", path)
	}
	return parts[0], parts[1], nil
}

// --- RPC wrappers ---

func (c *Client) GetBlockCount() (int64, error) {
	return c.RPC.GetBlockCount()
}

func (c *Client) GetBlockHash(height int64) (*chainhash.Hash, error) {
	return c.RPC.GetBlockHash(height)
}

// GetBlockVerboseTx fetches a block at verbosity 2: full transactions with
// decoded outputs, which spares a per-tx round trip.
func (c *Client) GetBlockVerboseTx(hash *chainhash.Hash) (*btcjson.GetBlockVerboseTxResult, error) {
	return c.RPC.GetBlockVerboseTx(hash)
}

// GetBlockHeaderTime returns the block's timestamp without fetching its
// transactions, used to binary-search a date onto the chain.
func (c *Client) GetBlockHeaderTime(hash *chainhash.Hash) (int64, error) {
	header, err := c.RPC.GetBlockHeaderVerbose(hash)
	if err != nil {
		return 0, err
	}
	return header.Time, nil
}

func (c *Client) GetRawMempool() ([]string, error) {
	hashes, err := c.RPC.GetRawMempool()
	if err != nil {
		return nil, err
	}
	result := make([]string, len(hashes))
	for i, hash := range hashes {
		result[i] = hash.String()
	}
	return result, nil
}

// GetMempoolEntryFee returns the fee in BTC for an unconfirmed transaction.
// Decodes raw JSON because modern nodes report fees.base while btcjson
// expects the legacy fee field.
func (c *Client) GetMempoolEntryFee(txid string) (float64, error) {
	param, err := json.Marshal(txid)
	if err != nil {
		return 0, err
	}
	rawResp, err := c.RPC.RawRequest("getmempoolentry", []json.RawMessage{param})
	if err != nil {
		return 0, err
	}

	var entry struct {
		Fee  float64 `json:"fee"`
		Fees struct {
			Base float64 `json:"base"`
		} `json:"fees"`
	}
	if err := json.Unmarshal(rawResp, &entry); err != nil {
		return 0, err
	}
	if entry.Fees.Base > 0 {
		return entry.Fees.Base, nil
	}
	return entry.Fee, nil
}

// GetRawTransactionVerbose fetches one decoded transaction by txid, used for
// mempool hydration where no block context exists.
func (c *Client) GetRawTransactionVerbose(txid string) (*btcjson.TxRawResult, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, fmt.Errorf("bad txid %q: %w", txid, err)
	}
	return c.RPC.GetRawTransactionVerbose(hash)
}

func (c *Client) GetBlockChainInfo() (*btcjson.GetBlockChainInfoResult, error) {
	return c.RPC.GetBlockChainInfo()
}
