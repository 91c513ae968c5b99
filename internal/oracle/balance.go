package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"pump-contract-engine/internal/errs"
)

// BalanceResult reports whether a wallet holds at least the required
// token amount. Actual and Required are raw (fixed-point) units.
type BalanceResult struct {
	OK        bool
	HasEnough bool
	Actual    uint64
	Required  uint64
	Decimals  int
}

// BalanceOracle checks SPL token balances through a Solana JSON-RPC node.
type BalanceOracle struct {
	rpcURL     string
	httpClient *http.Client
}

// NewBalanceOracle creates a balance oracle against the given RPC endpoint.
func NewBalanceOracle(rpcURL string) *BalanceOracle {
	return &BalanceOracle{
		rpcURL:     rpcURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type tokenAccountsResponse struct {
	Result *struct {
		Value []struct {
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							TokenAmount struct {
								Amount   string `json:"amount"`
								Decimals int    `json:"decimals"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	} `json:"result"`
	Error *rpcError `json:"error"`
}

// CheckBalance verifies that wallet holds at least requiredHuman tokens of
// mint. The caller passes the human-readable amount; scaling into the
// mint's fixed-point units happens here. A wallet without a token account
// simply holds zero, which is an answer, not an error.
func (o *BalanceOracle) CheckBalance(ctx context.Context, mint, wallet string, requiredHuman float64) (*BalanceResult, error) {
	resp, err := o.tokenAccountsByOwner(ctx, wallet, mint)
	if err != nil {
		return nil, err
	}

	var actual uint64
	decimals := -1
	for _, v := range resp.Result.Value {
		amt := v.Account.Data.Parsed.Info.TokenAmount
		raw, perr := strconv.ParseUint(amt.Amount, 10, 64)
		if perr != nil {
			return nil, errs.Wrap(errs.KindTransient, perr, "parse token amount")
		}
		actual += raw
		decimals = amt.Decimals
	}

	if decimals < 0 {
		// No token account. Zero balance satisfies only a zero requirement.
		return &BalanceResult{
			OK:        true,
			HasEnough: requiredHuman <= 0,
			Actual:    0,
			Required:  0,
			Decimals:  0,
		}, nil
	}

	required := scaleToRaw(requiredHuman, decimals)
	return &BalanceResult{
		OK:        true,
		HasEnough: actual >= required,
		Actual:    actual,
		Required:  required,
		Decimals:  decimals,
	}, nil
}

func (o *BalanceOracle) tokenAccountsByOwner(ctx context.Context, wallet, mint string) (*tokenAccountsResponse, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getTokenAccountsByOwner",
		Params: []interface{}{
			wallet,
			map[string]string{"mint": mint},
			map[string]string{"encoding": "jsonParsed"},
		},
	}

	body, err := o.post(ctx, req)
	if err != nil {
		return nil, err
	}

	var resp tokenAccountsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "parse token accounts response")
	}
	if resp.Error != nil {
		return nil, errs.New(errs.KindTransient, "rpc error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	if resp.Result == nil {
		return nil, errs.New(errs.KindTransient, "rpc response missing result")
	}
	return &resp, nil
}

func (o *BalanceOracle) post(ctx context.Context, rpcReq rpcRequest) ([]byte, error) {
	payload, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, errs.Wrap(errs.KindFatal, err, "marshal rpc request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return nil, errs.Wrap(errs.KindFatal, err, "build rpc request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "call rpc endpoint")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "read rpc response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.New(errs.KindTransient, "rpc endpoint returned %d", resp.StatusCode)
	}
	return body, nil
}

// scaleToRaw converts a human-readable token amount into the mint's
// fixed-point units.
func scaleToRaw(human float64, decimals int) uint64 {
	if human <= 0 {
		return 0
	}
	scaled := human * math.Pow10(decimals)
	if scaled >= math.MaxUint64 {
		return math.MaxUint64
	}
	return uint64(math.Round(scaled))
}

// String implements fmt.Stringer for diagnostics.
func (o *BalanceOracle) String() string {
	return fmt.Sprintf("BalanceOracle(%s)", o.rpcURL)
}
