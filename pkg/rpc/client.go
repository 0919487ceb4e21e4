// Package rpc is a thin JSON-RPC client for the chain node. It only covers
// the methods the agent consumes; transaction construction and signing live
// in pkg/tx.
package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/helioslabs/solvent/pkg/chain"
)

// AccountInfo is the RPC view of one account at a slot.
type AccountInfo struct {
	Slot       uint64
	Owner      chain.Address
	Data       []byte
	Lamports   uint64
	Executable bool
	RentEpoch  uint64
}

// KeyedAccount pairs an address with its account info.
type KeyedAccount struct {
	Addr chain.Address
	Info AccountInfo
}

// PreflightError is returned when sendTransaction fails simulation; Logs
// carry the program's error strings for classification.
type PreflightError struct {
	Message string
	Logs    []string
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("transaction preflight failure: %s", e.Message)
}

// Client is the consumed RPC surface.
type Client interface {
	GetAccountInfo(ctx context.Context, addr chain.Address) (AccountInfo, error)
	GetMultipleAccounts(ctx context.Context, addrs []chain.Address) (uint64, []*AccountInfo, error)
	GetProgramAccounts(ctx context.Context, owner chain.Address) (uint64, []KeyedAccount, error)
	GetSignatureStatuses(ctx context.Context, sigs []string) (uint64, error)
	SendTransaction(ctx context.Context, wire []byte) (string, error)
}

// HTTPClient speaks JSON-RPC 2.0 over a shared long-lived connection pool.
// Safe for concurrent use.
type HTTPClient struct {
	url    string
	client *http.Client
	nextID atomic.Uint64
}

func NewHTTPClient(url string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	Jsonrpc string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type wireAccount struct {
	Data       []string `json:"data"` // [base64, "base64"]
	Owner      string   `json:"owner"`
	Lamports   uint64   `json:"lamports"`
	Executable bool     `json:"executable"`
	RentEpoch  uint64   `json:"rentEpoch"`
}

type withContext[T any] struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value T `json:"value"`
}

func (c *HTTPClient) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	body, err := json.Marshal(rpcRequest{Jsonrpc: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc %s: http status %d", method, resp.StatusCode)
	}
	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("rpc %s: %w", method, err)
	}
	if rr.Error != nil {
		// simulation failures carry logs in the error data
		var data struct {
			Logs []string `json:"logs"`
		}
		if rr.Error.Data != nil && json.Unmarshal(rr.Error.Data, &data) == nil && len(data.Logs) > 0 {
			return &PreflightError{Message: rr.Error.Message, Logs: data.Logs}
		}
		return fmt.Errorf("rpc %s: %s (code %d)", method, rr.Error.Message, rr.Error.Code)
	}
	if out != nil {
		if err := json.Unmarshal(rr.Result, out); err != nil {
			return fmt.Errorf("rpc %s: decode result: %w", method, err)
		}
	}
	return nil
}

func decodeWireAccount(w *wireAccount, slot uint64) (AccountInfo, error) {
	var info AccountInfo
	info.Slot = slot
	if len(w.Data) > 0 {
		raw, err := base64.StdEncoding.DecodeString(w.Data[0])
		if err != nil {
			return info, fmt.Errorf("account data: %w", err)
		}
		info.Data = raw
	}
	owner, err := chain.ParseAddress(w.Owner)
	if err != nil {
		return info, err
	}
	info.Owner = owner
	info.Lamports = w.Lamports
	info.Executable = w.Executable
	info.RentEpoch = w.RentEpoch
	return info, nil
}

func (c *HTTPClient) GetAccountInfo(ctx context.Context, addr chain.Address) (AccountInfo, error) {
	var res withContext[*wireAccount]
	err := c.call(ctx, "getAccountInfo", []interface{}{
		addr.String(),
		map[string]string{"encoding": "base64", "commitment": "processed"},
	}, &res)
	if err != nil {
		return AccountInfo{}, err
	}
	if res.Value == nil {
		return AccountInfo{}, fmt.Errorf("account %s not found", addr)
	}
	return decodeWireAccount(res.Value, res.Context.Slot)
}

func (c *HTTPClient) GetMultipleAccounts(ctx context.Context, addrs []chain.Address) (uint64, []*AccountInfo, error) {
	keys := make([]string, len(addrs))
	for i, a := range addrs {
		keys[i] = a.String()
	}
	var res withContext[[]*wireAccount]
	err := c.call(ctx, "getMultipleAccounts", []interface{}{
		keys,
		map[string]string{"encoding": "base64", "commitment": "processed"},
	}, &res)
	if err != nil {
		return 0, nil, err
	}
	infos := make([]*AccountInfo, len(res.Value))
	for i, w := range res.Value {
		if w == nil {
			continue
		}
		info, err := decodeWireAccount(w, res.Context.Slot)
		if err != nil {
			return 0, nil, err
		}
		infos[i] = &info
	}
	return res.Context.Slot, infos, nil
}

type wireKeyedAccount struct {
	Pubkey  string      `json:"pubkey"`
	Account wireAccount `json:"account"`
}

func (c *HTTPClient) GetProgramAccounts(ctx context.Context, owner chain.Address) (uint64, []KeyedAccount, error) {
	var res withContext[[]wireKeyedAccount]
	err := c.call(ctx, "getProgramAccounts", []interface{}{
		owner.String(),
		map[string]interface{}{"encoding": "base64", "commitment": "processed", "withContext": true},
	}, &res)
	if err != nil {
		return 0, nil, err
	}
	out := make([]KeyedAccount, 0, len(res.Value))
	for _, w := range res.Value {
		addr, err := chain.ParseAddress(w.Pubkey)
		if err != nil {
			return 0, nil, err
		}
		info, err := decodeWireAccount(&w.Account, res.Context.Slot)
		if err != nil {
			return 0, nil, err
		}
		out = append(out, KeyedAccount{Addr: addr, Info: info})
	}
	return res.Context.Slot, out, nil
}

func (c *HTTPClient) GetSignatureStatuses(ctx context.Context, sigs []string) (uint64, error) {
	var res withContext[[]*struct {
		Slot uint64 `json:"slot"`
	}]
	err := c.call(ctx, "getSignatureStatuses", []interface{}{sigs}, &res)
	if err != nil {
		return 0, err
	}
	var maxSlot uint64
	for _, st := range res.Value {
		if st != nil && st.Slot > maxSlot {
			maxSlot = st.Slot
		}
	}
	if maxSlot == 0 {
		return 0, fmt.Errorf("no confirmed slot for signatures yet")
	}
	return maxSlot, nil
}

func (c *HTTPClient) SendTransaction(ctx context.Context, wire []byte) (string, error) {
	var sig string
	err := c.call(ctx, "sendTransaction", []interface{}{
		base64.StdEncoding.EncodeToString(wire),
		map[string]interface{}{"encoding": "base64", "preflightCommitment": "processed"},
	}, &sig)
	return sig, err
}
