// Package swap talks to the external swap router used for rebalancing and
// TCS sanity probes. The mock router prices from oracle ratios for
// deterministic tests.
package swap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/helioslabs/solvent/pkg/chain"
	"github.com/helioslabs/solvent/pkg/exchange"
	"github.com/helioslabs/solvent/pkg/fixed"
)

type Mode int

const (
	ExactIn Mode = iota
	ExactOut
)

func (m Mode) String() string {
	if m == ExactOut {
		return "ExactOut"
	}
	return "ExactIn"
}

// QueryRoute is a priced route quote.
type QueryRoute struct {
	InputMint            chain.Address
	OutputMint           chain.Address
	InAmount             uint64
	OutAmount            uint64
	OtherAmountThreshold uint64
	PriceImpactPct       float64
	SlippageBps          uint64
	Mode                 Mode
}

// Router is the consumed external interface.
type Router interface {
	Route(ctx context.Context, inputMint, outputMint chain.Address, amount uint64, slippageBps uint64, mode Mode) (QueryRoute, error)
	Swap(ctx context.Context, route QueryRoute) (string, error)
}

// HTTPRouter calls the hosted router API.
type HTTPRouter struct {
	base   string
	client *http.Client
	log    *zap.SugaredLogger
}

func NewHTTPRouter(base string, log *zap.SugaredLogger) *HTTPRouter {
	return &HTTPRouter{base: base, client: &http.Client{Timeout: 15 * time.Second}, log: log}
}

type wireRoute struct {
	InAmount             string  `json:"inAmount"`
	OutAmount            string  `json:"outAmount"`
	OtherAmountThreshold string  `json:"otherAmountThreshold"`
	PriceImpactPct       float64 `json:"priceImpactPct"`
	SlippageBps          uint64  `json:"slippageBps"`
}

func (r *HTTPRouter) Route(ctx context.Context, inputMint, outputMint chain.Address, amount uint64, slippageBps uint64, mode Mode) (QueryRoute, error) {
	q := url.Values{}
	q.Set("inputMint", inputMint.String())
	q.Set("outputMint", outputMint.String())
	q.Set("amount", strconv.FormatUint(amount, 10))
	q.Set("slippageBps", strconv.FormatUint(slippageBps, 10))
	q.Set("swapMode", mode.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base+"/route?"+q.Encode(), nil)
	if err != nil {
		return QueryRoute{}, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return QueryRoute{}, fmt.Errorf("router route: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return QueryRoute{}, fmt.Errorf("router route: http status %d", resp.StatusCode)
	}
	var wr wireRoute
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return QueryRoute{}, fmt.Errorf("router route: %w", err)
	}
	in, _ := strconv.ParseUint(wr.InAmount, 10, 64)
	out, _ := strconv.ParseUint(wr.OutAmount, 10, 64)
	thr, _ := strconv.ParseUint(wr.OtherAmountThreshold, 10, 64)
	return QueryRoute{
		InputMint:            inputMint,
		OutputMint:           outputMint,
		InAmount:             in,
		OutAmount:            out,
		OtherAmountThreshold: thr,
		PriceImpactPct:       wr.PriceImpactPct,
		SlippageBps:          wr.SlippageBps,
		Mode:                 mode,
	}, nil
}

type swapRequest struct {
	InputMint  string `json:"inputMint"`
	OutputMint string `json:"outputMint"`
	InAmount   uint64 `json:"inAmount"`
	OutAmount  uint64 `json:"outAmount"`
}

func (r *HTTPRouter) Swap(ctx context.Context, route QueryRoute) (string, error) {
	body, err := json.Marshal(swapRequest{
		InputMint:  route.InputMint.String(),
		OutputMint: route.OutputMint.String(),
		InAmount:   route.InAmount,
		OutAmount:  route.OutAmount,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/swap", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("router swap: %w", err)
	}
	defer resp.Body.Close()
	var out struct {
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("router swap: %w", err)
	}
	return out.Signature, nil
}

// MockRouter prices every route from the oracle ratio with a fixed fake
// impact, and reports swaps as instantly executed.
type MockRouter struct {
	Ctx     *exchange.Context
	Fetcher *exchange.AccountFetcher
	// OnSwap lets tests apply the balance effects of a swap.
	OnSwap func(route QueryRoute)

	swaps int
}

func (m *MockRouter) Route(_ context.Context, inputMint, outputMint chain.Address, amount uint64, _ uint64, mode Mode) (QueryRoute, error) {
	inTok, err := m.Ctx.TokenByMint(inputMint)
	if err != nil {
		return QueryRoute{}, err
	}
	outTok, err := m.Ctx.TokenByMint(outputMint)
	if err != nil {
		return QueryRoute{}, err
	}
	inPrice, err := m.Fetcher.OraclePrice(inTok.Oracle())
	if err != nil {
		return QueryRoute{}, err
	}
	outPrice, err := m.Fetcher.OraclePrice(outTok.Oracle())
	if err != nil {
		return QueryRoute{}, err
	}

	route := QueryRoute{
		InputMint:      inputMint,
		OutputMint:     outputMint,
		PriceImpactPct: 0.1,
		SlippageBps:    1,
		Mode:           mode,
	}
	switch mode {
	case ExactIn:
		route.InAmount = amount
		out, _ := fixed.FromUint(amount).Mul(inPrice).Div(outPrice).Uint64()
		route.OutAmount = out
		route.OtherAmountThreshold = out
	case ExactOut:
		route.OutAmount = amount
		in, _ := fixed.FromUint(amount).Mul(outPrice).Div(inPrice).Uint64()
		route.InAmount = in
		route.OtherAmountThreshold = in
	}
	return route, nil
}

func (m *MockRouter) Swap(_ context.Context, route QueryRoute) (string, error) {
	m.swaps++
	if m.OnSwap != nil {
		m.OnSwap(route)
	}
	return fmt.Sprintf("mock-swap-%d", m.swaps), nil
}

func (m *MockRouter) SwapCount() int { return m.swaps }
