package feed

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/helioslabs/solvent/pkg/chain"
)

// WebsocketConfig selects which accounts the streaming endpoint pushes.
type WebsocketConfig struct {
	URL     string
	Program chain.Address // the exchange program: margin accounts, banks, markets, queues
	Oracles []chain.Address
}

// WebsocketSource subscribes to per-write account updates and slot updates.
// Delivery is best-effort low latency without completeness guarantees; the
// snapshot source fills the gaps. Transient failures reconnect with
// exponential backoff and never terminate the process.
type WebsocketSource struct {
	cfg      WebsocketConfig
	log      *zap.SugaredLogger
	out      chan<- Message
	degraded atomic.Bool
}

func NewWebsocketSource(cfg WebsocketConfig, out chan<- Message, log *zap.SugaredLogger) *WebsocketSource {
	return &WebsocketSource{cfg: cfg, out: out, log: log}
}

// Degraded reports whether the stream is currently disconnected.
func (s *WebsocketSource) Degraded() bool { return s.degraded.Load() }

type subscribeRequest struct {
	Op      string   `json:"op"`
	Program string   `json:"program"`
	Oracles []string `json:"oracles"`
	Slots   bool     `json:"slots"`
}

type wsFrame struct {
	Type         string `json:"type"` // "account" | "slot"
	Pubkey       string `json:"pubkey,omitempty"`
	Slot         uint64 `json:"slot"`
	WriteVersion uint64 `json:"writeVersion,omitempty"`
	Owner        string `json:"owner,omitempty"`
	Data         string `json:"data,omitempty"`
	Lamports     uint64 `json:"lamports,omitempty"`
	Executable   bool   `json:"executable,omitempty"`
	RentEpoch    uint64 `json:"rentEpoch,omitempty"`
	Parent       uint64 `json:"parent,omitempty"`
	Status       string `json:"status,omitempty"`
}

// Run blocks until ctx is done.
func (s *WebsocketSource) Run(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		err := s.connectAndStream(ctx)
		if ctx.Err() != nil {
			return
		}
		s.degraded.Store(true)
		s.log.Warnw("streaming source disconnected", "err", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (s *WebsocketSource) connectAndStream(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}
	defer conn.Close()

	oracles := make([]string, len(s.cfg.Oracles))
	for i, o := range s.cfg.Oracles {
		oracles[i] = o.String()
	}
	sub := subscribeRequest{Op: "subscribe", Program: s.cfg.Program.String(), Oracles: oracles, Slots: true}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	s.degraded.Store(false)
	s.log.Infow("streaming source connected", "url", s.cfg.URL)

	// close the connection when ctx is cancelled so ReadMessage unblocks
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var frame wsFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.log.Warnw("bad stream frame", "err", err)
			continue
		}
		msg, err := frame.toMessage()
		if err != nil {
			s.log.Warnw("bad stream frame", "err", err)
			continue
		}
		select {
		case s.out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (f *wsFrame) toMessage() (Message, error) {
	switch f.Type {
	case "account":
		addr, err := chain.ParseAddress(f.Pubkey)
		if err != nil {
			return Message{}, err
		}
		owner, err := chain.ParseAddress(f.Owner)
		if err != nil {
			return Message{}, err
		}
		data, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil {
			return Message{}, fmt.Errorf("account data: %w", err)
		}
		return Message{Kind: KindAccount, Account: &AccountWrite{
			Addr:         addr,
			Slot:         f.Slot,
			WriteVersion: f.WriteVersion,
			Owner:        owner,
			Data:         data,
			Lamports:     f.Lamports,
			Executable:   f.Executable,
			RentEpoch:    f.RentEpoch,
		}}, nil
	case "slot":
		status := chain.StatusProcessed
		switch f.Status {
		case "confirmed":
			status = chain.StatusConfirmed
		case "finalized":
			status = chain.StatusFinalized
		}
		return Message{Kind: KindSlot, Slot: &SlotUpdate{Slot: f.Slot, Parent: f.Parent, Status: status}}, nil
	default:
		return Message{}, fmt.Errorf("unknown frame type %q", f.Type)
	}
}

// FirstStreamSlot waits for the first slot update on ch and returns its
// slot; snapshots must target at least this slot plus a safety margin.
func FirstStreamSlot(ctx context.Context, ch <-chan Message, buffer *[]Message, timeout time.Duration) (uint64, error) {
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-ch:
			// keep every message: no write may be silently dropped
			*buffer = append(*buffer, msg)
			if msg.Kind == KindSlot {
				return msg.Slot.Slot, nil
			}
		case <-deadline:
			return 0, fmt.Errorf("no slot update within %s", timeout)
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}
