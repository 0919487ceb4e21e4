package tx

import (
	"context"
	"encoding/binary"

	"go.uber.org/zap"

	"github.com/helioslabs/solvent/pkg/rpc"
)

// Sender serializes, signs and submits one instruction per transaction.
// The agent is single-flight: callers serialize sends themselves.
type Sender struct {
	Rpc    rpc.Client
	Signer *Signer
	// per-transaction priority fee, 0 disables
	PrioritizationMicroLamports uint64
	Log                         *zap.SugaredLogger
}

// Send submits the instruction with preflight and returns the signature.
func (s *Sender) Send(ctx context.Context, ix Instruction) (string, error) {
	msg := s.serializeMessage(ix)
	sig := s.Signer.Sign(messageHash(msg))

	wire := make([]byte, 0, 1+len(sig)+len(msg))
	wire = append(wire, 1) // one signature
	wire = append(wire, sig...)
	wire = append(wire, msg...)

	txsig, err := s.Rpc.SendTransaction(ctx, wire)
	if err != nil {
		return "", err
	}
	s.Log.Debugw("transaction sent", "sig", txsig, "accounts", len(ix.Accounts), "data_len", len(ix.Data))
	return txsig, nil
}

func (s *Sender) serializeMessage(ix Instruction) []byte {
	var buf []byte
	buf = binary.LittleEndian.AppendUint64(buf, s.PrioritizationMicroLamports)
	owner := s.Signer.Address()
	buf = append(buf, owner[:]...)
	buf = append(buf, ix.Program[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(ix.Accounts)))
	for _, m := range ix.Accounts {
		buf = append(buf, m.Addr[:]...)
		var flags byte
		if m.Signer {
			flags |= 1
		}
		if m.Writable {
			flags |= 2
		}
		buf = append(buf, flags)
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(ix.Data)))
	buf = append(buf, ix.Data...)
	return buf
}
