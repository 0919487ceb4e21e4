package fills

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// CheckpointStore persists the latest checkpoint per market so the feed
// service can resync subscribers after a restart without replaying the
// whole queue history.
type CheckpointStore struct {
	db *pebble.DB
}

func OpenCheckpointStore(path string) (*CheckpointStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint store: %w", err)
	}
	return &CheckpointStore{db: db}, nil
}

func (s *CheckpointStore) Close() error { return s.db.Close() }

// keys: cp:<market-key>
func kCheckpoint(marketKey string) []byte { return append([]byte("cp:"), marketKey...) }

func (s *CheckpointStore) Save(cp *Checkpoint) error {
	val, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := s.db.Set(kCheckpoint(cp.Market), val, pebble.NoSync); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *CheckpointStore) Load(marketKey string) (*Checkpoint, error) {
	val, closer, err := s.db.Get(kCheckpoint(marketKey))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	defer closer.Close()
	var cp Checkpoint
	if err := json.Unmarshal(val, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

// All returns every stored checkpoint.
func (s *CheckpointStore) All() ([]*Checkpoint, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("cp:"),
		UpperBound: []byte("cp;"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []*Checkpoint
	for iter.First(); iter.Valid(); iter.Next() {
		var cp Checkpoint
		if err := json.Unmarshal(iter.Value(), &cp); err != nil {
			return nil, fmt.Errorf("decode checkpoint: %w", err)
		}
		out = append(out, &cp)
	}
	return out, iter.Error()
}
