package epoch

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/piarun/maroon-sub000/pkg/blob"
	"github.com/piarun/maroon-sub000/pkg/clock"
)

type wireInterval struct {
	Left  uint64 `json:"left"`
	Right uint64 `json:"right"`
}

type wireEpoch struct {
	SequenceNumber uint64         `json:"sequence_number"`
	Increments     []wireInterval `json:"increments"`
	Creator        string         `json:"creator"`
	CreationTime   uint64         `json:"creation_time"`
	Hash           string         `json:"hash"`
}

type wireEnvelope struct {
	Epoch wireEpoch `json:"epoch"`
}

// MarshalJSON renders e in the `{"epoch": {...}}` envelope shape required
// by the external coordinator store.
func (e Epoch) MarshalJSON() ([]byte, error) {
	increments := make([]wireInterval, len(e.Increments))
	for i, iv := range e.Increments {
		increments[i] = wireInterval{Left: uint64(iv.Start), Right: uint64(iv.End)}
	}
	return json.Marshal(wireEnvelope{Epoch: wireEpoch{
		SequenceNumber: e.SequenceNumber,
		Increments:     increments,
		Creator:        string(e.Creator),
		CreationTime:   uint64(e.CreationTime),
		Hash:           hex.EncodeToString(e.HashValue[:]),
	}})
}

// UnmarshalJSON parses the `{"epoch": {...}}` envelope shape back into e.
func (e *Epoch) UnmarshalJSON(data []byte) error {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	hashBytes, err := hex.DecodeString(env.Epoch.Hash)
	if err != nil {
		return fmt.Errorf("epoch: decoding hash: %w", err)
	}
	if len(hashBytes) != len(Hash{}) {
		return fmt.Errorf("epoch: hash has wrong length %d", len(hashBytes))
	}
	increments := make([]blob.ClosedInterval, len(env.Epoch.Increments))
	for i, iv := range env.Epoch.Increments {
		ci, err := blob.NewClosedInterval(blob.ID(iv.Left), blob.ID(iv.Right))
		if err != nil {
			return fmt.Errorf("epoch: interval %d: %w", i, err)
		}
		increments[i] = ci
	}
	var h Hash
	copy(h[:], hashBytes)
	e.SequenceNumber = env.Epoch.SequenceNumber
	e.Increments = increments
	e.Creator = PeerID(env.Epoch.Creator)
	e.CreationTime = clock.TimeMs(env.Epoch.CreationTime)
	e.HashValue = h
	return nil
}
