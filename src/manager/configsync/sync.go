package configsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nodeworks/agent-fleet/src/manager/gateway"
)

// ErrHashConflict means the peer's config moved since the caller's baseline.
// The caller must re-fetch and rebuild its edit; there is no automatic merge.
var ErrHashConflict = errors.New("configsync: base hash is stale")

// peerConfig is the slice of the gateway adapter the synchronizer needs.
type peerConfig interface {
	ConfigGet(ctx context.Context) (map[string]interface{}, string, error)
	ConfigPatch(ctx context.Context, raw string, baseHash string) (map[string]interface{}, string, error)
	ConfigSchema(ctx context.Context) (json.RawMessage, error)
}

// Synchronizer edits one instance's config document incrementally under a
// hash-based compare-and-swap.
type Synchronizer struct {
	peer peerConfig
}

func New(peer peerConfig) *Synchronizer {
	return &Synchronizer{peer: peer}
}

// Baseline is a fetched document plus the hash a later patch must be
// submitted against.
type Baseline struct {
	Config map[string]interface{}
	Hash   string
}

// Fetch reads the current document and hash from the peer.
func (s *Synchronizer) Fetch(ctx context.Context) (Baseline, error) {
	cfg, hash, err := s.peer.ConfigGet(ctx)
	if err != nil {
		return Baseline{}, err
	}
	return Baseline{Config: cfg, Hash: hash}, nil
}

// Push diffs old against new and submits the patch with the given baseline
// hash. An empty diff is still submitted so the peer re-validates the
// baseline. A stale hash surfaces as ErrHashConflict; any other peer error
// is a validation failure for the caller to fix.
func (s *Synchronizer) Push(ctx context.Context, old, new map[string]interface{}, baseHash string) (Baseline, error) {
	patch := BuildPatch(old, new)
	return s.PushPatch(ctx, patch, baseHash)
}

// PushPatch submits an already-built patch under the baseline hash.
func (s *Synchronizer) PushPatch(ctx context.Context, patch map[string]interface{}, baseHash string) (Baseline, error) {
	raw, err := json.Marshal(patch)
	if err != nil {
		return Baseline{}, fmt.Errorf("configsync: marshal patch: %w", err)
	}
	cfg, hash, err := s.peer.ConfigPatch(ctx, string(raw), baseHash)
	if err != nil {
		if gateway.IsHashConflict(err) {
			return Baseline{}, fmt.Errorf("%w: %s", ErrHashConflict, baseHash)
		}
		return Baseline{}, err
	}
	return Baseline{Config: cfg, Hash: hash}, nil
}

// Schema returns the peer's config schema for form rendering.
func (s *Synchronizer) Schema(ctx context.Context) (json.RawMessage, error) {
	return s.peer.ConfigSchema(ctx)
}
