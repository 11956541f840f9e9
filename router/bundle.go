package router

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PolicyBundle holds routing configuration loadable from a YAML file. Nil
// pointer fields mean "not set" and leave the flag-provided defaults alone.
type PolicyBundle struct {
	// Routing is the policy selector: roundrobin, session, llq, hra, custom.
	Routing string `yaml:"routing"`
	// SessionKey is the session-affinity header name for the session logic.
	SessionKey string        `yaml:"session_key"`
	KVCache    KVCacheBundle `yaml:"kv_cache"`
}

// KVCacheBundle overrides the KV cache profile used for admission.
type KVCacheBundle struct {
	BlockSize            *int     `yaml:"block_size"`
	TotalBlocks          *int     `yaml:"total_blocks"`
	DecodeToPrefillRatio *float64 `yaml:"decode_to_prefill_ratio"`
	SafetyFraction       *float64 `yaml:"safety_fraction"`
}

// LoadPolicyBundle reads and parses a YAML policy configuration file.
// Uses strict parsing: unrecognized keys (typos) are rejected.
func LoadPolicyBundle(path string) (*PolicyBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy config: %w", err)
	}
	var bundle PolicyBundle
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&bundle); err != nil {
		return nil, fmt.Errorf("parsing policy config: %w", err)
	}
	return &bundle, nil
}

// Validate checks selector names and cross-field requirements.
func (b *PolicyBundle) Validate() error {
	if b.Routing != "" && !IsValidRoutingLogic(b.Routing) {
		return fmt.Errorf("invalid routing logic %q (valid: %v)", b.Routing, ValidRoutingLogicNames())
	}
	if b.Routing == LogicSession && b.SessionKey == "" {
		return fmt.Errorf("routing logic %q requires session_key", LogicSession)
	}
	return nil
}

// ApplyProfile overlays the bundle's KV cache overrides onto a profile.
func (b *PolicyBundle) ApplyProfile(profile KVCacheProfile) KVCacheProfile {
	if b.KVCache.BlockSize != nil {
		profile.BlockSize = *b.KVCache.BlockSize
	}
	if b.KVCache.TotalBlocks != nil {
		profile.TotalBlocks = *b.KVCache.TotalBlocks
	}
	if b.KVCache.DecodeToPrefillRatio != nil {
		profile.DecodeToPrefillRatio = *b.KVCache.DecodeToPrefillRatio
	}
	if b.KVCache.SafetyFraction != nil {
		profile.SafetyFraction = *b.KVCache.SafetyFraction
	}
	return profile
}
