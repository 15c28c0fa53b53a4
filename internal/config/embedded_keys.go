package config

import (
	"encoding/hex"
	"os"
)

// Build-time key material. Release builds inject real values with
//
//	go build -ldflags "-X tsagent/internal/config.distributionKeyHex=... \
//	                   -X tsagent/internal/config.graceSigningSecret=..."
//
// The defaults below only unlock development artifacts.
var (
	// distributionKeyHex is the hex-encoded 32-byte AES key that seals
	// license.dat as produced by the license service.
	distributionKeyHex = "3fb1c0d84a1e9b624cf05a7d8e2196c4d3a8f0b5e6c7281936475a0b1c2d3e4f"

	// graceSigningSecret signs offline validity and emergency tokens.
	graceSigningSecret = "tsagent-dev-grace-secret"
)

// GetDistributionKey returns the artifact sealing key. The environment
// variable TSAGENT_LICENSING_ARTIFACT_KEY (or the licensing.artifact_key
// config field) overrides the embedded value.
func GetDistributionKey(override string) ([]byte, error) {
	keyHex := distributionKeyHex
	if override != "" {
		keyHex = override
	}
	if env := os.Getenv("TSAGENT_LICENSING_ARTIFACT_KEY"); env != "" {
		keyHex = env
	}

	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// GetGraceSigningSecret returns the HMAC secret that signs grace tokens.
func GetGraceSigningSecret() []byte {
	if env := os.Getenv("TSAGENT_GRACE_SECRET"); env != "" {
		return []byte(env)
	}
	return []byte(graceSigningSecret)
}
