package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fitforge/fitforge-backend/internal/ai"
	"github.com/fitforge/fitforge-backend/internal/artifact"
)

// fingerprintInput is the normalized GenerationRequest tuple. Because
// builders are deterministic, hashing the built messages is equivalent
// to hashing (profile snapshot, overrides, window) directly.
type fingerprintInput struct {
	Kind     artifact.Kind `json:"kind"`
	UserID   uint64        `json:"user_id"`
	Messages []ai.Message  `json:"messages"`
}

// Fingerprint computes the cache key for a generation request:
// hex-encoded sha256 over the canonical JSON of the normalized tuple.
func Fingerprint(kind artifact.Kind, userID uint64, messages []ai.Message) string {
	b, err := json.Marshal(fingerprintInput{Kind: kind, UserID: userID, Messages: messages})
	if err != nil {
		// Message and Kind marshal without error by construction.
		panic("prompt: fingerprint marshal: " + err.Error())
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
