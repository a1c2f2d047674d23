package framework

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

// Fingerprint derives a stable key from an executor and its params.
// encoding/json writes map keys in sorted order, so equivalent params built
// in a different insertion order hash identically.
func Fingerprint(executor string, params map[string]any) string {
	payload, err := json.Marshal(struct {
		Executor string         `json:"executor"`
		Params   map[string]any `json:"params"`
	}{Executor: executor, Params: params})
	if err != nil {
		payload = []byte(fmt.Sprintf("%s|%v", executor, params))
	}
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:16])
}
