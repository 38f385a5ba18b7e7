package differ

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Kind is a diff tool, per spec.md §4.5.
type Kind string

const (
	KindDebdiff    Kind = "debdiff"
	KindDiffoscope Kind = "diffoscope"
)

// toolVersion is bumped whenever a tool invocation's behavior changes in a
// way that should invalidate previously cached results.
const toolVersion = "1"

// Request identifies one diff to compute or serve.
type Request struct {
	Kind        Kind
	OldRunID    string
	NewRunID    string
	FilterBoring bool
}

// cacheKey hashes the tool name, inputs, filter flags, and tool version,
// per spec.md §4.5 step 1.
func cacheKey(req Request) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%t\x00%s", req.Kind, req.OldRunID, req.NewRunID, req.FilterBoring, toolVersion)
	return hex.EncodeToString(h.Sum(nil))
}
