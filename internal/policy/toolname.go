package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// extractToolName pulls the top-level "tool_name" string out of a
// TOOL_CALL event's canonical payload without re-parsing the whole payload
// into a generic structure the policy engine would otherwise have to walk;
// it only ever needs this one field.
func extractToolName(canonicalPayload []byte) (string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(canonicalPayload, &obj); err != nil {
		return "", fmt.Errorf("payload is not a JSON object: %w", err)
	}
	raw, ok := obj["tool_name"]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "", nil
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return "", nil
	}
	return name, nil
}
