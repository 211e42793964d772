package codec

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"axon/internal/toolscore"
)

// ResolveParams maps a tool call's raw payload onto a parameter object.
// Two forms are accepted: a JSON object, or free text when the capability
// declares exactly one required parameter. Anything else is ambiguous and
// rejected with a message listing the expected fields.
func ResolveParams(raw string, capability toolscore.Capability) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if len(capability.RequiredParameters()) == 0 {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("empty parameters: %s", capability.ExpectedFieldsMessage())
	}

	if strings.HasPrefix(raw, "{") {
		params, err := unmarshalObject(raw)
		if err == nil {
			return params, nil
		}
		// Model-emitted JSON is frequently truncated or single-quoted.
		fixed, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil {
			return nil, fmt.Errorf("malformed parameter JSON: %s", capability.ExpectedFieldsMessage())
		}
		params, err = unmarshalObject(fixed)
		if err != nil {
			return nil, fmt.Errorf("malformed parameter JSON: %s", capability.ExpectedFieldsMessage())
		}
		return params, nil
	}

	if name, ok := capability.SoleRequiredParameter(); ok {
		return map[string]any{name: raw}, nil
	}
	return nil, fmt.Errorf("free-text parameters need a capability with exactly one required field: %s",
		capability.ExpectedFieldsMessage())
}

func unmarshalObject(raw string) (map[string]any, error) {
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, err
	}
	return params, nil
}
