package provider

import "encoding/json"

// jsonUnmarshalLoose treats empty input as the empty object. Streamed tool
// schemas and inputs may legitimately arrive empty.
func jsonUnmarshalLoose(raw []byte, v any) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	return json.Unmarshal(raw, v)
}
