package tool

import (
	"encoding/json"
	"fmt"
)

// Definition is the static metadata a tool declares about itself.
type Definition struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Author         string          `json:"author"`
	Keywords       []string        `json:"keywords"`
	Configurations json.RawMessage `json:"configurations"`
	Parameters     json.RawMessage `json:"parameters"`
	Result         json.RawMessage `json:"result"`
	Code           string          `json:"code,omitempty"`
}

// decodeDefinition parses the guest's definition object. code fills Code
// when the guest leaves it out.
func decodeDefinition(raw json.RawMessage, code string) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decoding tool definition: %w", err)
	}
	if def.Code == "" {
		def.Code = code
	}
	if def.Keywords == nil {
		def.Keywords = []string{}
	}
	return &def, nil
}
