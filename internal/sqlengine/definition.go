package sqlengine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// EncodeDefinitionJSON renders a definition image as a JSON array of byte
// values, the portable text form of a definition.
func EncodeDefinitionJSON(definition []byte) string {
	var b strings.Builder
	b.Grow(len(definition)*4 + 2)
	b.WriteByte('[')
	for i, v := range definition {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(int(v)))
	}
	b.WriteByte(']')
	return b.String()
}

// DecodeDefinitionJSON parses the output of EncodeDefinitionJSON.
func DecodeDefinitionJSON(text string) ([]byte, error) {
	var values []int
	if err := json.Unmarshal([]byte(text), &values); err != nil {
		return nil, fmt.Errorf("failed to parse definition: %w", err)
	}
	definition := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("definition byte %d out of range: %d", i, v)
		}
		definition[i] = byte(v)
	}
	return definition, nil
}
