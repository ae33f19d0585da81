package domain

import (
	"fmt"
	"strings"
)

// Variant selects the extra capability an environment carries.
type Variant string

const (
	// VariantReplay can fetch the whole buffered observation stream.
	VariantReplay Variant = "replay"
	// VariantReference can ask the engine for a heuristic action.
	VariantReference Variant = "reference"
)

// ParseVariant validates a variant name.
func ParseVariant(s string) (Variant, error) {
	switch v := Variant(strings.ToLower(strings.TrimSpace(s))); v {
	case VariantReplay, VariantReference:
		return v, nil
	default:
		return "", fmt.Errorf("unknown variant %q (valid: replay, reference)", s)
	}
}
