package state

import "maps"

// Reserved field names carried on entities.
const (
	FieldCharacterName = "CHARACTER_NAME"
	FieldConnected     = "CONNECTED"
)

// Values of the CONNECTED field.
const (
	ConnectedYes = "YES"
	ConnectedNo  = "NO"
)

// Fields maps field names to parsed values (int64, float64, or string).
type Fields map[string]any

// Clone returns an independent copy. Values are immutable scalars, so a
// shallow copy suffices.
func (f Fields) Clone() Fields {
	return maps.Clone(f)
}
