package state

import (
	"encoding/json"
	"time"
)

// Entity is one named record plus the wall-clock time of its last
// successful ingest.
type Entity struct {
	Fields    Fields
	UpdatedAt time.Time
}

type entityJSON struct {
	Data      Fields `json:"data"`
	Timestamp uint64 `json:"timestamp"`
}

// MarshalJSON encodes the record with its timestamp as Unix seconds.
func (e Entity) MarshalJSON() ([]byte, error) {
	var secs uint64
	if u := e.UpdatedAt.Unix(); u > 0 {
		secs = uint64(u)
	}
	return json.Marshal(entityJSON{Data: e.Fields, Timestamp: secs})
}

// UnmarshalJSON decodes the wire form produced by MarshalJSON.
func (e *Entity) UnmarshalJSON(b []byte) error {
	var ej entityJSON
	if err := json.Unmarshal(b, &ej); err != nil {
		return err
	}
	e.Fields = ej.Data
	e.UpdatedAt = time.Unix(int64(ej.Timestamp), 0)
	return nil
}

// Delta is one broadcast frame: the full field map of every entity that
// changed since the previous tick, and the names of those removed.
type Delta struct {
	Updates   map[string]Fields `json:"updates"`
	Deletions []string          `json:"deletions"`
}
