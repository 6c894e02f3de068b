package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// RecordType is the only record type written today.
const RecordType = "hypercore"

// Record tracks a seeded log.
type Record struct {
	Type        string
	Length      uint64
	LastUpdated time.Time
}

type wireRecord struct {
	Type        string `json:"type"`
	Length      uint64 `json:"length"`
	LastUpdated int64  `json:"lastUpdated"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRecord{
		Type:        r.Type,
		Length:      r.Length,
		LastUpdated: r.LastUpdated.UnixMilli(),
	})
}

func (r *Record) UnmarshalJSON(b []byte) error {
	w := wireRecord{}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.Type != RecordType {
		return fmt.Errorf("unexpected record type %q", w.Type)
	}
	r.Type = w.Type
	r.Length = w.Length
	r.LastUpdated = time.UnixMilli(w.LastUpdated)
	return nil
}

func decodeRecord(b []byte) (Record, error) {
	rec := Record{}
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}
