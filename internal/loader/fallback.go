package loader

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/JonMunkholm/MiniETL/internal/core"
)

// FallbackSourceURL identifies the embedded dataset in provenance.
const FallbackSourceURL = "fallback://mock-data/etl.json"

//go:embed mockdata/etl.json
var fallbackJSON []byte

// Dataset is the embedded demo data used when live data is unavailable.
type Dataset struct {
	Pipeline []string         `json:"pipeline"`
	Metrics  core.Metrics     `json:"metrics"`
	Users    []core.RawRecord `json:"users"`
}

// LoadFallback parses the embedded dataset.
func LoadFallback() (Dataset, error) {
	return parseDataset(fallbackJSON)
}

func parseDataset(b []byte) (Dataset, error) {
	var ds Dataset
	if err := json.Unmarshal(b, &ds); err != nil {
		return Dataset{}, fmt.Errorf("parse fallback dataset: %w", err)
	}
	if len(ds.Pipeline) == 0 {
		ds.Pipeline = core.DefaultPipeline
	}
	return ds, nil
}

// records returns a copy of the dataset's users.
func (d Dataset) records() []core.RawRecord {
	out := make([]core.RawRecord, len(d.Users))
	copy(out, d.Users)
	return out
}
