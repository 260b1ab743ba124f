package gpuclass

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// exportSchema matches the shape of gpu_classes_export.json files produced
// by the catalog export tooling.
const exportSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["export_metadata", "data"],
  "properties": {
    "export_metadata": {
      "type": "object",
      "required": ["export_type", "record_count"],
      "properties": {
        "export_type": {"const": "gpu_classes"},
        "record_count": {"type": "integer", "minimum": 0}
      }
    },
    "data": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["gpu_class_id", "gpu_class_name"],
        "properties": {
          "gpu_class_id": {"type": "string", "minLength": 1},
          "gpu_class_name": {"type": "string", "minLength": 1},
          "vram_gb": {"type": ["integer", "null"]},
          "gpu_type": {"type": ["string", "null"]},
          "batch_price": {"type": ["number", "null"]},
          "low_price": {"type": ["number", "null"]},
          "medium_price": {"type": ["number", "null"]},
          "high_price": {"type": ["number", "null"]}
        }
      }
    }
  }
}`

type exportFile struct {
	Data []exportEntry `json:"data"`
}

type exportEntry struct {
	GPUClassID   string   `json:"gpu_class_id"`
	GPUClassName string   `json:"gpu_class_name"`
	VRAMGB       *int     `json:"vram_gb"`
	GPUType      string   `json:"gpu_type"`
	BatchPrice   *float64 `json:"batch_price"`
	LowPrice     *float64 `json:"low_price"`
	MediumPrice  *float64 `json:"medium_price"`
	HighPrice    *float64 `json:"high_price"`
}

// ParseExport validates and decodes a gpu_classes export document.
func ParseExport(raw []byte) ([]Info, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("gpu_classes_export.json", strings.NewReader(exportSchema)); err != nil {
		return nil, err
	}
	sch, err := c.Compile("gpu_classes_export.json")
	if err != nil {
		return nil, err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("export is not valid JSON: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("export failed schema validation: %w", err)
	}

	var f exportFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(f.Data))
	for _, e := range f.Data {
		out = append(out, Info{
			GPUClassID:  e.GPUClassID,
			Name:        e.GPUClassName,
			VRAMGB:      e.VRAMGB,
			GPUType:     e.GPUType,
			BatchPrice:  e.BatchPrice,
			LowPrice:    e.LowPrice,
			MediumPrice: e.MediumPrice,
			HighPrice:   e.HighPrice,
		})
	}
	return out, nil
}
