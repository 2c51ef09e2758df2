// Package pipeline orchestrates per-image processing (validate → decode →
// EXIF → hash → thumbnail → embed → tag) and drives batches of images
// through a bounded worker pool with streaming output.
package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/screenager/photon/internal/llm"
	"github.com/screenager/photon/internal/tagging"
)

// ExifData is the structured camera metadata attached to a record when any
// of its fields is present.
type ExifData struct {
	CapturedAt   *time.Time `json:"captured_at,omitempty"`
	Make         string     `json:"make,omitempty"`
	Model        string     `json:"model,omitempty"`
	GPSLatitude  *float64   `json:"gps_latitude,omitempty"`
	GPSLongitude *float64   `json:"gps_longitude,omitempty"`
	ISO          int        `json:"iso,omitempty"`
	Aperture     float64    `json:"aperture,omitempty"`
	ShutterSpeed string     `json:"shutter_speed,omitempty"`
	FocalLength  float64    `json:"focal_length,omitempty"`
	Orientation  int        `json:"orientation,omitempty"`
}

// IsEmpty reports whether every one of the nine metadata fields is absent.
// A record keeps its EXIF block when any single field survived parsing.
func (e *ExifData) IsEmpty() bool {
	return e.CapturedAt == nil && e.Make == "" && e.Model == "" &&
		e.GPSLatitude == nil && e.GPSLongitude == nil && e.ISO == 0 &&
		e.Aperture == 0 && e.ShutterSpeed == "" && e.FocalLength == 0 &&
		e.Orientation == 0
}

// ProcessedImage is the per-image output record.
type ProcessedImage struct {
	FilePath       string        `json:"file_path"`
	FileName       string        `json:"file_name"`
	ContentHash    string        `json:"content_hash"`
	Width          int           `json:"width"`
	Height         int           `json:"height"`
	Format         string        `json:"format"`
	FileSize       int64         `json:"file_size"`
	Embedding      []float32     `json:"embedding,omitempty"`
	Exif           *ExifData     `json:"exif,omitempty"`
	Tags           []tagging.Tag `json:"tags"`
	Description    string        `json:"description,omitempty"`
	Thumbnail      string        `json:"thumbnail,omitempty"`
	PerceptualHash string        `json:"perceptual_hash,omitempty"`
}

// Record type discriminators on the wire.
const (
	RecordTypeCore       = "core"
	RecordTypeEnrichment = "enrichment"
)

// OutputRecord is the internally tagged sum of core and enrichment records.
// Exactly one of Core/Enrichment is set.
type OutputRecord struct {
	Core       *ProcessedImage
	Enrichment *llm.EnrichmentPatch
}

// CoreRecord wraps a processed image for output.
func CoreRecord(img *ProcessedImage) OutputRecord { return OutputRecord{Core: img} }

// EnrichmentRecord wraps an enrichment patch for output.
func EnrichmentRecord(p *llm.EnrichmentPatch) OutputRecord { return OutputRecord{Enrichment: p} }

// MarshalJSON emits the discriminator as the record's first field.
func (r OutputRecord) MarshalJSON() ([]byte, error) {
	switch {
	case r.Core != nil:
		return json.Marshal(struct {
			Type string `json:"type"`
			*ProcessedImage
		}{RecordTypeCore, r.Core})
	case r.Enrichment != nil:
		return json.Marshal(struct {
			Type string `json:"type"`
			*llm.EnrichmentPatch
		}{RecordTypeEnrichment, r.Enrichment})
	default:
		return nil, fmt.Errorf("output record has no variant set")
	}
}

// UnmarshalJSON dispatches on the "type" discriminator.
func (r *OutputRecord) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	switch head.Type {
	case RecordTypeCore:
		r.Core = &ProcessedImage{}
		return json.Unmarshal(data, r.Core)
	case RecordTypeEnrichment:
		r.Enrichment = &llm.EnrichmentPatch{}
		return json.Unmarshal(data, r.Enrichment)
	default:
		return fmt.Errorf("unknown output record type %q", head.Type)
	}
}
