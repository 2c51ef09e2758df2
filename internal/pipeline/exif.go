package pipeline

import (
	"os"

	"github.com/rwcarlsen/goexif/exif"
)

// extractExif pulls the supported camera metadata out of the file at path.
// It returns nil when the file carries no EXIF at all or when every field
// failed to parse; a single surviving field keeps the whole block. EXIF
// problems are never errors — most PNGs and screenshots simply have none.
func extractExif(path string) *ExifData {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return nil
	}

	data := &ExifData{}

	if t, err := x.DateTime(); err == nil {
		data.CapturedAt = &t
	}
	if tag, err := x.Get(exif.Make); err == nil {
		if s, err := tag.StringVal(); err == nil {
			data.Make = s
		}
	}
	if tag, err := x.Get(exif.Model); err == nil {
		if s, err := tag.StringVal(); err == nil {
			data.Model = s
		}
	}
	// LatLong parses the rational degree/minute/second triplets and applies
	// the N/S/E/W reference signs.
	if lat, long, err := x.LatLong(); err == nil {
		data.GPSLatitude = &lat
		data.GPSLongitude = &long
	}
	if tag, err := x.Get(exif.ISOSpeedRatings); err == nil {
		if iso, err := tag.Int(0); err == nil {
			data.ISO = iso
		}
	}
	if tag, err := x.Get(exif.FNumber); err == nil {
		if r, err := tag.Rat(0); err == nil {
			data.Aperture, _ = r.Float64()
		}
	}
	if tag, err := x.Get(exif.ExposureTime); err == nil {
		if r, err := tag.Rat(0); err == nil {
			data.ShutterSpeed = r.RatString()
		}
	}
	if tag, err := x.Get(exif.FocalLength); err == nil {
		if r, err := tag.Rat(0); err == nil {
			data.FocalLength, _ = r.Float64()
		}
	}
	if tag, err := x.Get(exif.Orientation); err == nil {
		if o, err := tag.Int(0); err == nil {
			data.Orientation = o
		}
	}

	if data.IsEmpty() {
		return nil
	}
	return data
}
