package scoring

import "fmt"

// Weights stretch or shrink whole scoring dimensions. A weight of zero
// silences a dimension entirely.
type Weights struct {
	Quality      float64 `json:"quality" yaml:"quality"`
	Musical      float64 `json:"musical" yaml:"musical"`
	Text         float64 `json:"text" yaml:"text"`
	Metadata     float64 `json:"metadata" yaml:"metadata"`
	Availability float64 `json:"availability" yaml:"availability"`
	Conditions   float64 `json:"conditions" yaml:"conditions"`
}

// Balanced treats every dimension equally.
func Balanced() Weights {
	return Weights{
		Quality:      1,
		Musical:      1,
		Text:         1,
		Metadata:     1,
		Availability: 1,
		Conditions:   1,
	}
}

// QualityFirst favors format tier over musical fit, for library-building
// where a lossless copy beats a convenient one.
func QualityFirst() Weights {
	return Weights{
		Quality:      2,
		Musical:      0.5,
		Text:         1,
		Metadata:     1,
		Availability: 0.75,
		Conditions:   1,
	}
}

// AvailabilityFirst favors sources that will start immediately, for
// time-sensitive pulls.
func AvailabilityFirst() Weights {
	return Weights{
		Quality:      0.75,
		Musical:      1,
		Text:         1,
		Metadata:     1,
		Availability: 2,
		Conditions:   1,
	}
}

// PresetWeights resolves a preset by name.
func PresetWeights(name string) (Weights, error) {
	switch name {
	case "", "balanced":
		return Balanced(), nil
	case "quality_first", "quality-first":
		return QualityFirst(), nil
	case "availability_first", "availability-first":
		return AvailabilityFirst(), nil
	}
	return Weights{}, fmt.Errorf("unknown weights preset: %q", name)
}
