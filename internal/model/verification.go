package model

// VerificationResult is what the image analyzer reports about one photo.
// Coordinates are absent when no location could be extracted.
type VerificationResult struct {
	Latitude        *float64 `json:"latitude"`
	Longitude       *float64 `json:"longitude"`
	IsAuthentic     bool     `json:"is_authentic"`
	IsCampus        bool     `json:"is_campus"`
	Confidence      float64  `json:"confidence"`
	DetectedAddress string   `json:"detected_address,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// HasLocation reports whether both coordinates are present.
func (r VerificationResult) HasLocation() bool {
	return r.Latitude != nil && r.Longitude != nil
}
