package models

// ImageFeature is one peak observed on an image
type ImageFeature struct {
	// Panel is the index of the panel in the detector
	Panel int

	// FS and SS are the sub-pixel peak position, pixel centres at +0.5
	FS float64
	SS float64

	// Intensity is the background-subtracted integrated intensity
	Intensity float64

	// SNR is the intensity divided by its uncertainty
	SNR float64
}

// Image holds the pixel data and beam parameters of one exposure
type Image struct {
	// Filename identifies the image
	Filename string

	// Detector describes the panels. It is shared between images.
	Detector *Detector

	// Data holds one buffer per panel in slow-scan-major order
	Data [][]float32

	// Flags optionally holds one flag word per pixel, laid out like Data
	Flags [][]uint16

	// Lambda is the wavelength in metres
	Lambda float64

	// Bandwidth is the fractional full width of the spectrum
	Bandwidth float64

	// Features is the current peak list
	Features []ImageFeature
}

// NewImage creates an image with zeroed pixel buffers sized for det
func NewImage(det *Detector, lambda, bandwidth float64) *Image {
	img := &Image{
		Detector:  det,
		Data:      make([][]float32, len(det.Panels)),
		Lambda:    lambda,
		Bandwidth: bandwidth,
	}
	for i, p := range det.Panels {
		img.Data[i] = make([]float32, p.Width*p.Height)
	}
	return img
}

// Value returns the pixel value at integer coordinates
func (img *Image) Value(panel, fs, ss int) float64 {
	p := &img.Detector.Panels[panel]
	return float64(img.Data[panel][ss*p.Width+fs])
}

// PixelUsable reports whether a pixel passes the flag masks and lies
// outside all bad regions.
func (img *Image) PixelUsable(panel, fs, ss int) bool {
	p := &img.Detector.Panels[panel]
	if p.InBadRegion(fs, ss) {
		return false
	}
	if img.Flags != nil && img.Flags[panel] != nil {
		if !img.Detector.FlagsOK(img.Flags[panel][ss*p.Width+fs]) {
			return false
		}
	}
	return true
}
