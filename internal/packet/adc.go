package packet

import "math"

// ADC describes the analog front end that digitises the electrode signal.
type ADC struct {
	// Gain is the amplifier gain applied to the electrode millivolts.
	Gain float64 `json:"gain"`
	// VRef is the converter reference voltage.
	VRef float64 `json:"vref"`
	// Baseline is the DC offset in volts added before conversion.
	Baseline float64 `json:"baseline"`
	// Max is the largest converter code.
	Max int `json:"max"`
}

// DefaultADC returns the 12-bit front end used by the gateway.
func DefaultADC() ADC {
	return ADC{Gain: 100, VRef: 3.3, Baseline: 1.5, Max: 4095}
}

// FloatToADC converts an electrode reading in millivolts to a converter code,
// clamping to the reference range.
func (a ADC) FloatToADC(mV float64) uint16 {
	vin := a.Baseline + mV*a.Gain/1000
	vin = math.Max(0, math.Min(a.VRef, vin))
	return uint16(math.Round(vin / a.VRef * float64(a.Max)))
}

// ADCToFloat is the inverse of FloatToADC for codes inside the range.
func (a ADC) ADCToFloat(code uint16) float64 {
	vin := float64(code) / float64(a.Max) * a.VRef
	return (vin - a.Baseline) * 1000 / a.Gain
}
