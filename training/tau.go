package training

import "math"

// Tau interpolates the quantization threshold exponentially from tauMin at
// epoch 0 to tauMax at epoch totalEpochs:
//
//	A = (tauMax - tauMin) / (e - 1)
//	B = tauMin - A
//	tau = A * e^(epoch/totalEpochs) + B
//
// totalEpochs must be positive.
func Tau(epoch, totalEpochs int, tauMin, tauMax float64) float64 {
	a := math.E
	A := (tauMax - tauMin) / (a - 1)
	B := tauMin - A
	return A*math.Pow(a, float64(epoch)/float64(totalEpochs)) + B
}

// TauSchedule is the per-run threshold schedule.
type TauSchedule struct {
	Min         float64
	Max         float64
	TotalEpochs int
}

// At returns the threshold for epoch.
func (s TauSchedule) At(epoch int) float64 {
	return Tau(epoch, s.TotalEpochs, s.Min, s.Max)
}
