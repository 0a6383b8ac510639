package audio

import "math"

// LevelDBFS returns the RMS level of little-endian PCM16 data in dBFS
// (0 dBFS = full scale). Empty or all-zero input returns [SilenceDBFS].
func LevelDBFS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return SilenceDBFS
	}
	var sum float64
	for i := range n {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	rms := math.Sqrt(sum/float64(n)) / 32768.0
	if rms <= 0 {
		return SilenceDBFS
	}
	db := 20 * math.Log10(rms)
	if db < SilenceDBFS {
		return SilenceDBFS
	}
	return db
}
