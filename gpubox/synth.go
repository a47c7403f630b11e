package gpubox

import "github.com/dudk/corrpipe/vis"

// SampleFunc returns the stored product of the pair in the file channel
// of the record. Pairs are stored with antenna2 <= antenna1.
type SampleFunc func(record, ch, antenna1, antenna2, product int) complex64

// WriteFile creates the file with h.Records records filled by fn.
func WriteFile(path string, h Header, fn SampleFunc) error {
	fw, err := Create(path, h)
	if err != nil {
		return err
	}
	samples := make([]complex64, h.RecordSamples())
	for r := 0; r < h.Records; r++ {
		for ch := 0; ch < h.FileChannels; ch++ {
			for a1 := 0; a1 < h.Antennas; a1++ {
				for a2 := 0; a2 <= a1; a2++ {
					for p := 0; p < vis.Polarizations; p++ {
						samples[SampleIndex(h, ch, a1, a2, p)] = fn(r, ch, a1, a2, p)
					}
				}
			}
		}
		if err := fw.WriteRecord(samples); err != nil {
			fw.Close()
			return err
		}
	}
	return fw.Close()
}
