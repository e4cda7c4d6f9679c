package models

// CompressionTier is the quality/size pair requested from the compressor.
type CompressionTier struct {
	Class     NetworkClass `json:"class"`
	Quality   float64      `json:"quality"`
	MaxWidth  int          `json:"max_width"`
	MaxHeight int          `json:"max_height"`
}

var compressionTiers = map[NetworkClass]CompressionTier{
	ClassWifi:        {Class: ClassWifi, Quality: 0.9, MaxWidth: 1920, MaxHeight: 1920},
	ClassCellular:    {Class: ClassCellular, Quality: 0.7, MaxWidth: 1280, MaxHeight: 1280},
	ClassConstrained: {Class: ClassConstrained, Quality: 0.5, MaxWidth: 800, MaxHeight: 800},
}

// TierFor returns the tier of class. Unknown classes get the constrained tier.
func TierFor(class NetworkClass) CompressionTier {
	if t, ok := compressionTiers[class]; ok {
		return t
	}
	return compressionTiers[ClassConstrained]
}

type CompressionStats struct {
	OriginalSize     int64   `json:"original_size"`
	CompressedSize   int64   `json:"compressed_size"`
	CompressionRatio float64 `json:"compression_ratio"`
}

// NewCompressionStats fills in the ratio as original/compressed.
func NewCompressionStats(original, compressed int64) CompressionStats {
	s := CompressionStats{OriginalSize: original, CompressedSize: compressed}
	if compressed > 0 {
		s.CompressionRatio = float64(original) / float64(compressed)
	}
	return s
}
