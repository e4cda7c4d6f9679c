package compress

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"mealsync/internal/domain"
	"mealsync/internal/models"
	"mealsync/internal/remote"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ImagingCompressor downsizes and re-encodes captures as JPEG into workDir.
type ImagingCompressor struct {
	workDir string
	logger  zerolog.Logger
}

var _ domain.Compressor = (*ImagingCompressor)(nil)

func NewImagingCompressor(workDir string, logger *zerolog.Logger) *ImagingCompressor {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "compressor").Logger()
	}
	return &ImagingCompressor{workDir: workDir, logger: l}
}

// Compress fits the image inside the tier bounds, keeping aspect ratio, and
// writes it with the tier quality. Images already within bounds are only
// re-encoded. When re-encoding does not shrink the file the original is kept.
func (c *ImagingCompressor) Compress(ctx context.Context, image models.ImageRef, tier models.CompressionTier) (models.ImageRef, models.CompressionStats, error) {
	if err := ctx.Err(); err != nil {
		return image, models.CompressionStats{}, err
	}

	src := remote.LocalPath(image.URI)
	info, err := os.Stat(src)
	if err != nil {
		return image, models.CompressionStats{}, fmt.Errorf("stat image: %w", err)
	}
	original := info.Size()

	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return image, models.CompressionStats{}, fmt.Errorf("decode image: %w", err)
	}

	b := img.Bounds()
	if tier.MaxWidth > 0 && tier.MaxHeight > 0 && (b.Dx() > tier.MaxWidth || b.Dy() > tier.MaxHeight) {
		img = imaging.Fit(img, tier.MaxWidth, tier.MaxHeight, imaging.Lanczos)
	}

	if err := os.MkdirAll(c.workDir, 0o755); err != nil {
		return image, models.CompressionStats{}, fmt.Errorf("create work dir: %w", err)
	}
	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	dst := filepath.Join(c.workDir, fmt.Sprintf("%s_%s.jpg", base, uuid.NewString()[:8]))

	if err := imaging.Save(img, dst, imaging.JPEGQuality(jpegQuality(tier.Quality))); err != nil {
		return image, models.CompressionStats{}, fmt.Errorf("encode image: %w", err)
	}

	out, err := os.Stat(dst)
	if err != nil {
		return image, models.CompressionStats{}, fmt.Errorf("stat output: %w", err)
	}
	if out.Size() >= original {
		_ = os.Remove(dst)
		c.logger.Debug().Str("file", image.FileName).Msg("compression did not reduce size, keeping original")
		return image, models.NewCompressionStats(original, original), nil
	}

	stats := models.NewCompressionStats(original, out.Size())
	c.logger.Debug().
		Str("file", image.FileName).
		Str("class", string(tier.Class)).
		Int64("original", original).
		Int64("compressed", out.Size()).
		Float64("ratio", stats.CompressionRatio).
		Msg("image compressed")

	name := image.FileName
	if name == "" {
		name = filepath.Base(src)
	}
	return models.ImageRef{
		URI:      "file://" + dst,
		MimeType: "image/jpeg",
		FileName: strings.TrimSuffix(name, filepath.Ext(name)) + ".jpg",
		ByteSize: out.Size(),
	}, stats, nil
}

// Release deletes a compressed copy. Images outside the work dir, such as an
// original returned unchanged, are left alone.
func (c *ImagingCompressor) Release(image models.ImageRef) error {
	path := remote.LocalPath(image.URI)
	dir, err := filepath.Abs(c.workDir)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if filepath.Dir(abs) != dir {
		return nil
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove compressed image: %w", err)
	}
	return nil
}

// jpegQuality maps a 0..1 quality onto the encoder's 1..100 scale.
func jpegQuality(q float64) int {
	if q <= 0 || q > 1 {
		q = 0.8
	}
	return int(math.Max(1, math.Round(q*100)))
}
