package compress

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"mealsync/internal/models"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noisyImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 7), G: uint8(y * 13), B: uint8((x ^ y) * 3), A: 255})
		}
	}
	return img
}

func writeFixture(t *testing.T, w, h int) models.ImageRef {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.png")
	require.NoError(t, imaging.Save(noisyImage(w, h), path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	return models.ImageRef{URI: "file://" + path, MimeType: "image/png", FileName: "capture.png", ByteSize: info.Size()}
}

func TestCompressConstrainedTier(t *testing.T) {
	src := writeFixture(t, 1600, 1200)
	c := NewImagingCompressor(t.TempDir(), nil)

	out, stats, err := c.Compress(context.Background(), src, models.TierFor(models.ClassConstrained))
	require.NoError(t, err)

	assert.Equal(t, "image/jpeg", out.MimeType)
	assert.Equal(t, "capture.jpg", out.FileName)
	assert.Equal(t, src.ByteSize, stats.OriginalSize)
	assert.Less(t, stats.CompressedSize, stats.OriginalSize)
	assert.Greater(t, stats.CompressionRatio, 1.0)

	img, err := imaging.Open(out.URI[len("file://"):])
	require.NoError(t, err)
	assert.Equal(t, 800, img.Bounds().Dx())
	assert.Equal(t, 600, img.Bounds().Dy())
}

func TestCompressWithinBoundsKeepsDimensions(t *testing.T) {
	src := writeFixture(t, 640, 480)
	c := NewImagingCompressor(t.TempDir(), nil)

	out, _, err := c.Compress(context.Background(), src, models.TierFor(models.ClassWifi))
	require.NoError(t, err)

	img, err := imaging.Open(out.URI[len("file://"):])
	require.NoError(t, err)
	assert.Equal(t, 640, img.Bounds().Dx())
}

func TestReleaseRemovesOnlyWorkDirCopies(t *testing.T) {
	src := writeFixture(t, 1600, 1200)
	workDir := t.TempDir()
	c := NewImagingCompressor(workDir, nil)

	out, _, err := c.Compress(context.Background(), src, models.TierFor(models.ClassConstrained))
	require.NoError(t, err)
	require.NotEqual(t, src.URI, out.URI)

	require.NoError(t, c.Release(out))
	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoError(t, c.Release(out), "releasing twice is a no-op")

	require.NoError(t, c.Release(src))
	_, err = os.Stat(src.URI[len("file://"):])
	assert.NoError(t, err, "originals outside the work dir are kept")
}

func TestCompressErrors(t *testing.T) {
	c := NewImagingCompressor(t.TempDir(), nil)

	_, _, err := c.Compress(context.Background(), models.ImageRef{URI: "/missing.jpg"}, models.TierFor(models.ClassWifi))
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = c.Compress(ctx, writeFixture(t, 10, 10), models.TierFor(models.ClassWifi))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestJPEGQuality(t *testing.T) {
	assert.Equal(t, 90, jpegQuality(0.9))
	assert.Equal(t, 50, jpegQuality(0.5))
	assert.Equal(t, 80, jpegQuality(0))
	assert.Equal(t, 1, jpegQuality(0.001))
}
