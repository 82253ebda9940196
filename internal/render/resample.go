package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

const (
	defaultQuality         = 95
	defaultMaxOutputPixels = 64_000_000
)

// Options は Resampler の画質調整パラメータです。
type Options struct {
	Quality         int     // JPEG品質 (1-100)
	SharpenSigma    float64 // 0 で無効
	Brightness      float64 // 百分率 (-100〜100)
	Saturation      float64 // 百分率 (-100〜100)
	Contrast        float64 // 百分率 (-100〜100)
	MaxOutputPixels int64   // 出力画素数の上限
}

// DefaultOptions は標準の補正パラメータを返します。
func DefaultOptions() Options {
	return Options{
		Quality:         defaultQuality,
		SharpenSigma:    1.5,
		Brightness:      3,
		Saturation:      8,
		Contrast:        2,
		MaxOutputPixels: defaultMaxOutputPixels,
	}
}

// Resampler は Lanczos リサンプリングとシャープ化・色調補正で派生画像を生成します。
type Resampler struct {
	opts Options
}

// NewResampler は Resampler を作成します。
func NewResampler(opts Options) *Resampler {
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = defaultQuality
	}
	if opts.MaxOutputPixels <= 0 {
		opts.MaxOutputPixels = defaultMaxOutputPixels
	}
	return &Resampler{opts: opts}
}

var supportedFormats = map[string]struct{}{
	"jpeg": {},
	"png":  {},
	"webp": {},
}

// Render は src を targetWidth の横幅に拡大し、JPEG で返します。
func (r *Resampler) Render(ctx context.Context, src []byte, targetWidth int) ([]byte, error) {
	if targetWidth <= 0 {
		return nil, newError(CodeInvalidInput, fmt.Sprintf("目標横幅が不正です: %d", targetWidth), nil)
	}
	if len(src) == 0 {
		return nil, newError(CodeInvalidInput, "画像データが空です。", nil)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(src))
	if err != nil {
		return nil, newError(CodeUnsupportedImage, "画像形式を判別できませんでした。", err)
	}
	if _, ok := supportedFormats[format]; !ok {
		return nil, newError(CodeUnsupportedImage, fmt.Sprintf("未対応の画像形式です: %s", format), nil)
	}
	if err := r.checkBudget(cfg.Width, cfg.Height, targetWidth); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, err := imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
	if err != nil {
		return nil, newError(CodeCorruptImage, "画像のデコードに失敗しました。", err)
	}
	// EXIF の向き補正で縦横が入れ替わる場合があるため再確認する
	bounds := img.Bounds()
	if err := r.checkBudget(bounds.Dx(), bounds.Dy(), targetWidth); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dst := imaging.Resize(img, targetWidth, 0, imaging.Lanczos)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.opts.SharpenSigma > 0 {
		dst = imaging.Sharpen(dst, r.opts.SharpenSigma)
	}
	if r.opts.Brightness != 0 {
		dst = imaging.AdjustBrightness(dst, r.opts.Brightness)
	}
	if r.opts.Saturation != 0 {
		dst = imaging.AdjustSaturation(dst, r.opts.Saturation)
	}
	if r.opts.Contrast != 0 {
		dst = imaging.AdjustContrast(dst, r.opts.Contrast)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, dst, imaging.JPEG, imaging.JPEGQuality(r.opts.Quality)); err != nil {
		return nil, newError(CodeEncodeFailed, "JPEGのエンコードに失敗しました。", err)
	}
	return buf.Bytes(), nil
}

func (r *Resampler) checkBudget(width, height, targetWidth int) error {
	if width <= 0 || height <= 0 {
		return newError(CodeCorruptImage, fmt.Sprintf("画像サイズが不正です: %dx%d", width, height), nil)
	}
	targetHeight := scaledHeight(width, height, targetWidth)
	if int64(targetWidth)*int64(targetHeight) > r.opts.MaxOutputPixels {
		return newError(CodeResourceExhausted,
			fmt.Sprintf("出力サイズ %dx%d が上限 (%d 画素) を超えています。", targetWidth, targetHeight, r.opts.MaxOutputPixels), nil)
	}
	return nil
}

func scaledHeight(width, height, targetWidth int) int {
	h := int(math.Round(float64(height) * float64(targetWidth) / float64(width)))
	if h < 1 {
		return 1
	}
	return h
}
