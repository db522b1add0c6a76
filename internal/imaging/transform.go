package imaging

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"math"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/webp"
)

// ContentType 是派生图与原图统一对外声明的 MIME 类型。
const ContentType = "image/jpeg"

// DefaultQuality 为派生图 JPEG 编码质量。
const DefaultQuality = 90

// maxSourcePixels 限制源图像素总量，超出直接拒绝解码。
const maxSourcePixels = 64 * 1024 * 1024

// ErrUnsupportedImage 表示源文件无法解码或尺寸超出限制。
var ErrUnsupportedImage = errors.New("unsupported source image")

// Transformer 把源图按 Geometry 缩放/裁剪后重新编码为 JPEG。
type Transformer struct {
	Quality int
	Interp  resize.InterpolationFunction
}

// NewTransformer 返回使用 Lanczos3 重采样、质量 90 的 Transformer。
func NewTransformer() Transformer {
	return Transformer{Quality: DefaultQuality, Interp: resize.Lanczos3}
}

// Transform 从 src 解码图片，应用 g 后写入 dst。
func (t Transformer) Transform(dst io.Writer, src io.ReadSeeker, g Geometry) error {
	if g.Width == 0 && g.Height == 0 {
		return ErrInvalidGeometry
	}

	cfg, _, err := image.DecodeConfig(src)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > maxSourcePixels {
		return fmt.Errorf("%w: %dx%d", ErrUnsupportedImage, cfg.Width, cfg.Height)
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return err
	}

	img, _, err := image.Decode(src)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}

	out := t.apply(img, g)

	quality := t.Quality
	if quality <= 0 {
		quality = DefaultQuality
	}
	return jpeg.Encode(dst, out, &jpeg.Options{Quality: quality})
}

func (t Transformer) apply(img image.Image, g Geometry) image.Image {
	bounds := img.Bounds()
	p := PlanSize(bounds.Dx(), bounds.Dy(), g)

	scaled := img
	if p.ScaledWidth != bounds.Dx() || p.ScaledHeight != bounds.Dy() {
		scaled = resize.Resize(uint(p.ScaledWidth), uint(p.ScaledHeight), img, t.Interp)
	}

	// 统一铺白底：JPEG 不支持透明通道，直接编码会把透明区域变黑。
	canvas := image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	offset := scaled.Bounds().Min.Add(image.Pt((p.ScaledWidth-p.Width)/2, (p.ScaledHeight-p.Height)/2))
	draw.Draw(canvas, canvas.Bounds(), scaled, offset, draw.Over)
	return canvas
}

// Plan 描述一次变换：先缩放到 Scaled*，再居中裁剪到 Width×Height。
type Plan struct {
	ScaledWidth  int
	ScaledHeight int
	Width        int
	Height       int
}

// PlanSize 计算源尺寸在 g 约束下的输出尺寸。
//
// fit 模式在盒内等比缩放且从不放大；crop 模式在宽高均给定时覆盖目标盒后居中裁剪，
// 只给定一边时精确缩放到该边并保持比例。
func PlanSize(srcWidth, srcHeight int, g Geometry) Plan {
	sw, sh := float64(srcWidth), float64(srcHeight)

	if g.Crop {
		var scale float64
		switch {
		case g.Width > 0 && g.Height > 0:
			scale = math.Max(float64(g.Width)/sw, float64(g.Height)/sh)
		case g.Width > 0:
			scale = float64(g.Width) / sw
		default:
			scale = float64(g.Height) / sh
		}
		scaledW, scaledH := scaleDim(sw, scale), scaleDim(sh, scale)
		outW, outH := scaledW, scaledH
		if g.Width > 0 && g.Height > 0 {
			outW, outH = g.Width, g.Height
			// 舍入可能导致缩放结果比目标小一个像素。
			scaledW, scaledH = max(scaledW, outW), max(scaledH, outH)
		} else if g.Width > 0 {
			scaledW, outW = g.Width, g.Width
		} else {
			scaledH, outH = g.Height, g.Height
		}
		return Plan{ScaledWidth: scaledW, ScaledHeight: scaledH, Width: outW, Height: outH}
	}

	scale := 1.0
	if g.Width > 0 {
		scale = math.Min(scale, float64(g.Width)/sw)
	}
	if g.Height > 0 {
		scale = math.Min(scale, float64(g.Height)/sh)
	}
	if scale >= 1 {
		return Plan{ScaledWidth: srcWidth, ScaledHeight: srcHeight, Width: srcWidth, Height: srcHeight}
	}
	w, h := scaleDim(sw, scale), scaleDim(sh, scale)
	if g.Width > 0 {
		w = min(w, g.Width)
	}
	if g.Height > 0 {
		h = min(h, g.Height)
	}
	return Plan{ScaledWidth: w, ScaledHeight: h, Width: w, Height: h}
}

func scaleDim(v, scale float64) int {
	n := int(math.Round(v * scale))
	if n < 1 {
		return 1
	}
	return n
}
