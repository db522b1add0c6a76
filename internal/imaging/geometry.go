package imaging

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// geometryPattern 与路由层约定的 `<width>?x<height>?` 语法一致，可选 `!` 后缀表示裁剪。
var geometryPattern = regexp.MustCompile(`^\d*x\d*!?$`)

// ErrInvalidGeometry 表示 geometry 不符合语法或宽高均缺失。
var ErrInvalidGeometry = errors.New("invalid geometry")

// Geometry 是解析后的目标尺寸。Width/Height 为 0 表示该方向不受约束。
type Geometry struct {
	Width  int
	Height int
	// Crop 为 true 时输出精确的目标尺寸（必要时裁剪），否则在盒内等比缩放且不放大。
	Crop bool
}

// IsGeometryToken 判断路径片段是否符合 geometry 语法（不校验宽高是否有效）。
func IsGeometryToken(token string) bool {
	return geometryPattern.MatchString(token)
}

// ParseGeometry 解析诸如 "300x"、"x300"、"300x200!" 的 geometry 描述。
func ParseGeometry(token string) (Geometry, error) {
	if !IsGeometryToken(token) {
		return Geometry{}, fmt.Errorf("%w: %q", ErrInvalidGeometry, token)
	}

	var g Geometry
	body := token
	if strings.HasSuffix(body, "!") {
		g.Crop = true
		body = strings.TrimSuffix(body, "!")
	}

	rawWidth, rawHeight, _ := strings.Cut(body, "x")
	var err error
	if g.Width, err = parseDimension(rawWidth); err != nil {
		return Geometry{}, fmt.Errorf("%w: width %q", ErrInvalidGeometry, rawWidth)
	}
	if g.Height, err = parseDimension(rawHeight); err != nil {
		return Geometry{}, fmt.Errorf("%w: height %q", ErrInvalidGeometry, rawHeight)
	}

	if g.Width == 0 && g.Height == 0 {
		return Geometry{}, fmt.Errorf("%w: %q has no dimension", ErrInvalidGeometry, token)
	}
	return g, nil
}

// String 还原为规范化的 geometry 字符串。
func (g Geometry) String() string {
	var b strings.Builder
	if g.Width > 0 {
		b.WriteString(strconv.Itoa(g.Width))
	}
	b.WriteByte('x')
	if g.Height > 0 {
		b.WriteString(strconv.Itoa(g.Height))
	}
	if g.Crop {
		b.WriteByte('!')
	}
	return b.String()
}

// maxDimension 限制单边像素，避免恶意 geometry 触发超大内存分配。
const maxDimension = 10000

// parseDimension 将空串与 "0" 都视为不受约束。
func parseDimension(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n > maxDimension {
		return 0, fmt.Errorf("dimension %d exceeds %d", n, maxDimension)
	}
	return n, nil
}
