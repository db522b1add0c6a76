package cache

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/pichub/pichub/internal/imaging"
)

// ErrInvalidKey 表示请求坐标无法安全地映射为缓存路径。
var ErrInvalidKey = errors.New("invalid cache key")

// Key 唯一定位一个缓存条目：(collection, identifier, filename, geometry?)。
// 各字段原样作为路径片段使用，构造时必须经过 NewKey 校验。
type Key struct {
	Collection string
	Identifier string
	Filename   string
	// Geometry 为空表示请求原图。
	Geometry string
}

// NewKey 校验并构造 Key，拒绝任何会逃逸缓存目录或与派生目录冲突的片段。
func NewKey(collection, identifier, filename, geometry string) (Key, error) {
	k := Key{Collection: collection, Identifier: identifier, Filename: filename, Geometry: geometry}
	if err := validateSegment("collection", collection); err != nil {
		return Key{}, err
	}
	if strings.HasPrefix(collection, ".") {
		return Key{}, fmt.Errorf("%w: collection %q", ErrInvalidKey, collection)
	}
	if err := validateSegment("identifier", identifier); err != nil {
		return Key{}, err
	}
	if err := validateSegment("filename", filename); err != nil {
		return Key{}, err
	}
	// 形如 geometry 的文件名会占用 <id>/<geometry>/ 目录的位置。
	if imaging.IsGeometryToken(filename) {
		return Key{}, fmt.Errorf("%w: filename %q looks like a geometry", ErrInvalidKey, filename)
	}
	if geometry != "" && !imaging.IsGeometryToken(geometry) {
		return Key{}, fmt.Errorf("%w: geometry %q", ErrInvalidKey, geometry)
	}
	return k, nil
}

// HasGeometry 表示该 Key 是否指向派生图。
func (k Key) HasGeometry() bool {
	return k.Geometry != ""
}

// Original 返回共享同一原图的 Key（去掉 geometry）。
func (k Key) Original() Key {
	k.Geometry = ""
	return k
}

// String 返回 URL 风格的相对路径，同时作为进程内去重的键。
func (k Key) String() string {
	return path.Join(k.segments()...)
}

func (k Key) segments() []string {
	if k.HasGeometry() {
		return []string{k.Collection, k.Identifier, k.Geometry, k.Filename}
	}
	return []string{k.Collection, k.Identifier, k.Filename}
}

func validateSegment(field, value string) error {
	switch {
	case value == "":
		return fmt.Errorf("%w: empty %s", ErrInvalidKey, field)
	case value == "." || value == "..":
		return fmt.Errorf("%w: %s %q", ErrInvalidKey, field, value)
	case strings.ContainsAny(value, "/\\\x00"):
		return fmt.Errorf("%w: %s %q contains a separator", ErrInvalidKey, field, value)
	}
	return nil
}
