// internal/placeholder/placeholder.go
package placeholder

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"strconv"
)

// 默认渲染尺寸
const (
	DefaultWidth  = 512
	DefaultHeight = 512
)

// Seed 由图像提示词和1起始的卡片位置计算稳定种子
// 同样的提示词和位置在任何进程里都得到同一个种子
func Seed(imagePrompt string, position int) uint32 {
	h := fnv.New32a()
	h.Write([]byte(imagePrompt))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.Itoa(position)))
	return h.Sum32()
}

// URL 返回种子对应的占位图地址
func URL(seed uint32) string {
	return fmt.Sprintf("/api/placeholder/%d", seed)
}

// ParseSeed 解析地址中的种子参数
func ParseSeed(raw string) (uint32, error) {
	value, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("无效的占位图种子: %s", raw)
	}
	return uint32(value), nil
}

// Render 渲染种子对应的占位图，相同种子产出逐字节相同的JPEG
func Render(seed uint32, width, height int) ([]byte, error) {
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))

	// 基色从种子的三个字节导出，压到柔和区间
	baseR := 60 + int(seed&0xFF)%140
	baseG := 60 + int((seed>>8)&0xFF)%140
	baseB := 60 + int((seed>>16)&0xFF)%140

	centerX, centerY := float64(width)/2, float64(height)/2
	maxDist := math.Sqrt(centerX*centerX + centerY*centerY)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dx, dy := float64(x)-centerX, float64(y)-centerY
			dist := math.Sqrt(dx*dx + dy*dy)
			factor := 1.0 - dist/maxDist

			img.Set(x, y, color.RGBA{
				R: clampChannel(float64(baseR) + 55*factor),
				G: clampChannel(float64(baseG) + 55*factor),
				B: clampChannel(float64(baseB) + 55*factor),
				A: 255,
			})
		}
	}

	// 边框用加深的基色
	border := color.RGBA{
		R: uint8(baseR * 2 / 3),
		G: uint8(baseG * 2 / 3),
		B: uint8(baseB * 2 / 3),
		A: 255,
	}
	borderWidth := 8
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x < borderWidth || x >= width-borderWidth || y < borderWidth || y >= height-borderWidth {
				img.Set(x, y, border)
			}
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("编码占位图失败: %w", err)
	}

	return buf.Bytes(), nil
}

func clampChannel(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
