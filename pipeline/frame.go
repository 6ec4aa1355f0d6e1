package pipeline

import (
	"image"
	"image/color"
)

// FrameFromImage 将任意 image.Image 转为 RGB24 帧.
func FrameFromImage(img image.Image) RGBFrame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := make([]byte, w*h*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			o := (y*w + x) * 3
			pix[o], pix[o+1], pix[o+2] = c.R, c.G, c.B
		}
	}
	return RGBFrame{Width: w, Height: h, Pix: pix}
}

// Image 将帧转为 *image.RGBA，供编码器使用.
func (f RGBFrame) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i, j := 0, 0; i+2 < len(f.Pix); i, j = i+3, j+4 {
		img.Pix[j] = f.Pix[i]
		img.Pix[j+1] = f.Pix[i+1]
		img.Pix[j+2] = f.Pix[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}

// Resize 最近邻缩放；尺寸相同时原样返回.
func (f RGBFrame) Resize(width, height int) RGBFrame {
	if f.Width == width && f.Height == height {
		return f
	}
	pix := make([]byte, width*height*3)
	for y := 0; y < height; y++ {
		sy := y * f.Height / height
		for x := 0; x < width; x++ {
			sx := x * f.Width / width
			s := (sy*f.Width + sx) * 3
			d := (y*width + x) * 3
			copy(pix[d:d+3], f.Pix[s:s+3])
		}
	}
	return RGBFrame{Width: width, Height: height, Pix: pix}
}

// Clone 深拷贝像素缓冲区.
func (f RGBFrame) Clone() RGBFrame {
	pix := make([]byte, len(f.Pix))
	copy(pix, f.Pix)
	return RGBFrame{Width: f.Width, Height: f.Height, Pix: pix}
}
