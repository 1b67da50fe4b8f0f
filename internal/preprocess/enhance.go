package preprocess

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// blend returns degenerate + factor*(img - degenerate), clipped.
func blend(img, degenerate *image.NRGBA, factor float64) *image.NRGBA {
	out := cloneNRGBA(img)
	for i := 0; i < len(out.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			d := float64(degenerate.Pix[i+c])
			out.Pix[i+c] = clamp8(d + factor*(float64(img.Pix[i+c])-d))
		}
	}
	return out
}

// Brightness scales intensity; factor 0 is black, 1 is the original.
func Brightness(img *image.NRGBA, factor float64) *image.NRGBA {
	black := image.NewNRGBA(img.Rect)
	return blend(img, black, factor)
}

// Contrast blends with the mean gray level; factor 0 is flat gray.
func Contrast(img *image.NRGBA, factor float64) *image.NRGBA {
	var sum, n uint64
	for i := 0; i < len(img.Pix); i += 4 {
		sum += uint64(luma(img.Pix[i], img.Pix[i+1], img.Pix[i+2]))
		n++
	}
	mean := uint8(0)
	if n > 0 {
		mean = uint8(float64(sum)/float64(n) + 0.5)
	}
	w, h := img.Rect.Dx(), img.Rect.Dy()
	return blend(img, filled(w, h, Fill{mean, mean, mean}), factor)
}

// Color blends with the grayscale image; factor 0 is fully desaturated.
func Color(img *image.NRGBA, factor float64) *image.NRGBA {
	return blend(img, Grayscale(img), factor)
}

// Sharpness blends with a smoothed copy; factor 0 is blurred, 2 sharpened.
// Border pixels keep their original value in the smoothed copy.
func Sharpness(img *image.NRGBA, factor float64) *image.NRGBA {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	smooth := cloneNRGBA(img)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			for c := 0; c < 3; c++ {
				sum := 0
				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						weight := 1
						if dx == 0 && dy == 0 {
							weight = 5
						}
						sum += weight * int(img.Pix[img.PixOffset(x+dx, y+dy)+c])
					}
				}
				smooth.Pix[smooth.PixOffset(x, y)+c] = clamp8(float64(sum) / 13)
			}
		}
	}
	return blend(img, smooth, factor)
}

// Grayscale replaces RGB with luma, keeping three channels.
// imaging.Grayscale weighs channels in floating point, so the integer
// 299/587/114 transform is applied through AdjustFunc instead.
func Grayscale(img *image.NRGBA) *image.NRGBA {
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		l := luma(c.R, c.G, c.B)
		return color.NRGBA{R: l, G: l, B: l, A: c.A}
	})
}

// Posterize keeps the top bits of every channel.
func Posterize(img *image.NRGBA, bits int) *image.NRGBA {
	bits = max(0, min(8, bits))
	mask := ^uint8(0) << (8 - bits)
	if bits == 0 {
		mask = 0
	}
	return mapRGB(img, func(_ int, v uint8) uint8 { return v & mask })
}

// Solarize inverts every value at or above threshold.
func Solarize(img *image.NRGBA, threshold float64) *image.NRGBA {
	return mapRGB(img, func(_ int, v uint8) uint8 {
		if float64(v) >= threshold {
			return 255 - v
		}
		return v
	})
}

// SolarizeAdd adds add to every value below threshold, saturating at 255.
func SolarizeAdd(img *image.NRGBA, add, threshold int) *image.NRGBA {
	var lut [256]uint8
	for i := range lut {
		if i < threshold {
			lut[i] = uint8(min(255, max(0, i+add)))
		} else {
			lut[i] = uint8(i)
		}
	}
	return mapRGB(img, func(_ int, v uint8) uint8 { return lut[v] })
}

// Invert negates every channel.
func Invert(img *image.NRGBA) *image.NRGBA {
	return imaging.Invert(img)
}

func histograms(img *image.NRGBA) [3][256]int {
	var h [3][256]int
	for i := 0; i < len(img.Pix); i += 4 {
		h[0][img.Pix[i]]++
		h[1][img.Pix[i+1]]++
		h[2][img.Pix[i+2]]++
	}
	return h
}

// AutoContrast stretches each channel so its darkest value maps to 0 and its
// lightest to 255.
func AutoContrast(img *image.NRGBA) *image.NRGBA {
	hist := histograms(img)
	var luts [3][256]uint8
	for c := 0; c < 3; c++ {
		lo, hi := 0, 255
		for lo < 256 && hist[c][lo] == 0 {
			lo++
		}
		for hi >= 0 && hist[c][hi] == 0 {
			hi--
		}
		for i := range luts[c] {
			if hi <= lo {
				luts[c][i] = uint8(i)
				continue
			}
			scale := 255 / float64(hi-lo)
			luts[c][i] = clamp8(float64(i-lo) * scale)
		}
	}
	return mapRGB(img, func(ch int, v uint8) uint8 { return luts[ch][v] })
}

// Equalize flattens each channel's histogram.
func Equalize(img *image.NRGBA) *image.NRGBA {
	hist := histograms(img)
	var luts [3][256]uint8
	for c := 0; c < 3; c++ {
		last, total := 0, 0
		for i, v := range hist[c] {
			if v > 0 {
				last = i
			}
			total += v
		}
		step := (total - hist[c][last]) / 255
		if step == 0 {
			for i := range luts[c] {
				luts[c][i] = uint8(i)
			}
			continue
		}
		n := step / 2
		for i := range luts[c] {
			luts[c][i] = uint8(min(255, n/step))
			n += hist[c][i]
		}
	}
	return mapRGB(img, func(ch int, v uint8) uint8 { return luts[ch][v] })
}
