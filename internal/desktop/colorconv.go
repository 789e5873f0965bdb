package desktop

import "sync"

var i420Pool = struct {
	pool sync.Pool
	w, h int
	mu   sync.Mutex
}{}

func getI420Buffer(w, h int) []byte {
	size := w*h + 2*((w+1)/2)*((h+1)/2) // Y + Cb + Cr (4:2:0)
	i420Pool.mu.Lock()
	if i420Pool.w == w && i420Pool.h == h {
		i420Pool.mu.Unlock()
		if v := i420Pool.pool.Get(); v != nil {
			return v.([]byte)
		}
		return make([]byte, size)
	}
	i420Pool.w = w
	i420Pool.h = h
	i420Pool.pool = sync.Pool{}
	i420Pool.mu.Unlock()
	return make([]byte, size)
}

// toI420 converts a BGRA or RGBA frame to planar I420 (4:2:0) for the
// OpenH264 encoder, which only accepts planar input. Uses BT.601
// coefficients with fixed-point integer arithmetic. Returns the Y, Cb,
// Cr planes and their row strides.
func toI420(pix []byte, width, height, stride int, pf PixelFormat) (y, cb, cr []byte, yStride, cStride int) {
	cw, ch := (width+1)/2, (height+1)/2
	buf := getI420Buffer(width, height)
	y = buf[:width*height]
	cb = buf[width*height : width*height+cw*ch]
	cr = buf[width*height+cw*ch:]
	yStride, cStride = width, cw

	rIdx, bIdx := 0, 2
	if pf == PixelFormatBGRA {
		rIdx, bIdx = 2, 0
	}

	for row := 0; row < height; row++ {
		rowOff := row * stride
		yOff := row * yStride
		for col := 0; col < width; col++ {
			pi := rowOff + col*4
			r := int(pix[pi+rIdx])
			g := int(pix[pi+1])
			b := int(pix[pi+bIdx])

			yVal := (66*r+129*g+25*b+128)>>8 + 16
			y[yOff+col] = byte(clampInt(yVal, 16, 235))

			if row%2 == 0 && col%2 == 0 {
				uVal := (-38*r-74*g+112*b+128)>>8 + 128
				vVal := (112*r-94*g-18*b+128)>>8 + 128

				cIdx := (row/2)*cStride + col/2
				cb[cIdx] = byte(clampInt(uVal, 16, 240))
				cr[cIdx] = byte(clampInt(vVal, 16, 240))
			}
		}
	}
	return y, cb, cr, yStride, cStride
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
