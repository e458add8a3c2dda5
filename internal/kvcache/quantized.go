package kvcache

import "math"

// BlockSize is the number of consecutive floats sharing one scale in the
// quantized store. Rows are split into blocks independently.
const BlockSize = 32

// int8Store keeps symmetric int8 codes with one f32 scale per block:
// x ≈ q * scale, scale = max|x| / 127.
type int8Store struct {
	kq, vq         []int8
	kScale, vScale []float32
	width          int
	blocksPerRow   int
}

func newInt8Store(maxPos, width int) *int8Store {
	bpr := (width + BlockSize - 1) / BlockSize
	return &int8Store{
		kq:           make([]int8, maxPos*width),
		vq:           make([]int8, maxPos*width),
		kScale:       make([]float32, maxPos*bpr),
		vScale:       make([]float32, maxPos*bpr),
		width:        width,
		blocksPerRow: bpr,
	}
}

func (s *int8Store) write(pos int, k, v []float32) {
	quantizeRow(s.kq[pos*s.width:(pos+1)*s.width], s.kScale[pos*s.blocksPerRow:(pos+1)*s.blocksPerRow], k)
	quantizeRow(s.vq[pos*s.width:(pos+1)*s.width], s.vScale[pos*s.blocksPerRow:(pos+1)*s.blocksPerRow], v)
}

func (s *int8Store) read(start, end int) (k, v []float32) {
	n := end - start
	k = make([]float32, n*s.width)
	v = make([]float32, n*s.width)
	for t := 0; t < n; t++ {
		pos := start + t
		dequantizeRow(k[t*s.width:(t+1)*s.width], s.kq[pos*s.width:(pos+1)*s.width], s.kScale[pos*s.blocksPerRow:])
		dequantizeRow(v[t*s.width:(t+1)*s.width], s.vq[pos*s.width:(pos+1)*s.width], s.vScale[pos*s.blocksPerRow:])
	}
	return k, v
}

func (s *int8Store) bytes() int {
	return len(s.kq) + len(s.vq) + 4*(len(s.kScale)+len(s.vScale))
}

func quantizeRow(dst []int8, scales []float32, src []float32) {
	for b := range scales {
		lo := b * BlockSize
		hi := min(lo+BlockSize, len(src))
		var amax float32
		for _, x := range src[lo:hi] {
			amax = max(amax, float32(math.Abs(float64(x))))
		}
		scale := amax / 127
		scales[b] = scale
		if scale == 0 {
			clear(dst[lo:hi])
			continue
		}
		inv := 1 / scale
		for i, x := range src[lo:hi] {
			dst[lo+i] = int8(max(-127, min(127, math.Round(float64(x*inv)))))
		}
	}
}

func dequantizeRow(dst []float32, src []int8, scales []float32) {
	for i, q := range src {
		dst[i] = float32(q) * scales[i/BlockSize]
	}
}
