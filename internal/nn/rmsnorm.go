package nn

import (
	"math"

	"github.com/casonadams/minerva-sub000/internal/tensor"
)

// RMSNorm normalizes each row of x by its root mean square and scales it by
// weight:
//
//	y = x / sqrt(mean(x²) + eps) * weight
//
// weight has one entry per column. eps keeps all-zero rows finite.
func RMSNorm(x, weight *tensor.Array, eps float32) (*tensor.Array, error) {
	if err := hostData("rmsnorm", x, weight); err != nil {
		return nil, err
	}
	cols := x.Shape().Cols()
	if weight.Len() != cols {
		return nil, shapeErr("rmsnorm weight has %d entries, rows have %d", weight.Len(), cols)
	}

	out, err := tensor.New(x.Shape())
	if err != nil {
		return nil, err
	}
	xd, wd, od := x.Data(), weight.Data(), out.Data()
	for r := 0; r < x.Shape().Rows(); r++ {
		row := xd[r*cols : (r+1)*cols]
		var ss float32
		for _, v := range row {
			ss += v * v
		}
		inv := float32(1 / math.Sqrt(float64(ss/float32(cols)+eps)))
		dst := od[r*cols : (r+1)*cols]
		for i, v := range row {
			dst[i] = v * inv * wd[i]
		}
	}
	return out, nil
}
