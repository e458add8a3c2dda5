package nn

import (
	"fmt"
	"math"
)

// OnlineSoftmax computes a softmax-weighted sum of value rows incrementally,
// one block of scores at a time, without storing all scores.
//
// Algorithm:
//
//	When processing a new block of scores:
//	  1. new_max = max(running_max, max(scores))
//	  2. scale = exp(old_max - new_max)
//	  3. running_sum = scale * running_sum + sum(exp(scores - new_max))
//	  4. output = scale * output + exp(scores - new_max) @ values
//	  5. running_max = new_max
//
//	After all blocks: output /= running_sum
type OnlineSoftmax struct {
	maxVal  float32   // Running maximum across all blocks.
	sumExp  float32   // Running sum of exp(x - max).
	output  []float32 // Accumulated weighted output [headDim].
	headDim int
}

// NewOnlineSoftmax creates an accumulator for value rows of width headDim.
func NewOnlineSoftmax(headDim int) *OnlineSoftmax {
	return &OnlineSoftmax{
		maxVal:  float32(math.Inf(-1)),
		output:  make([]float32, headDim),
		headDim: headDim,
	}
}

// Update folds one block into the accumulator. values holds len(scores) rows of
// headDim floats. Scores of -inf contribute nothing; a block of only -inf
// scores is a no-op.
func (o *OnlineSoftmax) Update(scores, values []float32) error {
	blockSize := len(scores)
	if len(values) != blockSize*o.headDim {
		return fmt.Errorf("online softmax: %d scores need %d values, got %d", blockSize, blockSize*o.headDim, len(values))
	}

	blockMax := float32(math.Inf(-1))
	for _, score := range scores {
		blockMax = max(blockMax, score)
	}
	if math.IsInf(float64(blockMax), -1) {
		return nil
	}

	newMax := max(o.maxVal, blockMax)
	correction := float32(math.Exp(float64(o.maxVal - newMax)))

	o.sumExp *= correction
	for i := range o.output {
		o.output[i] *= correction
	}

	for i := 0; i < blockSize; i++ {
		expScore := float32(math.Exp(float64(scores[i] - newMax)))
		o.sumExp += expScore
		row := values[i*o.headDim : (i+1)*o.headDim]
		for j, v := range row {
			o.output[j] += expScore * v
		}
	}

	o.maxVal = newMax
	return nil
}

// NormalizeInto writes the final weighted sum into dst. An accumulator that
// saw no finite score yields zeros.
func (o *OnlineSoftmax) NormalizeInto(dst []float32) {
	if o.sumExp == 0 {
		clear(dst)
		return
	}
	for i := range dst {
		dst[i] = o.output[i] / o.sumExp
	}
}

// Normalize returns the final weighted sum.
func (o *OnlineSoftmax) Normalize() []float32 {
	result := make([]float32, o.headDim)
	o.NormalizeInto(result)
	return result
}

// Reset clears the accumulator for reuse.
func (o *OnlineSoftmax) Reset() {
	o.maxVal = float32(math.Inf(-1))
	o.sumExp = 0
	clear(o.output)
}
