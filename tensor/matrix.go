package tensor

import (
	"fmt"
)

// Gemm computes dst = op(a) * op(b) (+ dst when accumulate is set) on raw
// row-major slices, where op(a) is m x k and op(b) is k x n. transA and
// transB select whether a and b are stored transposed.
func Gemm(dst, a, b []float32, m, k, n int, transA, transB, accumulate bool) {
	if !accumulate {
		for i := range dst[:m*n] {
			dst[i] = 0
		}
	}

	for i := 0; i < m; i++ {
		row := dst[i*n : (i+1)*n]
		for p := 0; p < k; p++ {
			var av float32
			if transA {
				av = a[p*m+i]
			} else {
				av = a[i*k+p]
			}
			if av == 0 {
				continue
			}
			if transB {
				for j := 0; j < n; j++ {
					row[j] += av * b[j*k+p]
				}
			} else {
				brow := b[p*n : (p+1)*n]
				for j := 0; j < n; j++ {
					row[j] += av * brow[j]
				}
			}
		}
	}
}

// MatMul multiplies two 2-D tensors.
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if len(t1.Shape) != 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("matmul requires 2-D tensors, got %v and %v", t1.Shape, t2.Shape)
	}

	rows1, cols1 := t1.Shape[0], t1.Shape[1]
	rows2, cols2 := t2.Shape[0], t2.Shape[1]
	if cols1 != rows2 {
		return nil, fmt.Errorf("incompatible dimensions for matmul: (%d, %d) x (%d, %d)", rows1, cols1, rows2, cols2)
	}

	result, err := Zeros([]int{rows1, cols2})
	if err != nil {
		return nil, err
	}
	Gemm(result.Data, t1.Data, t2.Data, rows1, cols1, cols2, false, false, false)
	return result, nil
}
