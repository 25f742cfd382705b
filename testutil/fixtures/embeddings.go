package fixtures

import "math/rand"

// UnitVector 第 axis 维为 1 的单位向量
func UnitVector(dim, axis int) []float32 {
	v := make([]float32, dim)
	v[axis%dim] = 1
	return v
}

// Embedding 由 seed 决定的伪随机向量，同一 seed 总是得到同一向量
func Embedding(dim int, seed int64) []float32 {
	r := rand.New(rand.NewSource(seed))
	v := make([]float32, dim)
	for i := range v {
		v[i] = r.Float32()*2 - 1
	}
	return v
}
