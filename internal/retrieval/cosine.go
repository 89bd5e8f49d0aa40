// Package retrieval embeds queries, searches the vector store, and ranks
// chunks for RAG answers. Local math here never suspends; every external
// call goes through the injected embedder and store clients.
package retrieval

import "math"

// CosineSimilarity returns dot(a,b) / (‖a‖·‖b‖). It returns 0 when the
// vectors differ in length or when either norm is zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
