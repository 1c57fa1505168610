package tool

import "math"

// Simplify reduces a flat x,y polyline with the Douglas-Peucker algorithm.
// Every dropped point lies within tolerance of the simplified polyline and
// the result is never longer than the input. The two endpoints always
// survive.
func Simplify(points []float64, tolerance float64) []float64 {
	n := len(points) / 2
	if n <= 2 || tolerance <= 0 {
		out := make([]float64, len(points))
		copy(out, points)
		return out
	}

	keep := make([]bool, n)
	keep[0], keep[n-1] = true, true
	simplifySegment(points, 0, n-1, tolerance, keep)

	out := make([]float64, 0, len(points))
	for i := 0; i < n; i++ {
		if keep[i] {
			out = append(out, points[2*i], points[2*i+1])
		}
	}
	return out
}

func simplifySegment(points []float64, first, last int, tolerance float64, keep []bool) {
	if last-first < 2 {
		return
	}
	maxDist, index := 0.0, first
	for i := first + 1; i < last; i++ {
		d := perpendicularDistance(
			points[2*i], points[2*i+1],
			points[2*first], points[2*first+1],
			points[2*last], points[2*last+1],
		)
		if d > maxDist {
			maxDist, index = d, i
		}
	}
	if maxDist > tolerance {
		keep[index] = true
		simplifySegment(points, first, index, tolerance, keep)
		simplifySegment(points, index, last, tolerance, keep)
	}
}

func perpendicularDistance(px, py, ax, ay, bx, by float64) float64 {
	dx, dy := bx-ax, by-ay
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return math.Hypot(px-ax, py-ay)
	}
	// Project onto the segment, clamped to its ends.
	t := ((px-ax)*dx + (py-ay)*dy) / lenSq
	t = math.Max(0, math.Min(1, t))
	return math.Hypot(px-(ax+t*dx), py-(ay+t*dy))
}
