package searcher

// cartesianProduct enumerates index tuples over axes of the given sizes, leftmost axis slowest.
func cartesianProduct(sizes []int) [][]int {
	switch {
	case len(sizes) == 0:
		return nil
	case len(sizes) == 1:
		cross := make([][]int, 0, sizes[0])
		for i := 0; i < sizes[0]; i++ {
			cross = append(cross, []int{i})
		}
		return cross
	default:
		right := cartesianProduct(sizes[1:])
		cross := make([][]int, 0, sizes[0]*len(right))
		for l := 0; l < sizes[0]; l++ {
			for _, r := range right {
				tuple := make([]int, 0, len(r)+1)
				tuple = append(tuple, l)
				tuple = append(tuple, r...)
				cross = append(cross, tuple)
			}
		}
		return cross
	}
}
