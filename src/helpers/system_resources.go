package helpers

// RecommendedMemoryLimitMB derives the in-process series budget from physical
// RAM: three quarters of total, floored at 512MB on machines that have it.
// Unknown totals fall back to 512MB.
func RecommendedMemoryLimitMB() int {
	totalMB := TotalSystemMemoryMB()
	if totalMB <= 0 {
		return 512
	}

	limit := (totalMB * 3) / 4
	if limit >= 512 {
		return limit
	}
	if totalMB < 512 {
		return totalMB
	}
	return 512
}
