package devmem

// Statistics is a point-in-time snapshot of one allocator's bookkeeping.
// The Allocation, FreeList, and Reserved figures describe current
// residency; DeviceAllocCount and CacheHitCount accumulate over the
// allocator's lifetime.
type Statistics struct {
	// AllocationCount is the number of addresses currently handed out to
	// callers.
	AllocationCount int
	// AllocationBytes is the total size of addresses currently handed out,
	// where the allocator tracks sizes.
	AllocationBytes int
	// FreeListCount is the number of addresses resident in free-lists.
	FreeListCount int
	// FreeListBytes is the total size of addresses resident in free-lists.
	FreeListBytes int
	// ReservedCount is the number of live reserved addresses.
	ReservedCount int
	// ReservedBytes is the total size of live reserved addresses, where
	// the allocator tracks sizes.
	ReservedBytes int
	// DeviceAllocCount is the cumulative number of allocations requested
	// from the underlying device, host, or external allocator.
	DeviceAllocCount int
	// CacheHitCount is the cumulative number of requests served from a
	// free-list without touching the underlying allocator.
	CacheHitCount int
}

func (s *Statistics) Clear() {
	s.AllocationCount = 0
	s.AllocationBytes = 0
	s.FreeListCount = 0
	s.FreeListBytes = 0
	s.ReservedCount = 0
	s.ReservedBytes = 0
	s.DeviceAllocCount = 0
	s.CacheHitCount = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.AllocationCount += other.AllocationCount
	s.AllocationBytes += other.AllocationBytes
	s.FreeListCount += other.FreeListCount
	s.FreeListBytes += other.FreeListBytes
	s.ReservedCount += other.ReservedCount
	s.ReservedBytes += other.ReservedBytes
	s.DeviceAllocCount += other.DeviceAllocCount
	s.CacheHitCount += other.CacheHitCount
}
