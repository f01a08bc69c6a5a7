package rpmalloc

import "testing"

func TestSizeClassTableMonotonic(t *testing.T) {
	// Class 0 is never selected (sizeClassOf rounds up to class 1) and
	// carries the same 32-byte block as class 1; strict growth starts there.
	if globalSizeClass[0] != globalSizeClass[1] {
		t.Fatalf("class 0 %+v differs from class 1 %+v", globalSizeClass[0], globalSizeClass[1])
	}
	for i := 2; i < sizeClassCount; i++ {
		if globalSizeClass[i].blockSize <= globalSizeClass[i-1].blockSize {
			t.Fatalf("class %d block size %d not greater than class %d's %d",
				i, globalSizeClass[i].blockSize, i-1, globalSizeClass[i-1].blockSize)
		}
	}
}

func TestSizeClassBlockCountFitsPage(t *testing.T) {
	for i, sc := range globalSizeClass {
		pt := pageTypeForClass(uint32(i))
		pageSize, _ := pageSizeForType(pt)
		used := uintptr(sc.blockCount) * uintptr(sc.blockSize)
		if used+pageHeaderSize > pageSize {
			t.Fatalf("class %d: %d blocks of %d bytes plus header overflow page size %d",
				i, sc.blockCount, sc.blockSize, pageSize)
		}
		if sc.blockCount == 0 {
			t.Fatalf("class %d has zero block count", i)
		}
	}
}

func TestPageTypeForClassBoundaries(t *testing.T) {
	cases := []struct {
		class uint32
		want  pageType
	}{
		{0, pageSmall},
		{uint32(smallSizeClassCount - 1), pageSmall},
		{uint32(smallSizeClassCount), pageMedium},
		{uint32(smallSizeClassCount + mediumSizeClassCount - 1), pageMedium},
		{uint32(smallSizeClassCount + mediumSizeClassCount), pageLarge},
		{uint32(sizeClassCount - 1), pageLarge},
	}
	for _, c := range cases {
		if got := pageTypeForClass(c.class); got != c.want {
			t.Errorf("pageTypeForClass(%d) = %v, want %v", c.class, got, c.want)
		}
	}
}

func TestSizeClassTinyMatchesTable(t *testing.T) {
	for size := uintptr(1); size <= smallGranularity*16; size++ {
		class := sizeClassTiny(size)
		if globalSizeClass[class].blockSize < uint32(size) {
			t.Fatalf("size %d: class %d block size %d too small", size, class, globalSizeClass[class].blockSize)
		}
	}
}

func TestSizeClassOfAgreesWithTinyInOverlap(t *testing.T) {
	for size := uintptr(1); size <= smallGranularity*16; size++ {
		tiny := sizeClassTiny(size)
		class, huge := sizeClassOf(size)
		if huge {
			t.Fatalf("size %d unexpectedly reported huge", size)
		}
		if class != tiny {
			t.Fatalf("size %d: sizeClassOf=%d, sizeClassTiny=%d", size, class, tiny)
		}
	}
}

func TestSizeClassOfHugeBeyondLastClass(t *testing.T) {
	last := globalSizeClass[sizeClassCount-1].blockSize
	_, huge := sizeClassOf(uintptr(last) + 1)
	if !huge {
		t.Fatalf("size %d (last class block size + 1) should be huge", last+1)
	}
}

func TestSizeClassOfNeverExceedsChosenBlockSize(t *testing.T) {
	for size := uintptr(smallGranularity*16 + 1); size < 300000; size += 97 {
		class, huge := sizeClassOf(size)
		if huge {
			continue
		}
		if uintptr(globalSizeClass[class].blockSize) < size {
			t.Fatalf("size %d routed to class %d with block size %d", size, class, globalSizeClass[class].blockSize)
		}
	}
}
