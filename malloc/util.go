package malloc

import "fmt"
import "errors"
import "sort"

// ErrorOutofMemory raised by checked entry points when the pool has no
// free run of super-pages left for the request.
var ErrorOutofMemory = errors.New("malloc.outofmemory")

// Alignment every returned chunk is at least this aligned.
const Alignment = int64(16)

// Sizeinterval minblock and maxblock shall be multiples of this.
const Sizeinterval = int64(32)

// Utilizationneutral expected utilization for the neutral bucket
// distribution.
const Utilizationneutral = float64(0.95)

// Utilizationdenser expected utilization for the denser distribution,
// more size classes, less intra-slot waste.
const Utilizationdenser = float64(0.98)

// Blocksizes generate the bucket slot-sizes between minblock and
// maxblock for the expected utilization. Powers of two are always
// included, the aligned-allocation path depends on them.
func Blocksizes(minblock, maxblock int64, utilization float64) []int64 {
	if maxblock < minblock { // validate and cure the input params
		panicerr("minblock %v > maxblock %v", minblock, maxblock)
	} else if (minblock % Sizeinterval) != 0 {
		panicerr("minblock %v is not multiple of %v", minblock, Sizeinterval)
	} else if (maxblock % Sizeinterval) != 0 {
		panicerr("maxblock %v is not multiple of %v", maxblock, Sizeinterval)
	}

	nextsize := func(from int64) int64 {
		addby := int64(float64(from) * (1.0 - utilization))
		if addby <= Sizeinterval {
			addby = Sizeinterval
		} else if addby&(Sizeinterval-1) != 0 {
			addby = (addby / Sizeinterval) * Sizeinterval
		}
		size := from + addby
		for (float64(from+size)/2.0)/float64(size) > utilization {
			size += addby
		}
		return size
	}

	sizes := make([]int64, 0, 64)
	for size := minblock; size < maxblock; {
		sizes = append(sizes, size)
		size = nextsize(size)
	}
	sizes = append(sizes, maxblock)

	for pow2 := nextpow2(minblock); pow2 <= maxblock; pow2 <<= 1 {
		if slabindex(sizes, pow2) < 0 {
			sizes = append(sizes, pow2)
		}
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })
	return sizes
}

// SuitableSize pick the smallest slot-size that can hold `size`.
func SuitableSize(blocksizes []int64, size int64) int64 {
	for {
		switch len(blocksizes) {
		case 1:
			if size <= blocksizes[0] {
				return blocksizes[0]
			}
			panicerr("size %v greater than configured %v", size, blocksizes[0])

		case 2:
			if size <= blocksizes[0] {
				return blocksizes[0]
			} else if size <= blocksizes[1] {
				return blocksizes[1]
			}
			panicerr("size %v greater than configured %v", size, blocksizes[1])

		default:
			pivot := len(blocksizes) / 2
			if blocksizes[pivot] < size {
				blocksizes = blocksizes[pivot+1:]
			} else {
				blocksizes = blocksizes[0 : pivot+1]
			}
		}
	}
}

// slabindex position of slab in the sorted slot-size table, -1 when
// absent. Doubles as the bucket index for the runtime-stats rings.
func slabindex(blocksizes []int64, slab int64) int {
	i := sort.Search(len(blocksizes), func(i int) bool {
		return blocksizes[i] >= slab
	})
	if i < len(blocksizes) && blocksizes[i] == slab {
		return i
	}
	return -1
}

func nextpow2(n int64) int64 {
	pow2 := int64(1)
	for pow2 < n {
		pow2 <<= 1
	}
	return pow2
}

func alignup(size, align int64) int64 {
	return (size + align - 1) & ^(align - 1)
}

func panicerr(fmsg string, args ...interface{}) {
	panic(fmt.Errorf(fmsg, args...))
}
