//go:build unix

package malloc

import "math/rand"
import "sync"
import "testing"
import "unsafe"

import s "github.com/bnclabs/gosettings"

import "github.com/bnclabs/gocage/api"

type testalloc struct {
	n    byte
	size int64
	ptr  unsafe.Pointer
}

func TestConcur(t *testing.T) {
	setts := s.Settings{
		"poolsize":                   int64(256 * 1024 * 1024),
		"checks.advanced":            true,
		"quarantine.advanced.enable": true,
		"quarantine.advanced.zap":    true,
	}
	shim := Newshim(setts)
	defer shim.Addressspace().Uninitfortesting()
	d := shim.Dispatchtable()

	nroutines, repeat := 8, 5000

	var awg, fwg sync.WaitGroup
	chans := make([]chan testalloc, 0, nroutines)
	for n := 0; n < nroutines; n++ {
		chans = append(chans, make(chan testalloc, 1000))
	}

	awg.Add(nroutines)
	fwg.Add(nroutines)
	for n := 0; n < nroutines; n++ {
		go testallocator(d, byte(n), repeat, chans, &awg)
		go testfree(d, chans[n], &fwg)
	}

	awg.Wait()
	for _, ch := range chans {
		close(ch)
	}
	fwg.Wait()

	// drain the quarantines, then every root shall be empty.
	for token := 0; token < Maxtokens; token++ {
		root := shim.Root(api.Token(token))
		root.Branch().Purge()
		_, _, alloc, _ := root.Info()
		if alloc != 0 {
			t.Errorf("token %v: %v bytes leaked", token, alloc)
		}
	}
}

func testallocator(
	d *Dispatch, n byte, repeat int, chans []chan testalloc, wg *sync.WaitGroup) {

	defer wg.Done()

	rnd := rand.New(rand.NewSource(int64(n)))
	for i := 0; i < repeat; i++ {
		size := int64(1 + rnd.Intn(1024))
		ptr := d.Alloc(size, 0, nil)
		block := unsafe.Slice((*byte)(ptr), size)
		for j := range block {
			block[j] = n
		}
		chans[rnd.Intn(len(chans))] <- testalloc{n: n, size: size, ptr: ptr}
	}
}

func testfree(d *Dispatch, ch chan testalloc, wg *sync.WaitGroup) {
	defer wg.Done()

	for ta := range ch {
		// the payload shall be intact until the free.
		block := unsafe.Slice((*byte)(ta.ptr), ta.size)
		for _, b := range block {
			if b != ta.n {
				panic("payload clobbered before free")
			}
		}
		d.Free(ta.ptr, nil)
	}
}
