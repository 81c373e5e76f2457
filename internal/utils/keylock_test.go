package utils

import (
	"sync"
	"testing"
)

func TestKeyedMutexSerialisesPerKey(t *testing.T) {
	var km KeyedMutex
	keys := []string{"a", "b"}
	var counts [2]int // counts[i] is only touched while holding keys[i]
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		idx := i % 2
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock(keys[idx])
			defer unlock()
			counts[idx]++
		}()
	}
	wg.Wait()
	if counts[0] != 100 || counts[1] != 100 {
		t.Fatalf("counts=%v", counts)
	}
	if km.Len() != 0 {
		t.Fatalf("leaked %d entries", km.Len())
	}
}

func TestKeyedMutexExcludes(t *testing.T) {
	var km KeyedMutex
	unlock := km.Lock("p1")
	acquired := make(chan struct{})
	go func() {
		u := km.Lock("p1")
		close(acquired)
		u()
	}()
	other := km.Lock("p2") // different key does not block
	other()
	select {
	case <-acquired:
		t.Fatalf("second holder entered while locked")
	default:
	}
	unlock()
	<-acquired
}
