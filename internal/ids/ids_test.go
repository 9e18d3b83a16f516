package ids

import (
	"sort"
	"sync"
	"testing"
)

func TestNewIsUniqueAndSortable(t *testing.T) {
	const n = 1000
	seen := make(map[string]bool, n)
	ordered := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := New()
		if len(id) != 26 {
			t.Fatalf("unexpected id length: %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id: %q", id)
		}
		seen[id] = true
		ordered = append(ordered, id)
	}
	if !sort.StringsAreSorted(ordered) {
		t.Fatal("ids generated in sequence must sort lexically")
	}
}

func TestNewConcurrent(t *testing.T) {
	const workers = 8
	const perWorker = 200

	var (
		mu  sync.Mutex
		all = make(map[string]bool, workers*perWorker)
		wg  sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				id := New()
				mu.Lock()
				if all[id] {
					t.Errorf("duplicate id: %q", id)
				}
				all[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}
