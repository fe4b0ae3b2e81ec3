package bufpool

import (
	"sync"
	"testing"
)

func TestPoolGetReturnsEmptyBuffer(t *testing.T) {
	t.Parallel()

	p := New()
	buf := p.Get()
	if buf.Len() != 0 {
		t.Fatalf("expected empty buffer, got len=%d", buf.Len())
	}
}

func TestPoolPutResetsAndReusesBuffer(t *testing.T) {
	t.Parallel()

	p := New()

	buf := p.Get()
	buf.WriteString("some marshalled payload")
	p.Put(buf)

	reused := p.Get()
	if reused.Len() != 0 {
		t.Fatalf("expected buffer to be reset by Put, got len=%d content=%q", reused.Len(), reused.String())
	}
}

func TestPoolConcurrentAccess(t *testing.T) {
	t.Parallel()

	p := New()
	var wg sync.WaitGroup

	worker := func(payload string) {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			buf := p.Get()
			buf.WriteString(payload)
			if buf.String() != payload {
				t.Fatalf("expected content %q, got %q", payload, buf.String())
			}
			p.Put(buf)
		}
	}

	payloads := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	for _, payload := range payloads {
		payload := payload
		wg.Add(1)
		go worker(payload)
	}

	wg.Wait()
}

func TestNilPoolIsSafe(t *testing.T) {
	var p *Pool
	buf := p.Get()
	if buf == nil {
		t.Fatalf("expected nil-pool Get to still return a usable buffer")
	}
	p.Put(buf) // must not panic
}
