package relay

import (
	"fmt"
	"sync"
	"testing"
)

func newRegisteredTestConn(deviceID string) *Conn {
	c := newConn(nil, 0)
	c.deviceID = deviceID
	return c
}

func TestRegistryRegisterAndGet(t *testing.T) {
	registry := NewRegistry()
	conn := newRegisteredTestConn("device-a")

	if replaced := registry.Register(conn); replaced != nil {
		t.Fatalf("first Register replaced %v, want nil", replaced)
	}
	if got := registry.Get("device-a"); got != conn {
		t.Fatalf("Get returned %v, want registered conn", got)
	}
	if got := registry.Get("device-b"); got != nil {
		t.Fatalf("Get unknown device returned %v, want nil", got)
	}
	if got := registry.Len(); got != 1 {
		t.Fatalf("Len = %d, want 1", got)
	}
}

func TestRegistrySupersede(t *testing.T) {
	registry := NewRegistry()
	stale := newRegisteredTestConn("device-a")
	fresh := newRegisteredTestConn("device-a")

	registry.Register(stale)
	replaced := registry.Register(fresh)
	if replaced != stale {
		t.Fatalf("Register replaced %v, want stale conn", replaced)
	}
	if got := registry.Get("device-a"); got != fresh {
		t.Fatalf("Get returned stale conn after supersede")
	}

	// The superseded connection's cleanup must not evict its replacement.
	if registry.Remove("device-a", stale) {
		t.Fatal("Remove with stale conn succeeded, want no-op")
	}
	if got := registry.Get("device-a"); got != fresh {
		t.Fatal("stale cleanup evicted the fresh conn")
	}

	if !registry.Remove("device-a", fresh) {
		t.Fatal("Remove with current conn failed")
	}
	if got := registry.Get("device-a"); got != nil {
		t.Fatalf("Get after Remove returned %v, want nil", got)
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	registry := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("device-%d", n)
			conn := newRegisteredTestConn(id)
			registry.Register(conn)
			if got := registry.Get(id); got != conn {
				t.Errorf("Get(%s) lost registration", id)
			}
		}(i)
	}
	wg.Wait()

	if got := registry.Len(); got != 64 {
		t.Fatalf("Len = %d, want 64", got)
	}
}
