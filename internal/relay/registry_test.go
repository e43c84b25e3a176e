package relay

import "testing"

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	tun := &Tunnel{}
	addr := Address("0xabc")

	if !r.Register(addr, tun) {
		t.Fatal("expected first registration to succeed")
	}
	got, ok := r.Lookup(addr)
	if !ok || got != tun {
		t.Fatalf("Lookup() = %v, %v; want %v, true", got, ok, tun)
	}
}

func TestRegistry_RefusesConflictingOwner(t *testing.T) {
	r := NewRegistry()
	first := &Tunnel{}
	second := &Tunnel{}
	addr := Address("0xabc")

	r.Register(addr, first)
	if r.Register(addr, second) {
		t.Fatal("expected a second tunnel claiming an owned address to be refused")
	}
	got, _ := r.Lookup(addr)
	if got != first {
		t.Error("expected the incumbent owner to remain bound after a refused claim")
	}
}

func TestRegistry_ReRegisterBySameOwnerSucceeds(t *testing.T) {
	r := NewRegistry()
	tun := &Tunnel{}
	addr := Address("0xabc")

	r.Register(addr, tun)
	if !r.Register(addr, tun) {
		t.Error("expected the same tunnel to re-claim its own address")
	}
}

func TestRegistry_UnregisterOnlyIfStillMine(t *testing.T) {
	// This is the S5 scenario: an older tunnel's delayed teardown must not
	// evict a newer tunnel that has since taken over the same address.
	r := NewRegistry()
	oldTunnel := &Tunnel{}
	newTunnel := &Tunnel{}
	addr := Address("0xabc")

	r.Register(addr, oldTunnel)
	r.Unregister(addr, oldTunnel)
	if !r.Register(addr, newTunnel) {
		t.Fatal("expected newTunnel to claim the now-unowned address")
	}

	// oldTunnel's teardown runs late and tries to unregister the address it
	// used to own; it must be a no-op since newTunnel owns it now.
	r.Unregister(addr, oldTunnel)

	got, ok := r.Lookup(addr)
	if !ok || got != newTunnel {
		t.Fatalf("Lookup() = %v, %v; want newTunnel, true — stale teardown evicted the current owner", got, ok)
	}
}

func TestRegistry_UnregisterUnknownAddressIsNoop(t *testing.T) {
	r := NewRegistry()
	tun := &Tunnel{}
	r.Unregister(Address("0xabc"), tun) // must not panic
}

func TestRegistry_ActiveTunnelsDeduplicatesAddresses(t *testing.T) {
	r := NewRegistry()
	tun := &Tunnel{}
	r.Register(Address("0xaaa"), tun)
	r.Register(Address("0xbbb"), tun)

	if got := r.ActiveAddresses(); got != 2 {
		t.Errorf("ActiveAddresses() = %d, want 2", got)
	}
	if got := r.ActiveTunnels(); got != 1 {
		t.Errorf("ActiveTunnels() = %d, want 1 (same tunnel owns both addresses)", got)
	}
}

func TestRegistry_TotalConnectionsCountsSuccessfulRegistrations(t *testing.T) {
	r := NewRegistry()
	first := &Tunnel{}
	second := &Tunnel{}
	addr := Address("0xabc")

	r.Register(addr, first)
	r.Register(addr, second) // refused, must not count

	if got := r.TotalConnections(); got != 1 {
		t.Errorf("TotalConnections() = %d, want 1", got)
	}
}

func TestRegistry_AllTunnelsDeduplicates(t *testing.T) {
	r := NewRegistry()
	tun := &Tunnel{}
	r.Register(Address("0xaaa"), tun)
	r.Register(Address("0xbbb"), tun)

	all := r.AllTunnels()
	if len(all) != 1 {
		t.Fatalf("AllTunnels() returned %d entries, want 1", len(all))
	}
}
