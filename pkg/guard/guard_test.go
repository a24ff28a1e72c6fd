package guard

import (
	"context"
	"errors"
	"testing"
)

type fakeDaemon struct {
	removedContainers []string
	removedNetworks   []string
	failContainer     string
}

func (f *fakeDaemon) RemoveContainerIfExists(_ context.Context, name string) error {
	if name == f.failContainer {
		return errors.New("boom")
	}
	f.removedContainers = append(f.removedContainers, name)
	return nil
}

func (f *fakeDaemon) RemoveNetwork(_ context.Context, name string) error {
	f.removedNetworks = append(f.removedNetworks, name)
	return nil
}

func TestDaemonGuard_AbandonReversesOrderAndSwallowsErrors(t *testing.T) {
	fake := &fakeDaemon{failContainer: "c1"}
	g := NewDaemonGuard(fake, nil)
	g.Container("c1")
	g.Container("c2")
	g.Network("n1")

	g.Abandon(context.Background())

	if len(fake.removedContainers) != 1 || fake.removedContainers[0] != "c2" {
		t.Fatalf("removedContainers = %v, want [c2] (c1's failure should be swallowed)", fake.removedContainers)
	}
	if len(fake.removedNetworks) != 1 || fake.removedNetworks[0] != "n1" {
		t.Fatalf("removedNetworks = %v, want [n1]", fake.removedNetworks)
	}
}

func TestDaemonGuard_CommitSkipsAbandon(t *testing.T) {
	fake := &fakeDaemon{}
	g := NewDaemonGuard(fake, nil)
	g.Container("c1")
	g.Network("n1")
	g.Commit()

	g.Abandon(context.Background())

	if len(fake.removedContainers) != 0 || len(fake.removedNetworks) != 0 {
		t.Fatal("expected no cleanup after Commit")
	}
}

type fakeProxy struct {
	deleted []string
}

func (f *fakeProxy) DeleteRoute(_ context.Context, host string) error {
	f.deleted = append(f.deleted, host)
	return nil
}

func TestProxyGuard_AbandonReversesOrder(t *testing.T) {
	fake := &fakeProxy{}
	g := NewProxyGuard(fake, nil)
	g.Route("a.example.com")
	g.Route("b.example.com")

	g.Abandon(context.Background())

	want := []string{"b.example.com", "a.example.com"}
	if len(fake.deleted) != len(want) {
		t.Fatalf("deleted = %v, want %v", fake.deleted, want)
	}
	for i := range want {
		if fake.deleted[i] != want[i] {
			t.Fatalf("deleted = %v, want %v", fake.deleted, want)
		}
	}
}

func TestProxyGuard_CommitSkipsAbandon(t *testing.T) {
	fake := &fakeProxy{}
	g := NewProxyGuard(fake, nil)
	g.Route("a.example.com")
	g.Commit()

	g.Abandon(context.Background())

	if len(fake.deleted) != 0 {
		t.Fatal("expected no cleanup after Commit")
	}
}
