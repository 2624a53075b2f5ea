package panes

import (
	"errors"
	"testing"
)

type recordingUnbinder struct {
	calls []string
}

func (r *recordingUnbinder) Unbind(id string) {
	r.calls = append(r.calls, id)
}

func TestRegistryRetriesDuplicateIDs(t *testing.T) {
	r := NewRegistry(nil, MaxPanes)
	ids := []string{"p1", "p1", "", "p2"}
	r.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}
	first, err := r.Add("default")
	if err != nil || first != "p1" {
		t.Fatalf("first add: %q %v", first, err)
	}
	second, err := r.Add("default")
	if err != nil || second != "p2" {
		t.Fatalf("second add: %q %v", second, err)
	}
}

func TestRegistryRemoveReleasesSubscription(t *testing.T) {
	unbinder := &recordingUnbinder{}
	r := NewRegistry(unbinder, MaxPanes)
	id, _ := r.Add("default")
	if err := r.SetBinding(id, "api", "main"); err != nil {
		t.Fatalf("SetBinding: %v", err)
	}
	if !r.ClaimedContainers().Has("api", "main") {
		t.Fatalf("expected claim for api/main")
	}
	if err := r.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(unbinder.calls) != 1 || unbinder.calls[0] != id {
		t.Fatalf("unexpected unbind calls %v", unbinder.calls)
	}
	if r.ClaimedContainers().Has("api", "main") {
		t.Fatalf("claim survived removal")
	}
	if err := r.Remove(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(unbinder.calls) != 1 {
		t.Fatalf("unknown pane should not be unbound")
	}
}

func TestRegistryListKeepsCreationOrder(t *testing.T) {
	r := NewRegistry(nil, MaxPanes)
	a, _ := r.Add("default")
	b, _ := r.Add("default")
	c, _ := r.Add("default")
	if err := r.Remove(b); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	d, _ := r.Add("default")
	var got []string
	for _, p := range r.List() {
		got = append(got, p.ID)
	}
	want := []string{a, c, d}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("List order = %v, want %v", got, want)
		}
	}
}

func TestClaimedByOthersSkipsSelfAndUnbound(t *testing.T) {
	r := NewRegistry(nil, MaxPanes)
	a, _ := r.Add("default")
	b, _ := r.Add("default")
	c, _ := r.Add("default")
	_ = r.SetBinding(a, "api", "main")
	_ = r.SetBinding(b, "api", "sidecar")
	_ = r.SetBinding(c, "api", "")

	claims := r.ClaimedByOthers(a)
	if claims.Has("api", "main") {
		t.Fatalf("own claim should be excluded")
	}
	if !claims.Has("api", "sidecar") {
		t.Fatalf("expected sidecar claimed by b")
	}
	if claims.Has("api", "") {
		t.Fatalf("waiting pane must not claim anything")
	}
}
