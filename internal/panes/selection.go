package panes

// Reassignment describes a container change the coordinator wants applied to a pane.
type Reassignment struct {
	PaneID string
	Pod    string
	From   string
	To     string
}

// Unavailable reports whether the pane is left without a container.
func (r Reassignment) Unavailable() bool {
	return r.To == ""
}

// AvailableContainers returns pod's containers in catalog order minus the ones
// claimed by other panes. Pass the claims of every pane except the asking one
// so its own claim stays selectable.
func AvailableContainers(catalog Catalog, others Claims, pod string) []string {
	containers := catalog.Containers(pod)
	out := make([]string, 0, len(containers))
	for _, name := range containers {
		if others.Has(pod, name) {
			continue
		}
		out = append(out, name)
	}
	return out
}

// FirstAvailable picks the container a pane gets when its pod changes.
func FirstAvailable(catalog Catalog, others Claims, pod string) string {
	available := AvailableContainers(catalog, others, pod)
	if len(available) == 0 {
		return ""
	}
	return available[0]
}

// PlanRebalance visits panes in the given order and returns the reassignments
// needed so that every bound container exists in the catalog and is claimed by
// exactly one pane. When two panes claim the same container the earlier one
// keeps it. Panes waiting without a container pick up one that became free.
//
// Claims are recomputed from the working state for every pane, so a single
// pass reaches the final assignment.
func PlanRebalance(catalog Catalog, panes []Pane) []Reassignment {
	state := make([]Pane, len(panes))
	copy(state, panes)

	var out []Reassignment
	for i := range state {
		p := state[i]
		if p.Pod == "" {
			continue
		}
		if p.Container != "" && catalog.Has(p.Pod, p.Container) && !claimsOf(state[:i], -1).Has(p.Pod, p.Container) {
			continue
		}
		next := FirstAvailable(catalog, claimsOf(state, i), p.Pod)
		if next == p.Container {
			continue
		}
		state[i].Container = next
		out = append(out, Reassignment{
			PaneID: p.ID,
			Pod:    p.Pod,
			From:   p.Container,
			To:     next,
		})
	}
	return out
}

func claimsOf(panes []Pane, skip int) Claims {
	out := make(Claims, len(panes))
	for i, p := range panes {
		if i == skip || !p.Bound() {
			continue
		}
		out.add(p.Pod, p.Container)
	}
	return out
}
