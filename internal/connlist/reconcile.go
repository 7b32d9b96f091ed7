package connlist

import (
	"fmt"
	"sync"

	"github.com/basarevych/tunneld/internal/trackerpb"
)

// Applier receives the effects of reconciliation: connections to stand up
// or tear down. Front and peer wiring are supplied by the caller
// (supervisor), keeping connlist itself free of a dependency on either
// subsystem (spec.md §5 shared-resource policy: connlist owns the map,
// other components only react to it).
type Applier interface {
	ActivateServer(tracker, name string, desc *trackerpb.ConnectionDescriptor)
	ActivateClient(tracker, name string, desc *trackerpb.ConnectionDescriptor)
	Deactivate(tracker, name string)
}

// Reconcile applies a tracker's ConnectionsList advertisement (spec.md
// §4.5): connections absent from the advertisement are torn down and
// deleted, new ones are inserted as active, known ones are refreshed.
// At most one reconciliation per tracker runs at a time.
func (l *List) Reconcile(tracker string, serverConns, clientConns []*trackerpb.ConnectionDescriptor, applier Applier) error {
	muIface, _ := l.reconcileMu.LoadOrStore(tracker, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	want := make(map[key]struct{}, len(serverConns)+len(clientConns))
	for _, d := range serverConns {
		want[key{tracker: tracker, path: d.Path}] = struct{}{}
	}
	for _, d := range clientConns {
		want[key{tracker: tracker, path: d.Path}] = struct{}{}
	}

	for _, k := range l.activeKeysForTracker(tracker) {
		if _, ok := want[k]; !ok {
			l.Delete(tracker, k.path, false)
			applier.Deactivate(tracker, k.path)
		}
	}

	for _, d := range serverConns {
		l.Update(tracker, d.Path, true, d)
		applier.ActivateServer(tracker, d.Path, d)
	}
	for _, d := range clientConns {
		l.Update(tracker, d.Path, false, d)
		applier.ActivateClient(tracker, d.Path, d)
	}

	if err := l.Save(); err != nil {
		return fmt.Errorf("connlist: reconcile %s: %w", tracker, err)
	}
	return nil
}

func (l *List) activeKeysForTracker(tracker string) []key {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []key
	for k := range l.active {
		if k.tracker == tracker {
			out = append(out, k)
		}
	}
	return out
}
