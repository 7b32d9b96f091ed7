// Package connlist implements the connections-list state machine (spec.md
// §4.6): the persistent, per-tracker record of active and imported
// connections, and reconciliation against what a tracker advertises.
package connlist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/basarevych/tunneld/internal/trackerpb"
)

// Entry is the persisted form of one connection descriptor, plus the
// bookkeeping fields connlist itself tracks.
type Entry struct {
	Descriptor *trackerpb.ConnectionDescriptor
	PeerName   string // set by updateServerName once a peer's verified identity resolves to a name
	Imported   bool   // true until promoted to active by the user
}

type key struct {
	tracker string
	path    string
}

// List is the persistent, in-memory connections list. All mutation goes
// through its methods; other components only ever read snapshots returned
// by Get/GetImport (spec.md §5 shared-resource policy).
type List struct {
	mu      sync.Mutex
	path    string
	active  map[key]*Entry
	imports map[key]*Entry

	reconcileMu sync.Map // per-tracker mutex, guarantees at most one reconciliation in flight (spec.md §5)
}

type persisted struct {
	Active  []*Entry `json:"active"`
	Imports []*Entry `json:"imported"`
}

// Load reads the persistent list from path, or returns an empty List if the
// file does not yet exist.
func Load(path string) (*List, error) {
	l := &List{
		path:    path,
		active:  make(map[key]*Entry),
		imports: make(map[key]*Entry),
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("connlist: read %s: %w", path, err)
	}
	if len(raw) == 0 {
		return l, nil
	}
	var p persisted
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("connlist: unmarshal %s: %w", path, err)
	}
	for _, e := range p.Active {
		l.active[entryKey(e)] = e
	}
	for _, e := range p.Imports {
		l.imports[entryKey(e)] = e
	}
	return l, nil
}

func entryKey(e *Entry) key {
	return key{tracker: e.Descriptor.Tracker, path: e.Descriptor.Path}
}

// Get returns a snapshot of every active connection for tracker.
func (l *List) Get(tracker string) []*Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Entry
	for k, e := range l.active {
		if k.tracker == tracker {
			out = append(out, cloneEntry(e))
		}
	}
	return out
}

// GetImport returns the imported connection for (tracker, path), or nil.
func (l *List) GetImport(tracker, path string) *Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.imports[key{tracker: tracker, path: path}]
	if !ok {
		return nil
	}
	return cloneEntry(e)
}

// Update inserts or replaces the active connection (tracker, name) with the
// given role/descriptor (spec.md §4.6).
func (l *List) Update(tracker, name string, isServer bool, desc *trackerpb.ConnectionDescriptor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	role := trackerpb.RoleClient
	if isServer {
		role = trackerpb.RoleServer
	}
	d := *desc
	d.Tracker = tracker
	d.Path = name
	d.Role = role
	l.active[key{tracker: tracker, path: name}] = &Entry{Descriptor: &d}
}

// Import records a batch of connections advertised by an import token as
// not-yet-active (spec.md §4.6, "imported").
func (l *List) Import(tracker, token string, list []*trackerpb.ConnectionDescriptor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, d := range list {
		dd := *d
		dd.Tracker = tracker
		l.imports[key{tracker: tracker, path: dd.Path}] = &Entry{Descriptor: &dd, Imported: true}
	}
}

// Delete removes the active connection (tracker, name). isServer is
// currently informational only; role is already fixed on the descriptor.
func (l *List) Delete(tracker, name string, isServer bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.active, key{tracker: tracker, path: name})
}

// UpdateServerName records the verified peer name observed for an active
// connection, once identity verification resolves it.
func (l *List) UpdateServerName(tracker, name, peerName string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.active[key{tracker: tracker, path: name}]; ok {
		e.PeerName = peerName
	}
}

func cloneEntry(e *Entry) *Entry {
	d := *e.Descriptor
	d.Peers = append([]string(nil), e.Descriptor.Peers...)
	c := &Entry{Descriptor: &d, PeerName: e.PeerName, Imported: e.Imported}
	return c
}

// Save writes the entire structure atomically (temp + rename) and reports
// success/failure; failure is surfaced to the caller and never crashes the
// daemon (spec.md §4.6).
func (l *List) Save() error {
	l.mu.Lock()
	p := persisted{}
	for _, e := range l.active {
		p.Active = append(p.Active, cloneEntry(e))
	}
	for _, e := range l.imports {
		p.Imports = append(p.Imports, cloneEntry(e))
	}
	l.mu.Unlock()

	buf, err := json.MarshalIndent(&p, "", "    ")
	if err != nil {
		return fmt.Errorf("connlist: marshal: %w", err)
	}
	buf = append(buf, '\n')
	if err := writeFileAtomic(l.path, buf, 0640); err != nil {
		return fmt.Errorf("connlist: save %s: %w", l.path, err)
	}
	return nil
}

// writeFileAtomic writes data to filename via a sibling temp file, fsync,
// and rename, so readers never observe a partial write.
func writeFileAtomic(filename string, data []byte, perm os.FileMode) (err error) {
	fi, err := os.Stat(filename)
	if err == nil && !fi.Mode().IsRegular() {
		return fmt.Errorf("%s already exists and is not a regular file", filename)
	}
	f, err := os.CreateTemp(filepath.Dir(filename), filepath.Base(filename)+".tmp")
	if err != nil {
		return err
	}
	tmpName := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmpName)
		}
	}()
	if _, err := f.Write(data); err != nil {
		return err
	}
	if runtime.GOOS != "windows" {
		if err := f.Chmod(perm); err != nil {
			return err
		}
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, filename)
}
