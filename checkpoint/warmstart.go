package checkpoint

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// AssignmentMap maps snapshot tensor names to live variable names for a
// partial restore.
type AssignmentMap map[string]string

// BuildAssignmentMap matches snapshot tensors to store variables by name and
// returns the identity mapping over the intersection. Variables absent from
// the snapshot are simply not mapped; extra snapshot tensors are ignored.
func BuildAssignmentMap(snap *Snapshot, store *Store) AssignmentMap {
	m := make(AssignmentMap)
	for _, name := range store.Names() {
		if _, ok := snap.Entry(name); ok {
			m[name] = name
		}
	}
	return m
}

// WarmStartOptions tunes a warm start.
type WarmStartOptions struct {
	// OnMissing, if set, is invoked for every live variable the snapshot
	// does not contain.
	OnMissing func(name string)
}

// WarmStartResult reports which variables a warm start touched.
type WarmStartResult struct {
	Restored []string
	Missing  []string
}

// WarmStart restores every store variable present in the snapshot at path,
// leaving the rest at their initialized values. A variable missing from the
// snapshot is logged and reported, never an error; a shape disagreement
// between snapshot and variable is fatal.
func WarmStart(store *Store, path string, opts WarmStartOptions) (*WarmStartResult, error) {
	snap, err := Open(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "warm start from %q", path)
	}
	defer snap.Close()

	assignment := BuildAssignmentMap(snap, store)
	result := &WarmStartResult{}
	for _, name := range store.Names() {
		v, _ := store.Get(name)
		snapName, ok := assignment[name]
		if !ok {
			result.Missing = append(result.Missing, name)
			klog.Warningf("Variable %q not found in checkpoint %s, keeping initialized value", name, path)
			if opts.OnMissing != nil {
				opts.OnMissing(name)
			}
			continue
		}

		entry, _ := snap.Entry(snapName)
		m, err := entry.Matrix()
		if err != nil {
			return nil, errors.WithMessagef(err, "warm start of %q", name)
		}
		gotR, gotC := m.Dims()
		wantR, wantC := v.Value.Dims()
		if gotR != wantR || gotC != wantC {
			return nil, errors.Errorf(
				"shape mismatch restoring %q from %s: checkpoint [%d, %d], variable [%d, %d]",
				name, path, gotR, gotC, wantR, wantC)
		}
		v.Value.Copy(m)
		result.Restored = append(result.Restored, name)
	}
	klog.V(1).Infof("Warm start from %s: %d restored, %d missing", path, len(result.Restored), len(result.Missing))
	return result, nil
}
