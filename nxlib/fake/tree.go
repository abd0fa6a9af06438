package fake

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"

	"github.com/drobotics/ensenso/nxlib"
)

// GetValue implements nxlib.Tree.
func (d *Device) GetValue(ctx context.Context, path string) (interface{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.walk(path)
	if !ok {
		return nil, errors.Wrap(nxlib.ErrPropertyMissing, path)
	}
	return copyValue(v), nil
}

// SetValue implements nxlib.Tree, creating intermediate nodes as needed.
func (d *Device) SetValue(ctx context.Context, path string, value interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	parent, key, err := d.parentOf(path, true)
	if err != nil {
		return err
	}
	parent[key] = copyValue(value)
	return nil
}

// Erase implements nxlib.Tree. Erasing a nonexistent path is not an error.
func (d *Device) Erase(ctx context.Context, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	parent, key, err := d.parentOf(path, false)
	if err != nil {
		return nil
	}
	delete(parent, key)
	return nil
}

// Exists implements nxlib.Tree.
func (d *Device) Exists(ctx context.Context, path string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.walk(path)
	return ok, nil
}

// List implements nxlib.Tree, returning child names in sorted order.
func (d *Device) List(ctx context.Context, path string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.walk(path)
	if !ok {
		return nil, errors.Wrap(nxlib.ErrPropertyMissing, path)
	}
	node, ok := v.(map[string]interface{})
	if !ok {
		return nil, errors.Errorf("%s is a value, not a tree node", path)
	}
	names := make([]string, 0, len(node))
	for name := range node {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// LoadJSON implements nxlib.Files, merging the file's JSON document into
// the subtree at path.
func (d *Device) LoadJSON(ctx context.Context, path, file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return errors.Wrapf(err, "reading %s", file)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return errors.Wrapf(err, "parsing %s", file)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	parent, key, err := d.parentOf(path, true)
	if err != nil {
		return err
	}
	node, ok := parent[key].(map[string]interface{})
	if !ok {
		node = map[string]interface{}{}
		parent[key] = node
	}
	mergeTree(node, doc)
	return nil
}

// JSON implements nxlib.Files.
func (d *Device) JSON(ctx context.Context, path string) (string, error) {
	d.mu.Lock()
	v, ok := d.walk(path)
	d.mu.Unlock()
	if !ok {
		return "", errors.Wrap(nxlib.ErrPropertyMissing, path)
	}
	out, err := json.MarshalIndent(v, "", "\t")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// walk resolves a slash-separated path in the tree. Callers hold d.mu.
func (d *Device) walk(path string) (interface{}, bool) {
	var current interface{} = d.tree
	for _, part := range strings.Split(path, "/") {
		node, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// parentOf resolves the parent node and final key of a path, optionally
// creating intermediate nodes. Callers hold d.mu.
func (d *Device) parentOf(path string, create bool) (map[string]interface{}, string, error) {
	parts := strings.Split(path, "/")
	node := d.tree
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]interface{})
		if !ok {
			if !create {
				return nil, "", errors.Wrap(nxlib.ErrPropertyMissing, path)
			}
			child = map[string]interface{}{}
			node[part] = child
		}
		node = child
	}
	return node, parts[len(parts)-1], nil
}

func mergeTree(dst, src map[string]interface{}) {
	for key, value := range src {
		if srcNode, ok := value.(map[string]interface{}); ok {
			if dstNode, ok := dst[key].(map[string]interface{}); ok {
				mergeTree(dstNode, srcNode)
				continue
			}
		}
		dst[key] = copyValue(value)
	}
}

func copyTree(node map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(node))
	for key, value := range node {
		out[key] = copyValue(value)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch value := v.(type) {
	case map[string]interface{}:
		return copyTree(value)
	case []interface{}:
		out := make([]interface{}, len(value))
		for i, item := range value {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}

// poseTreeMillimeters encodes a pose given in meters as a device
// transformation node, millimeter translation.
func poseTreeMillimeters(p spatialmath.Pose) map[string]interface{} {
	aa := p.Orientation().AxisAngles()
	pt := p.Point().Mul(1000)
	return map[string]interface{}{
		nxlib.ItemRotation: map[string]interface{}{
			nxlib.ItemAngle: aa.Theta,
			nxlib.ItemAxis:  []interface{}{aa.RX, aa.RY, aa.RZ},
		},
		nxlib.ItemTranslation: []interface{}{pt.X, pt.Y, pt.Z},
	}
}

// poseFromTreeMillimeters decodes a device transformation node into a pose
// in meters.
func poseFromTreeMillimeters(raw interface{}) (spatialmath.Pose, error) {
	node, ok := raw.(map[string]interface{})
	if !ok {
		return nil, errors.Errorf("transformation node holds %T, not a tree", raw)
	}
	angle, err := nxlib.LookupFloat(node, nxlib.Join(nxlib.ItemRotation, nxlib.ItemAngle))
	if err != nil {
		return nil, err
	}
	var axis, translation [3]float64
	for i, idx := range []string{"0", "1", "2"} {
		if axis[i], err = nxlib.LookupFloat(node, nxlib.Join(nxlib.ItemRotation, nxlib.ItemAxis, idx)); err != nil {
			return nil, err
		}
		if translation[i], err = nxlib.LookupFloat(node, nxlib.Join(nxlib.ItemTranslation, idx)); err != nil {
			return nil, err
		}
	}
	orientation := &spatialmath.R4AA{Theta: angle, RX: axis[0], RY: axis[1], RZ: axis[2]}
	if axis == [3]float64{} {
		orientation = &spatialmath.R4AA{RZ: 1}
	} else {
		orientation.Normalize()
	}
	return spatialmath.NewPose(
		r3.Vector{X: translation[0], Y: translation[1], Z: translation[2]}.Mul(0.001),
		orientation,
	), nil
}
