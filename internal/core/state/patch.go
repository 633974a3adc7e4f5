package state

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned when server data does not have the shape its path
// implies.
var ErrMalformed = errors.New("state: malformed document")

const (
	sectionDevices    = "devices"
	sectionStructures = "structures"
)

// EntitiesFromDocument flattens a full server document
// ({devices:{<type>:{<id>:{..}}}, structures:{<id>:{..}}, metadata:{..}})
// into entities. Unknown top-level sections are skipped.
func EntitiesFromDocument(doc any) ([]Entity, error) {
	root, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: snapshot is %T, not an object", ErrMalformed, doc)
	}
	patches, err := PatchesAt("/", root)
	if err != nil {
		return nil, err
	}
	entities := make([]Entity, 0, len(patches))
	for _, p := range patches {
		if p.Remove {
			continue
		}
		entities = append(entities, Entity{ID: p.EntityID, Kind: p.Kind, Attributes: p.Attributes})
	}
	return entities, nil
}

// PatchesAt translates data written at a document path into entity patches.
// A collection path yields one patch per child, an entity path one patch,
// and a deeper path a single patch nesting data under the remaining keys.
func PatchesAt(path string, data any) ([]Patch, error) {
	segs := splitPath(path)
	if len(segs) == 0 {
		root, ok := data.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: root data is %T", ErrMalformed, data)
		}
		var out []Patch
		for _, section := range []string{sectionDevices, sectionStructures, MetadataID} {
			v, ok := root[section]
			if !ok {
				continue
			}
			ps, err := PatchesAt("/"+section, v)
			if err != nil {
				return nil, err
			}
			out = append(out, ps...)
		}
		return out, nil
	}

	switch segs[0] {
	case MetadataID:
		return entityPatches(MetadataID, KindMetadata, segs[1:], data)

	case sectionStructures:
		if len(segs) == 1 {
			return collectionPatches(KindStructure, data)
		}
		return entityPatches(segs[1], KindStructure, segs[2:], data)

	case sectionDevices:
		switch len(segs) {
		case 1:
			types, ok := data.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: devices is %T", ErrMalformed, data)
			}
			var out []Patch
			for typ, v := range types {
				ps, err := collectionPatches(Kind(sectionDevices+"/"+typ), v)
				if err != nil {
					return nil, err
				}
				out = append(out, ps...)
			}
			return out, nil
		case 2:
			return collectionPatches(Kind(sectionDevices+"/"+segs[1]), data)
		default:
			return entityPatches(segs[2], Kind(sectionDevices+"/"+segs[1]), segs[3:], data)
		}
	}
	return nil, nil
}

func collectionPatches(kind Kind, data any) ([]Patch, error) {
	if data == nil {
		return nil, nil
	}
	children, ok := data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T", ErrMalformed, kind, data)
	}
	out := make([]Patch, 0, len(children))
	for id, v := range children {
		ps, err := entityPatches(id, kind, nil, v)
		if err != nil {
			return nil, err
		}
		out = append(out, ps...)
	}
	return out, nil
}

func entityPatches(id string, kind Kind, keys []string, data any) ([]Patch, error) {
	if len(keys) == 0 {
		if data == nil {
			return []Patch{{EntityID: id, Kind: kind, Remove: true}}, nil
		}
		attrs, ok := data.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: entity %s is %T", ErrMalformed, id, data)
		}
		return []Patch{{EntityID: id, Kind: kind, Attributes: attrs}}, nil
	}

	var v any = data
	for i := len(keys) - 1; i > 0; i-- {
		v = map[string]any{keys[i]: v}
	}
	return []Patch{{EntityID: id, Kind: kind, Attributes: map[string]any{keys[0]: v}}}, nil
}

func splitPath(path string) []string {
	var segs []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}
