package cache

import (
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// CacheEntry is the client payload contract. Hash must be stable for
// the lifetime of the value; Serialize and Deserialize move the
// payload in and out of a PropertyMap, which is what the cache
// persists.
type CacheEntry interface {
	Hash() uint64
	Serialize(pm *PropertyMap) error
	Deserialize(pm *PropertyMap) error
}

// PluginIdentifiable optionally tags an entry with the plugin that
// produced it. Tagged entries can be dropped as a group with
// RemovePluginEntries and show up keyed in MemoryStats.
type PluginIdentifiable interface {
	PluginID() string
}

// MultiFetchable lets an entry opt in to being acquired again by the
// goroutine that is still computing it. Without the opt-in, such a
// re-acquire would wait on its own pending placeholder; the cache
// instead hands the computation back (Acquire returns MustCompute).
type MultiFetchable interface {
	AllowMultipleFetch() bool
}

// WriteDeserializer is the exclusive half of the deserialization
// contract. An entry whose Deserialize returns ErrNeedsWriteLock is
// retried exactly once through DeserializeExclusive, with the bucket's
// write lock held for the duration of the call.
type WriteDeserializer interface {
	DeserializeExclusive(pm *PropertyMap) error
}

// property holds one named value of exactly one kind. The keyasint
// tags keep the encoded form compact and stable across field renames.
type property struct {
	Ints    []int64   `cbor:"1,keyasint,omitempty"`
	Floats  []float64 `cbor:"2,keyasint,omitempty"`
	Strings []string  `cbor:"3,keyasint,omitempty"`
	Bytes   []byte    `cbor:"4,keyasint,omitempty"`
	Uints   []uint64  `cbor:"5,keyasint,omitempty"`
}

// propertyEnvelope is the persisted form. The hash doubles as a canary:
// a payload read back under the wrong key fails loudly instead of
// deserializing into garbage.
type propertyEnvelope struct {
	Hash  uint64              `cbor:"1,keyasint"`
	Props map[string]property `cbor:"2,keyasint"`
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	cborDec, err = cbor.DecOptions{
		MaxArrayElements: 1 << 24,
		MaxMapPairs:      1 << 20,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// PropertyMap is a typed string-keyed property bag. It is the unit of
// entry payload storage: small metadata lives here directly, bulk
// pixel data lives in tiles, which the entry record references by id
// outside the map.
type PropertyMap struct {
	props map[string]property
}

// NewPropertyMap returns an empty map.
func NewPropertyMap() *PropertyMap {
	return &PropertyMap{props: make(map[string]property)}
}

func (pm *PropertyMap) Len() int { return len(pm.props) }

// Keys returns the property names in sorted order.
func (pm *PropertyMap) Keys() []string {
	keys := make([]string, 0, len(pm.props))
	for k := range pm.props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (pm *PropertyMap) SetInts(name string, v []int64)     { pm.props[name] = property{Ints: v} }
func (pm *PropertyMap) SetFloats(name string, v []float64) { pm.props[name] = property{Floats: v} }
func (pm *PropertyMap) SetStrings(name string, v []string) { pm.props[name] = property{Strings: v} }
func (pm *PropertyMap) SetBytes(name string, v []byte)     { pm.props[name] = property{Bytes: v} }
func (pm *PropertyMap) SetUints(name string, v []uint64)   { pm.props[name] = property{Uints: v} }

func (pm *PropertyMap) SetInt(name string, v int64)     { pm.SetInts(name, []int64{v}) }
func (pm *PropertyMap) SetFloat(name string, v float64) { pm.SetFloats(name, []float64{v}) }
func (pm *PropertyMap) SetString(name string, v string) { pm.SetStrings(name, []string{v}) }
func (pm *PropertyMap) SetUint(name string, v uint64)   { pm.SetUints(name, []uint64{v}) }

func (pm *PropertyMap) GetInts(name string) ([]int64, error) {
	p, ok := pm.props[name]
	if !ok || p.Ints == nil {
		return nil, fmt.Errorf("%w: property %q is not an int list", ErrSerializationFailed, name)
	}
	return p.Ints, nil
}

func (pm *PropertyMap) GetFloats(name string) ([]float64, error) {
	p, ok := pm.props[name]
	if !ok || p.Floats == nil {
		return nil, fmt.Errorf("%w: property %q is not a float list", ErrSerializationFailed, name)
	}
	return p.Floats, nil
}

func (pm *PropertyMap) GetStrings(name string) ([]string, error) {
	p, ok := pm.props[name]
	if !ok || p.Strings == nil {
		return nil, fmt.Errorf("%w: property %q is not a string list", ErrSerializationFailed, name)
	}
	return p.Strings, nil
}

func (pm *PropertyMap) GetBytes(name string) ([]byte, error) {
	p, ok := pm.props[name]
	if !ok || p.Bytes == nil {
		return nil, fmt.Errorf("%w: property %q is not a byte blob", ErrSerializationFailed, name)
	}
	return p.Bytes, nil
}

func (pm *PropertyMap) GetUints(name string) ([]uint64, error) {
	p, ok := pm.props[name]
	if !ok || p.Uints == nil {
		return nil, fmt.Errorf("%w: property %q is not a uint list", ErrSerializationFailed, name)
	}
	return p.Uints, nil
}

func (pm *PropertyMap) GetInt(name string) (int64, error) {
	v, err := pm.GetInts(name)
	if err != nil {
		return 0, err
	}
	if len(v) != 1 {
		return 0, fmt.Errorf("%w: property %q holds %d ints, want 1", ErrSerializationFailed, name, len(v))
	}
	return v[0], nil
}

func (pm *PropertyMap) GetFloat(name string) (float64, error) {
	v, err := pm.GetFloats(name)
	if err != nil {
		return 0, err
	}
	if len(v) != 1 {
		return 0, fmt.Errorf("%w: property %q holds %d floats, want 1", ErrSerializationFailed, name, len(v))
	}
	return v[0], nil
}

func (pm *PropertyMap) GetString(name string) (string, error) {
	v, err := pm.GetStrings(name)
	if err != nil {
		return "", err
	}
	if len(v) != 1 {
		return "", fmt.Errorf("%w: property %q holds %d strings, want 1", ErrSerializationFailed, name, len(v))
	}
	return v[0], nil
}

func (pm *PropertyMap) GetUint(name string) (uint64, error) {
	v, err := pm.GetUints(name)
	if err != nil {
		return 0, err
	}
	if len(v) != 1 {
		return 0, fmt.Errorf("%w: property %q holds %d uints, want 1", ErrSerializationFailed, name, len(v))
	}
	return v[0], nil
}

// encodeProperties serializes the map with the entry hash as canary.
func encodeProperties(hash uint64, pm *PropertyMap) ([]byte, error) {
	b, err := cborEnc.Marshal(propertyEnvelope{Hash: hash, Props: pm.props})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}
	return b, nil
}

// decodeProperties parses b and checks the canary against hash.
func decodeProperties(hash uint64, b []byte) (*PropertyMap, error) {
	var env propertyEnvelope
	if err := cborDec.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}
	if env.Hash != hash {
		return nil, fmt.Errorf("%w: payload canary %x, want %x", ErrSerializationFailed, env.Hash, hash)
	}
	if env.Props == nil {
		env.Props = make(map[string]property)
	}
	return &PropertyMap{props: env.Props}, nil
}
