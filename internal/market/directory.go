package market

import (
	"fmt"

	"github.com/talgya/temple-fair/internal/world"
)

// Directory is the fixed set of vendors at the fair, in placement order.
type Directory struct {
	list   []*Vendor
	byName map[string]*Vendor
}

// NewDirectory indexes vendors by name. Names and stall tiles must be unique.
func NewDirectory(vendors ...*Vendor) (*Directory, error) {
	d := &Directory{byName: make(map[string]*Vendor, len(vendors))}
	stalls := make(map[world.Tile]string, len(vendors))
	for _, v := range vendors {
		if _, dup := d.byName[v.Name]; dup {
			return nil, fmt.Errorf("duplicate vendor %q", v.Name)
		}
		if other, dup := stalls[v.Stall]; dup {
			return nil, fmt.Errorf("vendors %q and %q share stall %v", other, v.Name, v.Stall)
		}
		d.byName[v.Name] = v
		stalls[v.Stall] = v.Name
		d.list = append(d.list, v)
	}
	return d, nil
}

// Get returns the vendor with the given name.
func (d *Directory) Get(name string) (*Vendor, bool) {
	v, ok := d.byName[name]
	return v, ok
}

// All returns the vendors in placement order. The slice must not be modified.
func (d *Directory) All() []*Vendor { return d.list }

// Len returns the number of vendors.
func (d *Directory) Len() int { return len(d.list) }

// IsStall reports whether t is occupied by a stall.
func (d *Directory) IsStall(t world.Tile) bool {
	for _, v := range d.list {
		if v.Stall == t {
			return true
		}
	}
	return false
}

// Snapshot copies every vendor's observable state.
func (d *Directory) Snapshot() []View {
	out := make([]View, 0, len(d.list))
	for _, v := range d.list {
		out = append(out, v.Snapshot())
	}
	return out
}
