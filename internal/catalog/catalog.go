// Package catalog loads static vendor stock (product, price, persona) and tourist
// profiles from YAML, keyed by vendor name.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrCatalogMissing is returned by Lookup when a vendor has no entry.
var ErrCatalogMissing = errors.New("no catalog entry for vendor")

// Neutral stock used when a vendor is missing from the catalog.
const (
	DefaultProduct = "年货"
	DefaultPrice   = 10
)

// DefaultTouristName is used when a profile has no name.
const DefaultTouristName = "小游客"

//go:embed default.yaml
var defaultYAML []byte

// Item is one vendor's stock.
type Item struct {
	Product string `yaml:"product" json:"product"`
	Price   uint64 `yaml:"price" json:"price"`
	Persona string `yaml:"persona" json:"persona,omitempty"`
}

// Profile describes a kind of tourist.
type Profile struct {
	Name    string `yaml:"name" json:"name"`
	Persona string `yaml:"persona" json:"persona,omitempty"`
}

// Catalog is the decoded catalog file.
type Catalog struct {
	Vendors  map[string]Item `yaml:"vendors"`
	Profiles []Profile       `yaml:"profiles"`
}

// Load reads a catalog file.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes catalog YAML.
func Parse(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("catalog yaml: %w", err)
	}
	if c.Vendors == nil {
		c.Vendors = make(map[string]Item)
	}
	return &c, nil
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse(defaultYAML)
	if err != nil {
		panic(err) // embedded file is fixed at build time
	}
	return c
}

// Lookup returns the stock for a vendor. A missing vendor yields the neutral
// default item together with ErrCatalogMissing so callers can log and carry on.
// Entries with an empty product or zero price are completed from the defaults.
func (c *Catalog) Lookup(vendor string) (Item, error) {
	item, ok := c.Vendors[vendor]
	if !ok {
		return Item{Product: DefaultProduct, Price: DefaultPrice}, fmt.Errorf("%q: %w", vendor, ErrCatalogMissing)
	}
	if item.Product == "" {
		item.Product = DefaultProduct
	}
	if item.Price == 0 {
		item.Price = DefaultPrice
	}
	return item, nil
}

// Profile returns the i-th tourist profile, cycling through the list.
func (c *Catalog) Profile(i int) Profile {
	if len(c.Profiles) == 0 {
		return Profile{Name: DefaultTouristName}
	}
	p := c.Profiles[i%len(c.Profiles)]
	if p.Name == "" {
		p.Name = DefaultTouristName
	}
	return p
}
