// Package catalog supplies table descriptors from a static YAML file.
//
//	databases:
//	  - name: crm
//	    tables:
//	      - name: users
//	        kind: structured
//	        columns:
//	          - {name: id, kind: int}
//	          - {name: name, kind: string}
//
// Tables listed under the top-level tables key belong to no database.
package catalog

import (
	"sort"

	"github.com/ajitpratap0/quasar/pkg/config"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/schema"
	"github.com/ajitpratap0/quasar/pkg/storage"
)

// File is the YAML layout of a catalog
type File struct {
	Databases []Database `yaml:"databases"`
	Tables    []Table    `yaml:"tables"`
}

// Database groups tables
type Database struct {
	Name   string  `yaml:"name"`
	Tables []Table `yaml:"tables"`
}

// Table describes one table
type Table struct {
	Name    string   `yaml:"name"`
	Kind    string   `yaml:"kind"`
	Columns []Column `yaml:"columns"`
}

// Column describes one column
type Column struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
}

type key struct{ database, table string }

// Catalog is a read-only set of table descriptors
type Catalog struct {
	tables map[key]storage.TableDescriptor
}

// Load reads a catalog file. ${VAR} references are substituted from the
// environment.
func Load(path string) (*Catalog, error) {
	var f File
	if err := config.Load(path, &f); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConfig, "failed to load catalog %s", path)
	}
	return New(f)
}

// Parse builds a catalog from YAML
func Parse(data []byte) (*Catalog, error) {
	var f File
	if err := config.Parse(data, &f); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse catalog")
	}
	return New(f)
}

// New validates f and indexes its tables
func New(f File) (*Catalog, error) {
	c := &Catalog{tables: make(map[key]storage.TableDescriptor)}
	for _, t := range f.Tables {
		if err := c.add("", t); err != nil {
			return nil, err
		}
	}
	for _, db := range f.Databases {
		if db.Name == "" {
			return nil, errors.New(errors.ErrorTypeConfig, "catalog database without a name")
		}
		for _, t := range db.Tables {
			if err := c.add(db.Name, t); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

func (c *Catalog) add(database string, t Table) error {
	kind, err := storage.ParseKind(t.Kind)
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeConfig, "table %q", t.Name)
	}
	cols := make([]schema.Column, len(t.Columns))
	for i, col := range t.Columns {
		k, err := schema.ParseKind(col.Kind)
		if err != nil {
			return errors.Wrapf(err, errors.ErrorTypeConfig, "table %q column %q", t.Name, col.Name)
		}
		cols[i] = schema.Column{Name: col.Name, Kind: k}
	}
	s, err := schema.New(cols...)
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeConfig, "table %q", t.Name)
	}

	desc := storage.TableDescriptor{Name: t.Name, Database: database, Kind: kind, Schema: s}
	if err := desc.Validate(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid catalog entry")
	}
	k := key{database, t.Name}
	if _, exists := c.tables[k]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "table %s is defined twice", desc.QualifiedName())
	}
	c.tables[k] = desc
	return nil
}

// Lookup returns the descriptor of database.table. An empty database
// selects tables outside any database.
func (c *Catalog) Lookup(database, table string) (storage.TableDescriptor, error) {
	desc, ok := c.tables[key{database, table}]
	if !ok {
		name := table
		if database != "" {
			name = database + "." + table
		}
		return storage.TableDescriptor{}, errors.Newf(errors.ErrorTypeNotFound, "table %s not found", name).
			WithDetail("database", database).
			WithDetail("table", table)
	}
	return desc, nil
}

// Tables lists every descriptor ordered by qualified name
func (c *Catalog) Tables() []storage.TableDescriptor {
	out := make([]storage.TableDescriptor, 0, len(c.tables))
	for _, d := range c.tables {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QualifiedName() < out[j].QualifiedName() })
	return out
}
