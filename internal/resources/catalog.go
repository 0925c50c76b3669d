// Package resources serves the curated directory of support links.
package resources

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind selects how a resource is opened.
type Kind string

const (
	// KindLink opens the resource URL.
	KindLink Kind = "link"
	// KindWhatsApp opens a WhatsApp conversation with the resource number.
	KindWhatsApp Kind = "whatsapp"
)

const whatsAppBaseURL = "https://wa.me/"

//go:embed catalog.yaml
var defaultCatalog []byte

// ErrInvalidCatalog indicates a catalog entry that cannot be served.
var ErrInvalidCatalog = errors.New("resources: invalid catalog")

// Resource is one entry of the directory.
type Resource struct {
	ID          string `yaml:"id" json:"id"`
	Title       string `yaml:"title" json:"title"`
	Description string `yaml:"description" json:"description"`
	Kind        Kind   `yaml:"kind" json:"kind"`
	URL         string `yaml:"url,omitempty" json:"url,omitempty"`
	Number      string `yaml:"number,omitempty" json:"number,omitempty"`
}

// Link returns the address the client should open.
func (r Resource) Link() string {
	if r.Kind == KindWhatsApp {
		return whatsAppBaseURL + r.Number
	}
	return r.URL
}

// Catalog is an ordered, validated list of resources.
type Catalog struct {
	entries []Resource
}

type catalogFile struct {
	Resources []Resource `yaml:"resources"`
}

// Default returns the built-in catalog.
func Default() (*Catalog, error) {
	return Parse(bytes.NewReader(defaultCatalog))
}

// LoadFile reads a catalog from path, or the built-in catalog when path is blank.
func LoadFile(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("resources: open catalog: %w", err)
	}
	defer file.Close()
	return Parse(file)
}

// Parse decodes and validates a YAML catalog.
func Parse(reader io.Reader) (*Catalog, error) {
	var decoded catalogFile
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	if err := decoder.Decode(&decoded); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}

	seen := make(map[string]struct{}, len(decoded.Resources))
	entries := make([]Resource, 0, len(decoded.Resources))
	for index, entry := range decoded.Resources {
		entry.ID = strings.TrimSpace(entry.ID)
		entry.Title = strings.TrimSpace(entry.Title)
		entry.URL = strings.TrimSpace(entry.URL)
		entry.Number = strings.TrimSpace(entry.Number)
		if entry.Kind == "" {
			entry.Kind = KindLink
		}
		if entry.ID == "" {
			return nil, fmt.Errorf("%w: entry %d has no id", ErrInvalidCatalog, index)
		}
		if _, duplicate := seen[entry.ID]; duplicate {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidCatalog, entry.ID)
		}
		seen[entry.ID] = struct{}{}
		if entry.Title == "" {
			return nil, fmt.Errorf("%w: entry %q has no title", ErrInvalidCatalog, entry.ID)
		}
		switch entry.Kind {
		case KindLink:
			if entry.URL == "" {
				return nil, fmt.Errorf("%w: entry %q has no url", ErrInvalidCatalog, entry.ID)
			}
		case KindWhatsApp:
			if entry.Number == "" {
				return nil, fmt.Errorf("%w: entry %q has no number", ErrInvalidCatalog, entry.ID)
			}
		default:
			return nil, fmt.Errorf("%w: entry %q has unknown kind %q", ErrInvalidCatalog, entry.ID, entry.Kind)
		}
		entries = append(entries, entry)
	}
	return &Catalog{entries: entries}, nil
}

// All returns a copy of the entries in catalog order.
func (c *Catalog) All() []Resource {
	if c == nil {
		return []Resource{}
	}
	out := make([]Resource, len(c.entries))
	copy(out, c.entries)
	return out
}
