package loader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-intercept/pkg/domain"
)

// ErrUnknownFormat is returned for document encodings the codec does not handle.
var ErrUnknownFormat = errors.New("unknown behavior document format")

// Format names a behavior document encoding.
type Format string

// Supported document formats.
const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
	FormatCBOR Format = "cbor"
)

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".toml":
		return FormatTOML, nil
	case ".cbor":
		return FormatCBOR, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, filepath.Ext(path))
	}
}

// Document is the serialized form of a behavior set plus its loader settings.
type Document struct {
	Enabled        *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty" toml:"enabled,omitempty" cbor:"enabled,omitempty"`
	ReloadInterval string `json:"reload_interval,omitempty" yaml:"reload_interval,omitempty" toml:"reload_interval,omitempty" cbor:"reload_interval,omitempty"`
	Behaviors      []Row  `json:"behaviors" yaml:"behaviors" toml:"behaviors" cbor:"behaviors"`
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("loader: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Decode parses a document.
func Decode(format Format, data []byte) (*Document, error) {
	var doc Document
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &doc)
	case FormatJSON:
		err = json.Unmarshal(data, &doc)
	case FormatTOML:
		err = toml.Unmarshal(data, &doc)
	case FormatCBOR:
		err = cbor.Unmarshal(data, &doc)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s document: %w", format, err)
	}
	return &doc, nil
}

// Encode serializes a document.
func Encode(format Format, doc *Document) ([]byte, error) {
	switch format {
	case FormatYAML:
		return yaml.Marshal(doc)
	case FormatJSON:
		return json.MarshalIndent(doc, "", "  ")
	case FormatTOML:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
			return nil, fmt.Errorf("encode toml document: %w", err)
		}
		return buf.Bytes(), nil
	case FormatCBOR:
		return cborEncMode.Marshal(doc)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// NewDocument flattens behaviors into a document.
func NewDocument(behaviors []domain.Behavior) *Document {
	doc := &Document{Behaviors: make([]Row, len(behaviors))}
	for i, b := range behaviors {
		doc.Behaviors[i] = RowOf(b)
	}
	return doc
}

// Set validates the document's behaviors and collects them.
func (d *Document) Set() (*domain.BehaviorSet, error) {
	return BuildSet(d.Behaviors)
}

// Settings parses the document's loader settings.
func (d *Document) Settings() (Settings, error) {
	s := Settings{Enabled: d.Enabled}
	if d.ReloadInterval != "" {
		interval, err := time.ParseDuration(d.ReloadInterval)
		if err != nil {
			return Settings{}, fmt.Errorf("reload_interval: %w", err)
		}
		if interval < 0 {
			return Settings{}, fmt.Errorf("reload_interval: must not be negative, got %s", interval)
		}
		s.ReloadInterval = &interval
	}
	return s, nil
}

// Fetcher retrieves raw document bytes together with their format.
type Fetcher func(ctx context.Context) ([]byte, Format, error)

// DocumentSource is a Source backed by an encoded document.
type DocumentSource struct {
	fetch Fetcher

	mu       sync.RWMutex
	settings Settings
}

var _ SettingsSource = (*DocumentSource)(nil)

// Documents creates a DocumentSource reading through fetch.
func Documents(fetch Fetcher) *DocumentSource {
	return &DocumentSource{fetch: fetch}
}

// Fetch retrieves and decodes the document. Settings are only replaced when the whole document
// is valid.
func (s *DocumentSource) Fetch(ctx context.Context) (*domain.BehaviorSet, error) {
	data, format, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := Decode(format, data)
	if err != nil {
		return nil, err
	}
	settings, err := doc.Settings()
	if err != nil {
		return nil, err
	}
	set, err := doc.Set()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
	return set, nil
}

// Settings returns the settings of the last successfully fetched document.
func (s *DocumentSource) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}
