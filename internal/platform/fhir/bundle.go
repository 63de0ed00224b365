package fhir

import (
	"encoding/json"
	"fmt"
)

// Bundle types handled by this package.
const (
	BundleTypeTransaction = "transaction"
	BundleTypeBatch       = "batch"
)

// Bundle represents a FHIR Bundle resource. Entry is always serialized,
// an empty bundle carries "entry": [].
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Entry        []BundleEntry `json:"entry"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewTransactionBundle creates an empty transaction Bundle.
func NewTransactionBundle() *Bundle {
	return &Bundle{
		ResourceType: ResourceTypeBundle,
		Type:         BundleTypeTransaction,
		Entry:        []BundleEntry{},
	}
}

// Append adds entries in order.
func (b *Bundle) Append(entries ...BundleEntry) {
	b.Entry = append(b.Entry, entries...)
}

// NewPutEntry serialises resource and wraps it in an entry whose request is
// an update of {resourceType}/{id}.
func NewPutEntry(resourceType, id string, resource interface{}) (BundleEntry, error) {
	raw, err := json.Marshal(resource)
	if err != nil {
		return BundleEntry{}, fmt.Errorf("marshal %s/%s: %w", resourceType, id, err)
	}
	return BundleEntry{
		Resource: raw,
		Request: &BundleRequest{
			Method: "PUT",
			URL:    FormatReference(resourceType, id),
		},
	}, nil
}

// MarshalIndented renders the bundle as pretty-printed JSON using a
// four-space indent.
func (b *Bundle) MarshalIndented() ([]byte, error) {
	if b.Entry == nil {
		b.Entry = []BundleEntry{}
	}
	data, err := json.MarshalIndent(b, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("marshal bundle: %w", err)
	}
	return append(data, '\n'), nil
}

// ParseBundle decodes a Bundle from JSON.
func ParseBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if b.ResourceType != ResourceTypeBundle {
		return nil, fmt.Errorf("decode bundle: resourceType is %q, want %q", b.ResourceType, ResourceTypeBundle)
	}
	return &b, nil
}
