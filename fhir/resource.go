/*
Package fhir turns clinical-resource change notifications into reward
distributions.

PURPOSE:
  The FHIR server calls a webhook whenever a subscribed resource changes.
  The payload names the resource but is not trusted as current: delivery
  can race the server's own writes. The ingestor re-reads the latest
  version from the resource history, maps it to a flat field map and hands
  it to the reward engine.

SUPPORTED SHAPES:
  Observation:            component[i].id -> valueBoolean | valueInteger | valueString
  QuestionnaireResponse:  item[i].id      -> answer[0].valueBoolean | valueDate |
                                             valueInteger | valueString

  Anything else maps to nothing and is ignored.

DELIVERY:
  Webhooks are at-least-once. Every ledger write carries an idempotency
  key derived from (event, resource, version), so a redelivered
  notification never pays twice.

SEE ALSO:
  - fields.go: field mapping
  - history.go: resource-history client
  - ingest.go: webhook processing
*/
package fhir

import (
	"encoding/json"
	"strings"
)

const (
	TypeObservation           = "Observation"
	TypeQuestionnaireResponse = "QuestionnaireResponse"
)

// =============================================================================
// RESOURCE
// =============================================================================

// Resource is the subset of a FHIR resource the reward engine reads.
type Resource struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id,omitempty"`
	Meta         *Meta       `json:"meta,omitempty"`
	Subject      *Reference  `json:"subject,omitempty"`
	Source       *Reference  `json:"source,omitempty"`
	Action       *Reference  `json:"action,omitempty"`
	Component    []Component `json:"component,omitempty"`
	Item         []Item      `json:"item,omitempty"`
}

type Meta struct {
	VersionID   string `json:"versionId,omitempty"`
	LastUpdated string `json:"lastUpdated,omitempty"`
}

// Reference points at another resource either by bare id or by a
// relative "Type/id" reference.
type Reference struct {
	ID        string `json:"id,omitempty"`
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}

// Component is one Observation component. Only the value types the
// reward catalog can compare are decoded.
type Component struct {
	ID           string  `json:"id,omitempty"`
	ValueBoolean *bool   `json:"valueBoolean,omitempty"`
	ValueInteger *int64  `json:"valueInteger,omitempty"`
	ValueString  *string `json:"valueString,omitempty"`
}

// Item is one QuestionnaireResponse item.
type Item struct {
	ID     string   `json:"id,omitempty"`
	LinkID string   `json:"linkId,omitempty"`
	Answer []Answer `json:"answer,omitempty"`
}

type Answer struct {
	ValueBoolean *bool   `json:"valueBoolean,omitempty"`
	ValueDate    *string `json:"valueDate,omitempty"`
	ValueInteger *int64  `json:"valueInteger,omitempty"`
	ValueString  *string `json:"valueString,omitempty"`
}

// Bundle is a history bundle. Entries are newest first.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleEntry struct {
	FullURL  string    `json:"fullUrl,omitempty"`
	Resource *Resource `json:"resource,omitempty"`
}

// =============================================================================
// REFERENCES
// =============================================================================

// ResourceID returns the id the reference points at.
//
//	{"id": "123"}                           -> "123"
//	{"reference": "Patient/123"}            -> "123"
//	{"reference": "Patient/123/_history/4"} -> "123"
func (r *Reference) ResourceID() string {
	if r == nil {
		return ""
	}
	if id := strings.TrimSpace(r.ID); id != "" {
		return id
	}

	ref := strings.TrimSpace(r.Reference)
	if ref == "" {
		return ""
	}
	parts := strings.Split(ref, "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ref
}

// UserID returns the first non-empty of subject, source and action.
func (r Resource) UserID() string {
	for _, ref := range []*Reference{r.Subject, r.Source, r.Action} {
		if id := ref.ResourceID(); id != "" {
			return id
		}
	}
	return ""
}

// Decode reads a resource from a webhook body.
func Decode(body []byte) (Resource, error) {
	var res Resource
	err := json.Unmarshal(body, &res)
	return res, err
}
