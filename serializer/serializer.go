// Package serializer renders the client-facing experiment document. Output
// is canonical JSON so two renderings of the same experiment, or a rendering
// and the record read back from the remote store, compare byte-for-byte.
package serializer

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"

	"gorollout/models"
)

// SchemaVersion of the emitted document.
const SchemaVersion = "1.12.0"

// metadataFields are added by the remote store and ignored on comparison.
var metadataFields = []string{"last_modified", "schema"}

// Document is the record clients fetch.
type Document struct {
	SchemaVersion      string        `json:"schemaVersion"`
	ID                 string        `json:"id"`
	Slug               string        `json:"slug"`
	AppName            string        `json:"appName"`
	AppID              string        `json:"appId"`
	Channel            string        `json:"channel"`
	UserFacingName     string        `json:"userFacingName"`
	IsEnrollmentPaused bool          `json:"isEnrollmentPaused"`
	IsRollout          bool          `json:"isRollout"`
	BucketConfig       *BucketConfig `json:"bucketConfig"`
	FeatureIDs         []string      `json:"featureIds"`
	Targeting          string        `json:"targeting"`
	Branches           []Branch      `json:"branches"`
}

// BucketConfig tells clients how to compute bucket membership.
type BucketConfig struct {
	RandomizationUnit string `json:"randomizationUnit"`
	Namespace         string `json:"namespace"`
	Start             int    `json:"start"`
	Count             int    `json:"count"`
	Total             int    `json:"total"`
}

// Branch is one arm as clients see it.
type Branch struct {
	Slug    string          `json:"slug"`
	Ratio   int             `json:"ratio"`
	Feature json.RawMessage `json:"feature,omitempty"`
}

// NewDocument builds the document for exp.
func NewDocument(exp *models.Experiment) *Document {
	doc := &Document{
		SchemaVersion:      SchemaVersion,
		ID:                 exp.Slug,
		Slug:               exp.Slug,
		AppName:            string(exp.Application),
		AppID:              exp.Application.AppID(),
		Channel:            exp.Channel,
		UserFacingName:     exp.Name,
		IsEnrollmentPaused: exp.IsPaused,
		IsRollout:          exp.IsRollout,
		FeatureIDs:         exp.FeatureIDs,
		Targeting:          exp.Targeting,
		Branches:           []Branch{},
	}
	if doc.FeatureIDs == nil {
		doc.FeatureIDs = []string{}
	}
	if exp.Bucket != nil {
		doc.BucketConfig = &BucketConfig{
			RandomizationUnit: string(exp.Bucket.Group.RandomizationUnit),
			Namespace:         exp.Bucket.Group.Namespace(),
			Start:             exp.Bucket.Start,
			Count:             exp.Bucket.Count,
			Total:             exp.Bucket.Group.Total,
		}
	}
	for _, b := range exp.Branches {
		doc.Branches = append(doc.Branches, Branch{Slug: b.Slug, Ratio: b.Ratio, Feature: b.Value})
	}
	return doc
}

// Serializer renders experiments. It satisfies the broker's serializer
// dependency.
type Serializer struct{}

// Serialize returns the canonical document for exp.
func (Serializer) Serialize(exp *models.Experiment) ([]byte, error) {
	return Serialize(exp)
}

// Serialize returns the canonical document for exp.
func Serialize(exp *models.Experiment) ([]byte, error) {
	raw, err := json.Marshal(NewDocument(exp))
	if err != nil {
		return nil, errors.Wrapf(err, "serializing %s", exp.Slug)
	}
	return Canonical(raw)
}

// Canonical strips remote metadata from a JSON object and re-encodes it with
// sorted keys and exact numbers.
func Canonical(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, errors.Wrap(err, "decoding document")
	}
	for _, f := range metadataFields {
		delete(obj, f)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(obj); err != nil {
		return nil, errors.Wrap(err, "encoding document")
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
