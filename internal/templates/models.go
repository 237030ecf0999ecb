// Package templates manages the versioned template documents the Mongo renderer source reads.
package templates

import "time"

const (
	ActionPublish    = "publish"
	ActionDeactivate = "deactivate"
)

// Template is one version of a template document. Publishing never edits a version in place,
// it inserts the next one; the renderer reads the highest active version of a code.
type Template struct {
	Code      string    `json:"code" bson:"code"`
	Name      string    `json:"name,omitempty" bson:"name"`
	Subject   string    `json:"subject" bson:"subject"`
	Content   string    `json:"content" bson:"content"`
	Language  string    `json:"language,omitempty" bson:"language"`
	Version   int       `json:"version" bson:"version"`
	IsActive  bool      `json:"is_active" bson:"is_active"`
	ChangedBy string    `json:"changed_by,omitempty" bson:"changed_by,omitempty"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

type PublishRequest struct {
	Code      string `json:"code" validate:"required,max=128"`
	Name      string `json:"name" validate:"max=256"`
	Subject   string `json:"subject" validate:"max=998"`
	Content   string `json:"content" validate:"required"`
	Language  string `json:"language" validate:"max=16"`
	ChangedBy string `json:"changed_by" validate:"max=128"`
}

// ChangeEvent is announced after every publish or deactivation so renderers drop cached copies.
type ChangeEvent struct {
	Code      string    `json:"code"`
	Action    string    `json:"action"`
	Version   int       `json:"version,omitempty"`
	ChangedBy string    `json:"changed_by,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
