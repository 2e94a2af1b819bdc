// Package model defines the index reconciliation domain: index spec rows,
// their status machine, drift classification, task outcomes and workflow results.
package model

import (
	"fmt"
	"regexp"
	"sort"
	"time"
)

// IndexType identifies an index backend family.
type IndexType string

// Built-in index types. The set is open: any identifier matching
// indexTypePattern is valid once a backend is registered for it.
const (
	IndexTypeVector   IndexType = "vector"
	IndexTypeFulltext IndexType = "fulltext"
	IndexTypeGraph    IndexType = "graph"
	IndexTypeSummary  IndexType = "summary"
	IndexTypeVision   IndexType = "vision"
)

var indexTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)

// Validate checks the index type is a well-formed identifier.
func (t IndexType) Validate() error {
	if !indexTypePattern.MatchString(string(t)) {
		return fmt.Errorf("invalid index type %q", string(t))
	}
	return nil
}

// DefaultIndexTypes returns the index types requested for a newly ingested document.
func DefaultIndexTypes() []IndexType {
	return []IndexType{IndexTypeVector, IndexTypeFulltext, IndexTypeGraph, IndexTypeSummary}
}

// SortIndexTypes sorts in place and returns types for stable logs and tests.
func SortIndexTypes(types []IndexType) []IndexType {
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Action is the kind of work a drifted row needs.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// IndexSpec is one row of the state store: the desired and observed state of
// one index type for one document.
type IndexSpec struct {
	DocumentID        string
	IndexType         IndexType
	Status            Status
	Version           int64
	ObservedVersion   int64
	ErrorMessage      string
	Payload           string
	GmtCreated        time.Time
	GmtUpdated        time.Time
	GmtLastReconciled *time.Time
}

// Key returns the primary key of the row as a single string.
func (s *IndexSpec) Key() string {
	return s.DocumentID + "/" + string(s.IndexType)
}

// DriftAction classifies the row against the three drift conditions.
// The second return value is false when the row has no drift.
//
//	create: PENDING, observed_version < version, version == 1
//	update: PENDING, observed_version < version, version > 1
//	delete: DELETING
func (s *IndexSpec) DriftAction() (Action, bool) {
	switch {
	case s.Status == StatusDeleting:
		return ActionDelete, true
	case s.Status == StatusPending && s.ObservedVersion < s.Version && s.Version == 1:
		return ActionCreate, true
	case s.Status == StatusPending && s.ObservedVersion < s.Version && s.Version > 1:
		return ActionUpdate, true
	default:
		return "", false
	}
}

// Claim records what a reconciler pass won the right to materialize.
type Claim struct {
	IndexType     IndexType
	Action        Action
	TargetVersion int64
}

// Document is the collaborator-owned aggregate that owns a set of index specs.
type Document struct {
	ID          string
	Title       string
	SourcePath  string
	Content     string
	ContentHash string
	Status      DocumentStatus
	GmtCreated  time.Time
	GmtUpdated  time.Time
	GmtDeleted  *time.Time
}

// Deleted reports whether the document has been deleted by its owner.
func (d *Document) Deleted() bool {
	return d.GmtDeleted != nil
}

// DocumentStatus is derived from the document's index spec rows.
type DocumentStatus string

const (
	DocumentStatusIndexing DocumentStatus = "indexing"
	DocumentStatusReady    DocumentStatus = "ready"
	DocumentStatusFailed   DocumentStatus = "failed"
	DocumentStatusDeleting DocumentStatus = "deleting"
	DocumentStatusDeleted  DocumentStatus = "deleted"
)

// DeriveDocumentStatus computes the aggregate status from row statuses.
// Deletion dominates, then failure, then in-flight work; all ACTIVE is ready.
func DeriveDocumentStatus(statuses []Status) DocumentStatus {
	if len(statuses) == 0 {
		return DocumentStatusDeleted
	}

	var deleting, failed, indexing bool
	for _, st := range statuses {
		switch st {
		case StatusDeleting, StatusDeletionInProgress:
			deleting = true
		case StatusFailed:
			failed = true
		case StatusPending, StatusCreating:
			indexing = true
		}
	}

	switch {
	case deleting:
		return DocumentStatusDeleting
	case failed:
		return DocumentStatusFailed
	case indexing:
		return DocumentStatusIndexing
	default:
		return DocumentStatusReady
	}
}
