// Package modelsync implements the model-sync reconciler (C6): fetching
// the router's model catalog, diffing it against local storage, and
// driving downloads through the Downloader (C7).
package modelsync

import (
	"encoding/json"
	"fmt"

	"github.com/distribution/reference"
)

// CatalogEntry is one router catalog entry (spec.md §4.6 step 1). The
// catalog may name a model with either "name" or "id" — Key returns
// whichever is present, preferring Name.
type CatalogEntry struct {
	Name        string `json:"name"`
	ID          string `json:"id"`
	LocalPath   string `json:"local_path,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
	ChatTemplate string `json:"chat_template,omitempty"`
}

// Key returns the entry's identifying name, from whichever of "name"/"id"
// was populated.
func (e CatalogEntry) Key() string {
	if e.Name != "" {
		return e.Name
	}
	return e.ID
}

// canonicalName runs a model name through Docker's image-reference
// normalisation (so "llama3" and "library/llama3:latest" compare equal,
// the same way a model pulled by short name and by its fully-qualified
// form do in the teacher's own distribution layer). Names that aren't
// valid image references (e.g. a router entry using a bare local id) are
// returned as-is. This is used ONLY to decide whether a remote catalog
// entry already exists locally under a different spelling of the same
// name — it must never be used to derive a filesystem path, since that
// would place downloads under a directory name the caller never asked
// for. Path placement always goes through model.ModelNameToDir on the entry's
// literal Key().
func canonicalName(name string) string {
	if named, err := reference.ParseNormalizedNamed(name); err == nil {
		return reference.TagNameOnly(named).String()
	}
	return name
}

// ParseCatalog accepts both a bare JSON array of entries and a
// {"data": [...]} envelope (spec.md §4.6 step 1).
func ParseCatalog(raw []byte) ([]CatalogEntry, error) {
	var bare []CatalogEntry
	if err := json.Unmarshal(raw, &bare); err == nil {
		return bare, nil
	}

	var envelope struct {
		Data []CatalogEntry `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("parsing catalog: not a bare array or a {\"data\":[...]} envelope: %w", err)
	}
	return envelope.Data, nil
}
