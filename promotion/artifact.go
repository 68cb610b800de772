// Package promotion moves channel definitions between environments. An
// artifact is a channel's XML interchange document plus the identity and
// dependency metadata needed to order a rollout. Promotions are planned in
// dependency order, gated on approvals, and may carry per-environment
// overrides applied as JSON merge patches.
package promotion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/tsmada/interflow/catalog"
)

// Artifact is one promotable channel document.
type Artifact struct {
	ChannelID    string
	Name         string
	Revision     int
	Dependencies []string
	XML          []byte
}

// FromDefinition exports |def| as an artifact.
func FromDefinition(def *catalog.Definition) (Artifact, error) {
	var doc, err = catalog.ExportXML(def)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{
		ChannelID:    def.ID,
		Name:         def.Name,
		Revision:     def.Revision,
		Dependencies: def.Dependencies,
		XML:          doc,
	}, nil
}

// Definition parses the artifact's document.
func (a Artifact) Definition() (*catalog.Definition, error) {
	return catalog.ImportXML(a.XML)
}

// Source lists the artifacts of an environment.
type Source interface {
	List(ctx context.Context) ([]Artifact, error)
}

// DirSource reads artifacts from a directory of exported .xml documents,
// the filesystem layout `interflowctl export` writes.
type DirSource struct {
	Dir string
}

func (s DirSource) List(context.Context) ([]Artifact, error) {
	var entries, err = os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("reading artifact directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".xml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out = make([]Artifact, 0, len(names))
	for _, name := range names {
		var path = filepath.Join(s.Dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		def, err := catalog.ImportXML(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		out = append(out, Artifact{
			ChannelID:    def.ID,
			Name:         def.Name,
			Revision:     def.Revision,
			Dependencies: def.Dependencies,
			XML:          raw,
		})
	}
	return out, nil
}

// Applier lands one artifact in the target environment.
type Applier interface {
	Apply(ctx context.Context, artifact Artifact) error
}

// DirApplier writes artifacts into a target catalog directory, one .xml
// document per channel.
type DirApplier struct {
	Dir string
}

func (a DirApplier) Apply(_ context.Context, artifact Artifact) error {
	if err := os.MkdirAll(a.Dir, 0755); err != nil {
		return fmt.Errorf("creating target directory: %w", err)
	}
	var path = filepath.Join(a.Dir, artifact.ChannelID+".xml")
	if err := os.WriteFile(path, artifact.XML, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	log.WithFields(log.Fields{
		"channel":  artifact.ChannelID,
		"revision": artifact.Revision,
		"path":     path,
	}).Info("applied channel artifact")
	return nil
}
