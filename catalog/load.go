package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// LoadFile reads one YAML channel definition.
func LoadFile(path string) (*Definition, error) {
	var raw, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var def Definition
	var dec = yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err = dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &def, nil
}

// LoadDir reads every .yaml/.yml definition in |dir|, in name order.
func LoadDir(dir string) ([]*Definition, error) {
	var entries, err = os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading catalog directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var defs = make([]*Definition, 0, len(names))
	for _, name := range names {
		var def, err = LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		log.WithFields(log.Fields{
			"file":    name,
			"channel": def.ID,
		}).Debug("loaded channel definition")
		defs = append(defs, def)
	}
	return defs, nil
}
