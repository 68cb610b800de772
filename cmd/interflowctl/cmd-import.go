package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"gopkg.in/yaml.v3"

	"github.com/tsmada/interflow/catalog"
	"github.com/tsmada/interflow/scripting"
)

type cmdImport struct {
	Input   string `long:"input" env:"INPUT" default:"export" description:"Directory of XML artifacts"`
	Catalog string `long:"catalog" env:"CATALOG" default:"catalog" description:"Directory receiving YAML channel definitions"`

	Log mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdImport) Execute(_ []string) error {
	mbp.InitLog(cmd.Log)

	var entries, err = os.ReadDir(cmd.Input)
	if err != nil {
		return fmt.Errorf("reading input directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".xml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	if err = os.MkdirAll(cmd.Catalog, 0755); err != nil {
		return fmt.Errorf("creating catalog directory: %w", err)
	}

	var executor = scripting.NewExprExecutor()
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(cmd.Input, name))
		if err != nil {
			return err
		}
		def, err := catalog.ImportXML(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if err = def.Validate(executor); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}

		doc, err := yaml.Marshal(def)
		if err != nil {
			return fmt.Errorf("%s: encoding definition: %w", name, err)
		}
		var path = filepath.Join(cmd.Catalog, def.ID+".yaml")
		if err = os.WriteFile(path, doc, 0644); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		log.WithFields(log.Fields{"channel": def.ID, "path": path}).Info("imported channel")
	}
	fmt.Printf("imported %d channels to %s\n", len(names), cmd.Catalog)
	return nil
}
