package main

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"

	"github.com/tsmada/interflow/catalog"
)

type cmdExport struct {
	Catalog string `long:"catalog" env:"CATALOG" default:"catalog" description:"Directory of channel definition YAML files"`
	Output  string `long:"output" env:"OUTPUT" default:"export" description:"Directory receiving XML artifacts"`

	Log mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdExport) Execute(_ []string) error {
	mbp.InitLog(cmd.Log)

	var defs, err = catalog.LoadDir(cmd.Catalog)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(cmd.Output, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	for _, def := range defs {
		doc, err := catalog.ExportXML(def)
		if err != nil {
			return err
		}
		var path = filepath.Join(cmd.Output, def.ID+".xml")
		if err = os.WriteFile(path, doc, 0644); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		log.WithFields(log.Fields{"channel": def.ID, "path": path}).Info("exported channel")
	}
	fmt.Printf("exported %d channels to %s\n", len(defs), cmd.Output)
	return nil
}
