// Package cluster holds the pieces of multi-server operation: a stable
// per-server identity, and a message-id allocator which draws contiguous
// blocks through etcd so concurrent servers never mint the same id.
package cluster

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const serverIDFile = "server.id"

// LoadOrCreateServerID returns the server's stable identity, creating and
// persisting a fresh UUID in |dir| on first run. The file lives beside the
// message store so the identity survives restarts with the data it stamped.
func LoadOrCreateServerID(dir string) (string, error) {
	var path = filepath.Join(dir, serverIDFile)

	var raw, err = os.ReadFile(path)
	if err == nil {
		var id = strings.TrimSpace(string(raw))
		if _, err = uuid.Parse(id); err != nil {
			return "", fmt.Errorf("server id file %s is corrupt: %w", path, err)
		}
		return id, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("reading server id: %w", err)
	}

	if err = os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating data directory: %w", err)
	}
	var id = uuid.NewString()
	if err = os.WriteFile(path, []byte(id+"\n"), 0644); err != nil {
		return "", fmt.Errorf("writing server id: %w", err)
	}
	log.WithFields(log.Fields{"serverId": id, "path": path}).Info("created server identity")
	return id, nil
}
