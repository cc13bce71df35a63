package playbook

import (
	"fmt"
	"io"
	"os"

	"github.com/sentinelops/secops-engine/internal/models"
	"gopkg.in/yaml.v3"
)

// File is the on-disk layout of a playbook catalog
type File struct {
	Playbooks []*models.Playbook `yaml:"playbooks"`
}

// Decode parses a YAML catalog. Durations are Go duration strings such as "90s".
func Decode(r io.Reader) ([]*models.Playbook, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to decode playbook file: %w", err)
	}
	return f.Playbooks, nil
}

// LoadFile registers every playbook in a YAML file and returns how many were added
func (c *Catalog) LoadFile(path string) (int, error) {
	fh, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open playbook file: %w", err)
	}
	defer fh.Close()

	playbooks, err := Decode(fh)
	if err != nil {
		return 0, err
	}
	for i, pb := range playbooks {
		if _, err := c.Register(pb); err != nil {
			return i, fmt.Errorf("playbook %q in %s: %w", pb.ID, path, err)
		}
	}
	return len(playbooks), nil
}
