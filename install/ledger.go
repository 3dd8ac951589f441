package install

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/invokerpm/invokerpm"
)

const ledgerFilename = "installed.json"

// Metadata is the manifest snapshot taken at install time.
type Metadata struct {
	Description string   `json:"description"`
	Author      string   `json:"author"`
	Tags        []string `json:"tags"`
}

// Record is one installed-package ledger entry.
type Record struct {
	Name          string           `json:"name"`
	Version       string           `json:"version"`
	InstalledDate string           `json:"installed_date"`
	Source        string           `json:"source"`
	Path          string           `json:"path"`
	Digest        invokerpm.Digest `json:"digest"`
	Metadata      Metadata         `json:"metadata"`
}

// ledgerFile is the wire format of installed.json.
type ledgerFile struct {
	Packages map[string]Record `json:"packages"`
}

// ledger tracks installed packages, persisted as JSON on every mutation.
type ledger struct {
	path     string
	packages map[string]Record
}

func openLedger(dir string) (*ledger, error) {
	l := &ledger{
		path:     filepath.Join(dir, ledgerFilename),
		packages: make(map[string]Record),
	}

	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading ledger: %w", invokerpm.ErrPath, err)
	}

	var file ledgerFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", ledgerFilename, err)
	}
	if file.Packages != nil {
		l.packages = file.Packages
	}
	return l, nil
}

func (l *ledger) save() error {
	data, err := json.MarshalIndent(ledgerFile{Packages: l.packages}, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing ledger: %w", err)
	}
	if err := os.WriteFile(l.path, data, 0o644); err != nil {
		return fmt.Errorf("%w: writing ledger: %w", invokerpm.ErrPath, err)
	}
	return nil
}

func (l *ledger) get(name string) (Record, bool) {
	rec, ok := l.packages[name]
	return rec, ok
}

func (l *ledger) put(rec Record) error {
	l.packages[rec.Name] = rec
	return l.save()
}

func (l *ledger) delete(name string) error {
	delete(l.packages, name)
	return l.save()
}

func (l *ledger) list() []Record {
	records := make([]Record, 0, len(l.packages))
	for _, rec := range l.packages {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Name < records[j].Name
	})
	return records
}
