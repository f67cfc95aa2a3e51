package subdomain

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/koltyakov/expose/internal/domain"
)

// document is the on-disk shape described by §6: active allocations plus
// the append-only allocation history. The reserved word set is built-in
// and never persisted.
type document struct {
	Active  map[string]domain.SubdomainRecord `json:"active"`
	History []domain.SubdomainRecord          `json:"history"`
}

func (r *Registry) load() error {
	if r.path == "" {
		return nil
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", r.path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for key, rec := range doc.Active {
		r.active[key] = rec
		r.byTunnel[rec.TunnelID] = key
	}
	r.history = doc.History
	return nil
}

// save writes the current state to disk atomically: it writes to a
// temporary file in the same directory, syncs it, then renames it over the
// destination so a reader never observes a partially written file.
func (r *Registry) save() error {
	if r.path == "" {
		return nil
	}

	r.mu.RLock()
	doc := document{
		Active:  make(map[string]domain.SubdomainRecord, len(r.active)),
		History: append([]domain.SubdomainRecord(nil), r.history...),
	}
	for k, v := range r.active {
		doc.Active[k] = v
	}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".subdomains-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return f.Sync()
}
