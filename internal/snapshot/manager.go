// ABOUTME: Snapshot bundle manager: captures and restores controller state as a directory bundle
// ABOUTME: Bundles are written to a temp directory and renamed into place so a crash never leaves a partial snapshot

package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/2389/fleet-warden/internal/config"
	"github.com/2389/fleet-warden/internal/registry"
	"github.com/2389/fleet-warden/internal/store"
)

// Bundle file names.
const (
	manifestFile = "manifest.json"
	agentsFile   = "agent_status.json"
	resourceFile = "resources.json"
	errorsFile   = "errors.json"
	actionsFile  = "recovery_actions.json"
	configsDir   = "configs"
)

// historyLimit bounds how many error and action rows a bundle carries.
const historyLimit = 1000

// Pauser suspends a background loop while a restore replays state.
type Pauser interface {
	Pause()
	Resume()
}

// Sampler takes a host resource reading. A bundle leads with one taken at
// creation time rather than relying on the last monitor tick.
type Sampler interface {
	Sample(ctx context.Context) (*store.ResourceSnapshot, error)
}

// Manifest describes one snapshot bundle.
type Manifest struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	CreatedAt   time.Time         `json:"created_at"`
	AgentCount  int               `json:"agent_count"`
	ConfigFiles map[string]string `json:"config_files"` // bundle name -> original path
}

// Manager creates, lists and restores snapshot bundles.
type Manager struct {
	dir      string
	cfgFiles []string
	store    store.Store
	registry *registry.Registry
	sampler  Sampler
	pausers  []Pauser
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager builds a manager. A nil sampler skips the fresh resource
// reading at creation time.
func NewManager(cfg config.SnapshotsConfig, st store.Store, reg *registry.Registry, sampler Sampler, logger *slog.Logger, pausers ...Pauser) *Manager {
	return &Manager{
		dir:      cfg.Dir,
		cfgFiles: cfg.ConfigFiles,
		store:    st,
		registry: reg,
		sampler:  sampler,
		pausers:  pausers,
		logger:   logger.With("component", "snapshot"),
		now:      time.Now,
	}
}

// Create captures agent statuses, recent history and the configured external
// config files into a new bundle. The bundle id embeds the creation time.
func (m *Manager) Create(ctx context.Context, name string) (*Manifest, error) {
	created := m.now().UTC()
	id := fmt.Sprintf("%s-%s", sanitizeName(name), created.Format("20060102-150405"))
	tmp := filepath.Join(m.dir, id+".tmp")
	final := filepath.Join(m.dir, id)

	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot dir: %w", err)
	}
	// A failed create never leaves a half-written bundle behind.
	defer os.RemoveAll(tmp)

	statuses, err := m.store.ListAgentStatuses(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing agent statuses: %w", err)
	}
	if err := writeJSON(filepath.Join(tmp, agentsFile), statuses); err != nil {
		return nil, err
	}

	// Take one reading at creation time so the bundle reflects the host as
	// of the snapshot, not just the last monitor tick. Persisting it first
	// puts it at the head of the newest-first history below.
	if m.sampler != nil {
		if fresh, err := m.sampler.Sample(ctx); err != nil {
			m.logger.Warn("resource sample failed", "error", err)
		} else if err := m.store.SaveResourceSnapshot(ctx, fresh); err != nil {
			m.logger.Warn("saving resource sample failed", "error", err)
		}
	}

	snaps, err := m.store.QueryResourceSnapshots(ctx, store.ResourceFilter{Limit: historyLimit})
	if err != nil {
		return nil, fmt.Errorf("querying resource snapshots: %w", err)
	}
	if err := writeJSON(filepath.Join(tmp, resourceFile), snaps); err != nil {
		return nil, err
	}

	records, err := m.store.QueryErrors(ctx, store.ErrorFilter{Limit: historyLimit})
	if err != nil {
		return nil, fmt.Errorf("querying errors: %w", err)
	}
	if err := writeJSON(filepath.Join(tmp, errorsFile), records); err != nil {
		return nil, err
	}

	actions, err := m.store.QueryRecoveryActions(ctx, store.ActionFilter{Limit: historyLimit})
	if err != nil {
		return nil, fmt.Errorf("querying recovery actions: %w", err)
	}
	if err := writeJSON(filepath.Join(tmp, actionsFile), actions); err != nil {
		return nil, err
	}

	manifest := &Manifest{
		ID:          id,
		Name:        name,
		CreatedAt:   created,
		AgentCount:  len(statuses),
		ConfigFiles: map[string]string{},
	}

	if len(m.cfgFiles) > 0 {
		if err := os.MkdirAll(filepath.Join(tmp, configsDir), 0o755); err != nil {
			return nil, fmt.Errorf("creating configs dir: %w", err)
		}
	}
	for _, src := range m.cfgFiles {
		base := filepath.Base(src)
		if err := copyFile(src, filepath.Join(tmp, configsDir, base)); err != nil {
			// Config files are captured best effort: a missing file must not
			// block the state snapshot.
			m.logger.Warn("skipping config file", "path", src, "error", err)
			continue
		}
		manifest.ConfigFiles[base] = src
	}

	if err := writeJSON(filepath.Join(tmp, manifestFile), manifest); err != nil {
		return nil, err
	}

	if err := os.Rename(tmp, final); err != nil {
		return nil, fmt.Errorf("finalizing snapshot: %w", err)
	}

	if err := m.store.SetSetting(ctx, "last_snapshot_id", id); err != nil {
		m.logger.Warn("recording last snapshot id failed", "error", err)
	}

	m.logger.Info("snapshot created", "id", id, "agents", len(statuses))
	return manifest, nil
}

// Restore replays a bundle's state into the store and registry. Monitoring
// loops are paused for the duration. A missing or unreadable bundle returns
// an error before any state is touched.
func (m *Manager) Restore(ctx context.Context, id string) error {
	bundle := filepath.Join(m.dir, id)

	var manifest Manifest
	if err := readJSON(filepath.Join(bundle, manifestFile), &manifest); err != nil {
		return fmt.Errorf("snapshot %q not found: %w", id, err)
	}

	var statuses []*store.AgentStatus
	if err := readJSON(filepath.Join(bundle, agentsFile), &statuses); err != nil {
		return fmt.Errorf("reading snapshot %q: %w", id, err)
	}
	var snaps []*store.ResourceSnapshot
	if err := readJSON(filepath.Join(bundle, resourceFile), &snaps); err != nil {
		return fmt.Errorf("reading snapshot %q: %w", id, err)
	}
	var records []*store.ErrorRecord
	if err := readJSON(filepath.Join(bundle, errorsFile), &records); err != nil {
		return fmt.Errorf("reading snapshot %q: %w", id, err)
	}
	var actions []*store.RecoveryAction
	if err := readJSON(filepath.Join(bundle, actionsFile), &actions); err != nil {
		return fmt.Errorf("reading snapshot %q: %w", id, err)
	}

	for _, p := range m.pausers {
		p.Pause()
		defer p.Resume()
	}

	var errs []error
	for _, rec := range records {
		if err := m.store.SaveError(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("restoring error %s: %w", rec.ID, err))
		}
	}
	for _, a := range actions {
		if err := m.store.SaveRecoveryAction(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("restoring action %s: %w", a.ID, err))
		}
	}
	for _, snap := range snaps {
		if err := m.store.SaveResourceSnapshot(ctx, snap); err != nil {
			errs = append(errs, fmt.Errorf("restoring resource snapshot: %w", err))
		}
	}

	// Seed applies the statuses as hints: live statuses come back unknown and
	// let the next heartbeat cycle re-establish the truth.
	m.registry.Seed(ctx, statuses)

	for base, dst := range manifest.ConfigFiles {
		if err := copyFile(filepath.Join(bundle, configsDir, base), dst); err != nil {
			errs = append(errs, fmt.Errorf("restoring config %s: %w", base, err))
		}
	}

	m.logger.Info("snapshot restored", "id", id, "agents", len(statuses))
	return errors.Join(errs...)
}

// List returns the manifests of all bundles, newest first.
func (m *Manager) List() ([]Manifest, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}

	var manifests []Manifest
	for _, e := range entries {
		if !e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		var manifest Manifest
		if err := readJSON(filepath.Join(m.dir, e.Name(), manifestFile), &manifest); err != nil {
			m.logger.Warn("skipping unreadable snapshot", "dir", e.Name(), "error", err)
			continue
		}
		manifests = append(manifests, manifest)
	}

	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].CreatedAt.After(manifests[j].CreatedAt)
	})
	return manifests, nil
}

// sanitizeName keeps bundle ids filesystem-safe.
func sanitizeName(name string) string {
	if name == "" {
		return "snapshot"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
