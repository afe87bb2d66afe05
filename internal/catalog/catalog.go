// Package catalog resolves the approved-app directory: which apps may bind,
// which are navigation apps, and which permissions they were granted. The
// directory comes from a remote endpoint with a static YAML fallback for
// hosts without connectivity.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/cartemplate/host/internal/infrastructure/logging"
	"github.com/cartemplate/host/internal/shared/types"
)

// App is one catalog entry.
type App struct {
	PackageName string   `json:"package_name" yaml:"package_name"`
	ServiceName string   `json:"service_name" yaml:"service_name"`
	DisplayName string   `json:"display_name" yaml:"display_name"`
	Navigation  bool     `json:"navigation" yaml:"navigation"`
	MinAPILevel int      `json:"min_api_level" yaml:"min_api_level"`
	Permissions []string `json:"permissions" yaml:"permissions"`
}

// Identity returns the entry's app identity.
func (a App) Identity() types.AppIdentity {
	return types.AppIdentity{PackageName: a.PackageName, ServiceName: a.ServiceName}
}

type document struct {
	Apps []App `json:"apps" yaml:"apps"`
}

// Options configures the directory source.
type Options struct {
	// URL serves the directory as JSON. Empty disables remote fetching.
	URL string
	// File is a YAML fallback loaded at startup. Empty disables it.
	File string
	// RefreshInterval is how often the remote directory is re-fetched.
	RefreshInterval time.Duration
	// AllowUnlisted lets apps missing from the catalog bind anyway.
	AllowUnlisted bool
}

// Directory is the in-memory view of the approved-app catalog.
type Directory struct {
	opts   Options
	log    *logging.Logger
	client *retryablehttp.Client

	mu        sync.RWMutex
	apps      map[types.AppIdentity]App
	fetchedAt time.Time

	stop chan struct{}
	once sync.Once
}

// New creates a directory and loads the fallback file if one is configured.
// A missing remote endpoint is not an error; the host runs on the fallback.
func New(opts Options, log *logging.Logger) (*Directory, error) {
	if log == nil {
		log = logging.NewNop()
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil

	d := &Directory{
		opts:   opts,
		log:    log,
		client: client,
		apps:   make(map[types.AppIdentity]App),
		stop:   make(chan struct{}),
	}
	if opts.File != "" {
		if err := d.loadFile(opts.File); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Directory) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read catalog file: %w", err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse catalog file %s: %w", path, err)
	}
	d.replace(doc.Apps)
	d.log.Info("catalog loaded from file",
		zap.String("path", path),
		zap.Int("apps", len(doc.Apps)),
	)
	return nil
}

// Refresh fetches the remote directory and replaces the in-memory view.
// A no-op when no URL is configured.
func (d *Directory) Refresh(ctx context.Context) error {
	if d.opts.URL == "" {
		return nil
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, d.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build catalog request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch catalog: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("catalog endpoint returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read catalog response: %w", err)
	}
	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("failed to parse catalog response: %w", err)
	}
	d.replace(doc.Apps)
	d.log.Info("catalog refreshed",
		zap.String("url", d.opts.URL),
		zap.Int("apps", len(doc.Apps)),
	)
	return nil
}

// Start refreshes periodically until Stop. A no-op when no URL or no
// interval is configured.
func (d *Directory) Start(ctx context.Context) {
	if d.opts.URL == "" || d.opts.RefreshInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(d.opts.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := d.Refresh(ctx); err != nil {
					d.log.Warn("catalog refresh failed", zap.Error(err))
				}
			case <-d.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the periodic refresh.
func (d *Directory) Stop() {
	d.once.Do(func() { close(d.stop) })
}

func (d *Directory) replace(apps []App) {
	next := make(map[types.AppIdentity]App, len(apps))
	for _, a := range apps {
		if !a.Identity().IsValid() {
			d.log.Warn("skipping catalog entry with invalid identity",
				zap.String("package", a.PackageName))
			continue
		}
		next[a.Identity()] = a
	}
	d.mu.Lock()
	d.apps = next
	d.fetchedAt = time.Now()
	d.mu.Unlock()
}

// Lookup returns the catalog entry for app, if listed.
func (d *Directory) Lookup(app types.AppIdentity) (App, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.apps[app]
	return a, ok
}

// Allowed reports whether app may bind to this host.
func (d *Directory) Allowed(app types.AppIdentity) bool {
	if _, ok := d.Lookup(app); ok {
		return true
	}
	return d.opts.AllowUnlisted
}

// NavigationApp reports whether app is a listed navigation app.
func (d *Directory) NavigationApp(app types.AppIdentity) bool {
	a, ok := d.Lookup(app)
	return ok && a.Navigation
}

// Permissions returns the granted-permission set for app. Unlisted apps
// have no grants.
func (d *Directory) Permissions(app types.AppIdentity) map[string]bool {
	a, ok := d.Lookup(app)
	if !ok {
		return nil
	}
	granted := make(map[string]bool, len(a.Permissions))
	for _, p := range a.Permissions {
		granted[p] = true
	}
	return granted
}

// Apps returns a snapshot of every catalog entry.
func (d *Directory) Apps() []App {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]App, 0, len(d.apps))
	for _, a := range d.apps {
		out = append(out, a)
	}
	return out
}

// FetchedAt returns when the view was last replaced.
func (d *Directory) FetchedAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fetchedAt
}
