package cache

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Namespace is a closed key space within a Store.
type Namespace string

// Kind identifies which logical namespace a versioned Namespace belongs to.
type Kind string

const (
	// KindStaticAssets holds pages and static assets.
	KindStaticAssets Kind = "assets"
	// KindPerformanceData holds gig snapshots.
	KindPerformanceData Kind = "data"
)

// NamespaceSet names the current generation of both namespaces for an app,
// e.g. "gigcache-data-v3" and "gigcache-assets-v1".
type NamespaceSet struct {
	App           string
	DataVersion   int
	AssetsVersion int
}

// NewNamespaceSet returns a NamespaceSet with versions defaulted to 1.
func NewNamespaceSet(app string, dataVersion, assetsVersion int) (NamespaceSet, error) {
	app = strings.TrimSpace(app)
	if app == "" {
		return NamespaceSet{}, fmt.Errorf("app name is required")
	}
	if strings.Contains(app, ":") {
		return NamespaceSet{}, fmt.Errorf("app name %q must not contain ':'", app)
	}
	if dataVersion <= 0 {
		dataVersion = 1
	}
	if assetsVersion <= 0 {
		assetsVersion = 1
	}
	return NamespaceSet{App: app, DataVersion: dataVersion, AssetsVersion: assetsVersion}, nil
}

// Data returns the current performance-data namespace.
func (s NamespaceSet) Data() Namespace {
	return Namespace(fmt.Sprintf("%s-%s-v%d", s.App, KindPerformanceData, s.DataVersion))
}

// Assets returns the current static-assets namespace.
func (s NamespaceSet) Assets() Namespace {
	return Namespace(fmt.Sprintf("%s-%s-v%d", s.App, KindStaticAssets, s.AssetsVersion))
}

// For returns the current namespace of the given kind.
func (s NamespaceSet) For(kind Kind) Namespace {
	if kind == KindStaticAssets {
		return s.Assets()
	}
	return s.Data()
}

// Owns reports whether ns was created by this app, in any generation.
func (s NamespaceSet) Owns(ns Namespace) bool {
	name := string(ns)
	return strings.HasPrefix(name, s.App+"-"+string(KindPerformanceData)+"-v") ||
		strings.HasPrefix(name, s.App+"-"+string(KindStaticAssets)+"-v")
}

// IsCurrent reports whether ns is one of the two current namespaces.
func (s NamespaceSet) IsCurrent(ns Namespace) bool {
	return ns == s.Data() || ns == s.Assets()
}

// Sweep deletes every namespace owned by the app that is not current. Namespaces
// belonging to other apps sharing the store are left alone. It returns the
// namespaces that were removed.
func Sweep(ctx context.Context, store Store, set NamespaceSet, logger zerolog.Logger) ([]Namespace, error) {
	all, err := store.Namespaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}

	var swept []Namespace
	for _, ns := range all {
		if !set.Owns(ns) || set.IsCurrent(ns) {
			continue
		}
		if err := store.DeleteNamespace(ctx, ns); err != nil {
			return swept, fmt.Errorf("delete stale namespace %s: %w", ns, err)
		}
		logger.Info().Str("namespace", string(ns)).Msg("Swept stale cache namespace.")
		swept = append(swept, ns)
	}
	return swept, nil
}
