// Package vendorcache implements vendor detection caching (C11): a
// best-effort, swallow-on-failure probe that may run under a shared lock
// and upgrades to exclusive only once it has something worth persisting.
//
// Grounded on worker.go's "call collaborator, swallow the
// not-supported case, log+continue on anything else unexpected" pattern
// used for optional subsystem detection in NewWorker.
package vendorcache

import (
	"context"
	"errors"

	"github.com/cuemby/conductor/pkg/cerrors"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/task"
)

// CacheVendor detects and persists a node's hardware vendor tag the first
// time it is asked about: a no-op if properties.vendor is already set, a
// silent no-op if the management driver doesn't support detection, and a
// logged-and-swallowed no-op on any other detection failure.
func CacheVendor(ctx context.Context, t *task.Task) error {
	node := t.Node
	if node.Properties != nil {
		if _, ok := node.Properties["vendor"]; ok {
			return nil
		}
	}

	vendor, err := t.Drivers.Management.DetectVendor(ctx, node)
	if err != nil {
		var unsupported *cerrors.UnsupportedDriverExtension
		if errors.As(err, &unsupported) {
			return nil
		}
		log.WithNodeID(node.UUID).Warn().Err(err).Msg("vendor detection failed; leaving properties.vendor unset")
		return nil
	}
	if vendor == "" {
		return nil
	}

	if !t.Exclusive() {
		if err := t.UpgradeLock(); err != nil {
			return err
		}
	}

	if node.Properties == nil {
		node.Properties = make(map[string]any)
	}
	node.Properties["vendor"] = vendor
	return t.Save(ctx)
}
