package schema

import (
	"embed"
	"fmt"
	"path"
	"strings"

	"github.com/seu-repo/ocpp-gateway/internal/domain"
)

//go:embed bundled/v16/*.json bundled/v201/*.json bundled/v21/*.json
var bundledSchemas embed.FS

var bundledVersionDirs = map[string]domain.OCPPVersion{
	"v16":  domain.V16,
	"v201": domain.V201,
	"v21":  domain.V21,
}

// RegisterBundled loads the gateway's baked-in core-profile request
// schemas (BootNotification, Heartbeat, StatusNotification, the
// transaction-lifecycle actions, Authorize, DataTransfer) for every
// supported version. This is a deliberately partial set covering the
// actions this engine implements (§4.C) — not a full OCPP-J schema
// bundle, which upstream vendors distribute separately and which
// SPEC_FULL.md does not require the gateway to carry.
func RegisterBundled(r *Registry) error {
	for dir, version := range bundledVersionDirs {
		entries, err := bundledSchemas.ReadDir(path.Join("bundled", dir))
		if err != nil {
			return fmt.Errorf("schema: read bundled dir %s: %w", dir, err)
		}
		for _, entry := range entries {
			name := entry.Name()
			action, isRequest, ok := parseBundledName(name)
			if !ok {
				continue
			}
			raw, err := bundledSchemas.ReadFile(path.Join("bundled", dir, name))
			if err != nil {
				return fmt.Errorf("schema: read %s/%s: %w", dir, name, err)
			}
			if err := r.Register(version, action, isRequest, raw); err != nil {
				return fmt.Errorf("schema: register %s/%s: %w", version, action, err)
			}
		}
	}
	return nil
}

// parseBundledName splits "Action.request.json" / "Action.response.json"
// into its action name and request/response flag.
func parseBundledName(name string) (action string, isRequest bool, ok bool) {
	base := strings.TrimSuffix(name, ".json")
	switch {
	case strings.HasSuffix(base, ".request"):
		return strings.TrimSuffix(base, ".request"), true, true
	case strings.HasSuffix(base, ".response"):
		return strings.TrimSuffix(base, ".response"), false, true
	default:
		return "", false, false
	}
}
