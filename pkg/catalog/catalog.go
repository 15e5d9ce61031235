// Package catalog manages versioned resource registration: playbooks,
// credentials, and auxiliary resource kinds live in an immutable
// version history keyed by path. Registration is content-addressed;
// re-registering identical content is acknowledged without writing.
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/noetl/noetl/pkg/errdef"
	"github.com/noetl/noetl/pkg/identity"
	"github.com/noetl/noetl/pkg/log"
	"github.com/noetl/noetl/pkg/metrics"
	"github.com/noetl/noetl/pkg/playbook"
	"github.com/noetl/noetl/pkg/storage"
	"github.com/noetl/noetl/pkg/types"
)

// initialVersion is assigned to the first registration of a path
const initialVersion = "0.1.0"

// registerRetries bounds the re-read loop when concurrent registers
// race for the same next version.
const registerRetries = 3

// Service registers and resolves catalog resources
type Service struct {
	store storage.Store
	ids   *identity.Generator

	// KnownKind reports whether a tool kind is executable. Nil skips
	// the check so the catalog does not depend on the tool registry.
	KnownKind func(kind string) bool
}

// NewService creates a catalog service
func NewService(store storage.Store, ids *identity.Generator) *Service {
	return &Service{store: store, ids: ids}
}

// Result reports the outcome of a registration
type Result struct {
	Status types.RegisterStatus `json:"status"`
	Entry  *types.CatalogEntry  `json:"entry"`
}

// Register parses a YAML resource, fingerprints its normalized form,
// and stores it as a new version unless the latest version already has
// identical content.
func (s *Service) Register(ctx context.Context, source []byte, origin string) (*Result, error) {
	path, resourceType, normalized, err := s.normalize(source)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(normalized)
	fingerprint := hex.EncodeToString(sum[:])

	for attempt := 0; attempt < registerRetries; attempt++ {
		latest, err := s.store.GetCatalogLatest(ctx, path)
		switch {
		case err == nil:
			if latest.Fingerprint == fingerprint {
				s.emitResourceEvent(ctx, types.EventResourceUnchanged, latest)
				return &Result{Status: types.RegisterStatusUnchanged, Entry: latest}, nil
			}
			entry, err := s.insert(ctx, path, types.NextVersion(latest.Version), resourceType, origin, fingerprint, normalized)
			if errors.Is(err, storage.ErrDuplicate) {
				continue
			}
			if err != nil {
				return nil, err
			}
			s.emitResourceEvent(ctx, types.EventResourceUpdated, entry)
			return &Result{Status: types.RegisterStatusUpdated, Entry: entry}, nil

		case errors.Is(err, storage.ErrNotFound):
			entry, err := s.insert(ctx, path, initialVersion, resourceType, origin, fingerprint, normalized)
			if errors.Is(err, storage.ErrDuplicate) {
				continue
			}
			if err != nil {
				return nil, err
			}
			s.emitResourceEvent(ctx, types.EventResourceRegistered, entry)
			return &Result{Status: types.RegisterStatusRegistered, Entry: entry}, nil

		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("register %s: lost version race %d times", path, registerRetries)
}

func (s *Service) insert(ctx context.Context, path, version string, resourceType types.ResourceType, origin, fingerprint string, payload []byte) (*types.CatalogEntry, error) {
	entry := &types.CatalogEntry{
		ID:          s.ids.Next(),
		Path:        path,
		Version:     version,
		Type:        resourceType,
		Source:      origin,
		Fingerprint: fingerprint,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.PutCatalogEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// normalize parses the source, validates it, and produces the
// deterministic JSON whose hash identifies the content.
func (s *Service) normalize(source []byte) (path string, resourceType types.ResourceType, normalized []byte, err error) {
	var probe struct {
		Kind     string `yaml:"kind"`
		Metadata struct {
			Name string `yaml:"name"`
			Path string `yaml:"path"`
		} `yaml:"metadata"`
	}
	if err := yaml.Unmarshal(source, &probe); err != nil {
		return "", "", nil, errdef.Validation("invalid resource YAML: %v", err)
	}

	switch probe.Kind {
	case playbook.KindPlaybook:
		pb, err := playbook.Parse(source)
		if err != nil {
			return "", "", nil, err
		}
		if err := pb.Normalize(); err != nil {
			return "", "", nil, err
		}
		if err := pb.Validate(s.KnownKind); err != nil {
			return "", "", nil, err
		}
		normalized, err := pb.NormalizedJSON()
		if err != nil {
			return "", "", nil, err
		}
		return pb.Metadata.Path, types.ResourcePlaybook, normalized, nil

	case string(types.ResourceCredential):
		return normalizeCredential(source)

	case string(types.ResourceWorkflow), string(types.ResourceTask), string(types.ResourceAction), string(types.ResourceTarget):
		path := probe.Metadata.Path
		if path == "" {
			path = probe.Metadata.Name
		}
		if path == "" {
			return "", "", nil, errdef.Validation("%s resource needs metadata.name or metadata.path", probe.Kind)
		}
		var doc map[string]any
		if err := yaml.Unmarshal(source, &doc); err != nil {
			return "", "", nil, errdef.Validation("invalid %s YAML: %v", probe.Kind, err)
		}
		normalized, err := json.Marshal(doc)
		if err != nil {
			return "", "", nil, err
		}
		return path, types.ResourceType(probe.Kind), normalized, nil

	case "":
		return "", "", nil, errdef.Validation("resource is missing kind")
	default:
		return "", "", nil, errdef.Validation("unsupported resource kind %q", probe.Kind)
	}
}

// credentialResource is the YAML shape of a registered credential
type credentialResource struct {
	APIVersion string `yaml:"apiVersion,omitempty" json:"apiVersion,omitempty"`
	Kind       string `yaml:"kind" json:"kind"`
	Metadata   struct {
		Name        string `yaml:"name" json:"name"`
		Path        string `yaml:"path,omitempty" json:"path,omitempty"`
		Description string `yaml:"description,omitempty" json:"description,omitempty"`
	} `yaml:"metadata" json:"metadata"`
	Type types.CredentialType `yaml:"type" json:"type"`
	Data map[string]string    `yaml:"data" json:"data"`
	Meta map[string]string    `yaml:"meta,omitempty" json:"meta,omitempty"`
}

func normalizeCredential(source []byte) (string, types.ResourceType, []byte, error) {
	var cred credentialResource
	if err := yaml.Unmarshal(source, &cred); err != nil {
		return "", "", nil, errdef.Validation("invalid credential YAML: %v", err)
	}
	path := cred.Metadata.Path
	if path == "" {
		path = cred.Metadata.Name
	}
	if path == "" {
		return "", "", nil, errdef.Validation("credential needs metadata.name")
	}
	if cred.Type == "" {
		return "", "", nil, errdef.Validation("credential %s needs a type", path)
	}
	if len(cred.Data) == 0 {
		return "", "", nil, errdef.Validation("credential %s has no data", path)
	}
	normalized, err := json.Marshal(&cred)
	if err != nil {
		return "", "", nil, err
	}
	return path, types.ResourceCredential, normalized, nil
}

// Fetch resolves a path and version. Empty version or "latest" means
// the highest registered version.
func (s *Service) Fetch(ctx context.Context, path, version string) (*types.CatalogEntry, error) {
	if version == "" || version == "latest" {
		return s.store.GetCatalogLatest(ctx, path)
	}
	return s.store.GetCatalogEntry(ctx, path, version)
}

// FetchPlaybook resolves and decodes a playbook resource
func (s *Service) FetchPlaybook(ctx context.Context, path, version string) (*playbook.Playbook, *types.CatalogEntry, error) {
	entry, err := s.Fetch(ctx, path, version)
	if err != nil {
		return nil, nil, err
	}
	if entry.Type != types.ResourcePlaybook {
		return nil, nil, errdef.Validation("%s@%s is a %s, not a playbook", entry.Path, entry.Version, entry.Type)
	}
	pb, err := playbook.FromJSON(entry.Payload)
	if err != nil {
		return nil, nil, err
	}
	return pb, entry, nil
}

// FetchCredential resolves the latest version of a credential by key
func (s *Service) FetchCredential(ctx context.Context, key string) (*types.Credential, error) {
	entry, err := s.Fetch(ctx, key, "latest")
	if err != nil {
		return nil, err
	}
	if entry.Type != types.ResourceCredential {
		return nil, errdef.Validation("%s is a %s, not a credential", key, entry.Type)
	}
	var cred credentialResource
	if err := json.Unmarshal(entry.Payload, &cred); err != nil {
		return nil, err
	}
	return &types.Credential{Type: cred.Type, Data: cred.Data, Meta: cred.Meta}, nil
}

// List returns catalog entries, optionally filtered by type
func (s *Service) List(ctx context.Context, resourceType types.ResourceType) ([]*types.CatalogEntry, error) {
	return s.store.ListCatalog(ctx, resourceType)
}

// emitResourceEvent appends a catalog lifecycle event. Catalog events
// carry no execution and identify the resource by path and version.
// The payload never includes resource content; credential data must
// not leak into the event log.
func (s *Service) emitResourceEvent(ctx context.Context, eventType types.EventType, entry *types.CatalogEntry) {
	ev := &types.Event{
		ID:              s.ids.Next(),
		Type:            eventType,
		NodeName:        "catalog",
		Status:          string(types.RegisterStatusRegistered),
		ResourcePath:    entry.Path,
		ResourceVersion: entry.Version,
		Payload: map[string]any{
			"resource_type": string(entry.Type),
			"fingerprint":   entry.Fingerprint,
		},
		CreatedAt: time.Now().UTC(),
	}
	switch eventType {
	case types.EventResourceUpdated:
		ev.Status = string(types.RegisterStatusUpdated)
	case types.EventResourceUnchanged:
		ev.Status = string(types.RegisterStatusUnchanged)
	}
	metrics.CatalogRegistrations.WithLabelValues(ev.Status).Inc()
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		lg := log.WithComponent("catalog")
		lg.Error().Err(err).
			Str("path", entry.Path).Msg("failed to append catalog event")
	}
}
