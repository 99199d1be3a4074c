package secrets

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const latestVersion = "latest"

// Reference is a parsed secret://name[?version=N&project=P] URI.
type Reference struct {
	Canonical string
	Name      string
	Version   string
	Project   string
}

// ParseReference accepts secret:// and the legacy sm:// scheme.
func ParseReference(raw string) (Reference, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Reference{}, errors.New("secrets: empty reference")
	}
	if strings.HasPrefix(trimmed, "sm://") {
		trimmed = "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return Reference{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != "secret" {
		return Reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return Reference{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}

	query := u.Query()
	canonical := *u
	canonical.RawQuery = ""
	canonical.Fragment = ""

	version := strings.TrimSpace(query.Get("version"))
	if version == "" {
		version = latestVersion
	}
	return Reference{
		Canonical: canonical.String(),
		Name:      strings.ReplaceAll(name, "/", "-"),
		Version:   version,
		Project:   strings.TrimSpace(query.Get("project")),
	}, nil
}

// ResourceName renders the Secret Manager version resource for the project.
func (r Reference) ResourceName(project string) string {
	if r.Project != "" {
		project = r.Project
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, r.Name, r.Version)
}

func (r Reference) cacheKey() string {
	return r.Canonical + "#" + r.Version
}

// masked hides the reference in metric attributes.
func (r Reference) masked() string {
	sum := sha256.Sum256([]byte(r.Canonical))
	return hex.EncodeToString(sum[:8])
}
