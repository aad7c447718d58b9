package dispatch

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/animus-labs/rangekeeper/internal/domain"
)

const defaultRegistry = "docker.io"

// ImagePolicy decides which workload images may run. A reference must be
// pinned by sha256 digest and live under an allowlisted repository prefix.
// When a repository has pinned digests only those digests are accepted.
type ImagePolicy struct {
	AllowedRegistries []string            `yaml:"allowed_registries"`
	PinnedDigests     map[string][]string `yaml:"pinned_digests,omitempty"`
}

func (p ImagePolicy) Validate() error {
	if len(p.AllowedRegistries) == 0 {
		return fmt.Errorf("image policy: at least one allowed registry is required")
	}
	for _, entry := range p.AllowedRegistries {
		if strings.TrimSpace(entry) == "" {
			return fmt.Errorf("image policy: empty allowed registry entry")
		}
	}
	for repository, digests := range p.PinnedDigests {
		for _, digest := range digests {
			if !isSHA256Digest(digest) {
				return fmt.Errorf("image policy: pinned digest %q for %s is not sha256", digest, repository)
			}
		}
	}
	return nil
}

// ImageRef is a parsed, digest-pinned image reference.
type ImageRef struct {
	Repository string
	Digest     string
}

func (r ImageRef) String() string {
	return r.Repository + "@" + r.Digest
}

// Verify returns the pinned reference or an error wrapping
// domain.ErrUntrustedImage. It never consults the network.
func (p ImagePolicy) Verify(ref string) (ImageRef, error) {
	parsed, err := parseImageRef(ref)
	if err != nil {
		return ImageRef{}, fmt.Errorf("%w: %v", domain.ErrUntrustedImage, err)
	}
	if !p.repositoryAllowed(parsed.Repository) {
		return ImageRef{}, fmt.Errorf("%w: %s is not in an approved registry", domain.ErrUntrustedImage, parsed.Repository)
	}
	if pinned, ok := p.pinnedFor(parsed.Repository); ok {
		for _, digest := range pinned {
			if strings.EqualFold(strings.TrimSpace(digest), parsed.Digest) {
				return parsed, nil
			}
		}
		return ImageRef{}, fmt.Errorf("%w: digest %s is not pinned for %s", domain.ErrUntrustedImage, parsed.Digest, parsed.Repository)
	}
	return parsed, nil
}

func (p ImagePolicy) repositoryAllowed(repository string) bool {
	for _, entry := range p.AllowedRegistries {
		prefix := strings.TrimRight(strings.ToLower(strings.TrimSpace(entry)), "/")
		if prefix == "" {
			continue
		}
		if repository == prefix || strings.HasPrefix(repository, prefix+"/") {
			return true
		}
	}
	return false
}

func (p ImagePolicy) pinnedFor(repository string) ([]string, bool) {
	for key, digests := range p.PinnedDigests {
		if normalizeRepository(key) == repository {
			return digests, true
		}
	}
	return nil, false
}

// parseImageRef accepts name[:tag]@sha256:<64 hex>. The tag is dropped; the
// digest is what runs.
func parseImageRef(ref string) (ImageRef, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ImageRef{}, fmt.Errorf("image reference is required")
	}
	at := strings.LastIndex(ref, "@")
	if at <= 0 || at == len(ref)-1 {
		return ImageRef{}, fmt.Errorf("image %q is not pinned by digest", ref)
	}
	digest := strings.ToLower(strings.TrimSpace(ref[at+1:]))
	if !isSHA256Digest(digest) {
		return ImageRef{}, fmt.Errorf("image %q digest is not sha256", ref)
	}
	name := ref[:at]
	if slash := strings.LastIndex(name, "/"); strings.LastIndex(name, ":") > slash {
		name = name[:strings.LastIndex(name, ":")]
	}
	repository := normalizeRepository(name)
	if repository == "" {
		return ImageRef{}, fmt.Errorf("image %q has no repository", ref)
	}
	return ImageRef{Repository: repository, Digest: digest}, nil
}

// normalizeRepository lowercases the name and adds the default registry to
// bare Docker Hub names.
func normalizeRepository(name string) string {
	name = strings.Trim(strings.ToLower(strings.TrimSpace(name)), "/")
	if name == "" {
		return ""
	}
	first, _, found := strings.Cut(name, "/")
	if !found || (!strings.ContainsAny(first, ".:") && first != "localhost") {
		return defaultRegistry + "/" + name
	}
	return name
}

func isSHA256Digest(value string) bool {
	value = strings.ToLower(strings.TrimSpace(value))
	if !strings.HasPrefix(value, "sha256:") {
		return false
	}
	hexPart := strings.TrimPrefix(value, "sha256:")
	if len(hexPart) != 64 {
		return false
	}
	_, err := hex.DecodeString(hexPart)
	return err == nil
}
