// Package webhook validates inbound release notifications, filters the
// qualifying binaries, and hands them to the boot-test trigger API.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dirkhh/adsb-feeder-boottest/pkg/config"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/metrics"
)

// ErrUnauthenticated covers every signature-validation failure: missing
// secret, malformed header, and digest mismatch all look the same to the
// caller.
var ErrUnauthenticated = errors.New("webhook signature validation failed")

const signaturePrefix = "sha256="

// ValidateSignature checks the X-Hub-Signature-256 header against an
// HMAC-SHA256 of the raw request body. Comparison is constant-time.
func ValidateSignature(secret string, body []byte, header string) error {
	if secret == "" {
		return fmt.Errorf("%w: no secret configured", ErrUnauthenticated)
	}

	if !strings.HasPrefix(header, signaturePrefix) {
		return fmt.Errorf("%w: malformed signature header", ErrUnauthenticated)
	}

	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return fmt.Errorf("%w: undecodable signature", ErrUnauthenticated)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	if !hmac.Equal(got, mac.Sum(nil)) {
		return fmt.Errorf("%w: signature mismatch", ErrUnauthenticated)
	}

	return nil
}

// Asset is one release artifact from the event payload.
type Asset struct {
	Name               string    `json:"name"`
	BrowserDownloadURL string    `json:"browser_download_url"`
	CreatedAt          time.Time `json:"created_at"`
}

// Release is the release object from the event payload.
type Release struct {
	ID         int64   `json:"id"`
	TagName    string  `json:"tag_name"`
	Prerelease bool    `json:"prerelease"`
	Assets     []Asset `json:"assets"`
}

// ReleaseEvent is an inbound release notification.
type ReleaseEvent struct {
	Action  string  `json:"action"`
	Release Release `json:"release"`
}

// ParseReleaseEvent decodes the raw webhook body.
func ParseReleaseEvent(body []byte) (*ReleaseEvent, error) {
	var ev ReleaseEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("parsing release event: %w", err)
	}

	return &ev, nil
}

// GitHubContext builds the correlation payload forwarded with each
// qualifying asset.
func (ev *ReleaseEvent) GitHubContext() *metrics.GitHubContext {
	id := ev.Release.ID

	return &metrics.GitHubContext{
		EventType: "release",
		ReleaseID: &id,
	}
}

var (
	// piVariantPattern captures the board revision numbers out of names
	// like "adsb-feeder-raspberrypi64-pi-2-3-4-v2.1.4.img.xz".
	piVariantPattern = regexp.MustCompile(`pi-((?:\d+-)*\d+)`)

	// testBuildPattern matches release tags carrying a short content
	// hash, e.g. "v2.1.4-beta-a1b2c3d".
	testBuildPattern = regexp.MustCompile(`-([0-9a-f]{7,10})$`)
)

// Filter selects the qualifying binaries out of a release event.
type Filter struct {
	log logrus.FieldLogger
	cfg *config.WebhookConfig
}

// NewFilter creates a Filter from the webhook naming rules.
func NewFilter(log logrus.FieldLogger, cfg *config.WebhookConfig) *Filter {
	return &Filter{
		log: log.WithField("component", "webhook"),
		cfg: cfg,
	}
}

// QualifyingAssets returns the release assets that pass the naming,
// freshness, and URL-shape rules.
func (f *Filter) QualifyingAssets(ev *ReleaseEvent, now time.Time) []Asset {
	// Test builds are tagged with a short content hash; their assets must
	// carry the same hash so a stale asset from a differently-tagged test
	// build can never be picked up.
	var requiredHash string
	if m := testBuildPattern.FindStringSubmatch(ev.Release.TagName); m != nil {
		requiredHash = m[1]
	}

	var out []Asset

	for _, asset := range ev.Release.Assets {
		log := f.log.WithField("asset", asset.Name)

		if !f.nameQualifies(asset.Name) {
			log.Debug("Asset rejected by naming rules")

			continue
		}

		if requiredHash != "" && !strings.Contains(asset.Name, requiredHash) {
			log.WithField("hash", requiredHash).
				Info("Asset rejected: missing test-build hash")

			continue
		}

		if now.Sub(asset.CreatedAt) > f.cfg.StalenessWindow {
			log.WithField("created_at", asset.CreatedAt).
				Info("Asset rejected: stale")

			continue
		}

		if err := ValidateAssetURL(
			asset.BrowserDownloadURL, f.cfg.Repo,
		); err != nil {
			log.WithError(err).Info("Asset rejected: bad download URL")

			continue
		}

		out = append(out, asset)
	}

	return out
}

// nameQualifies checks the target platform and build-variant naming rules.
func (f *Filter) nameQualifies(name string) bool {
	if !strings.Contains(name, f.cfg.Target) {
		return false
	}

	if f.cfg.Variant == "" {
		return true
	}

	m := piVariantPattern.FindStringSubmatch(name)
	if m == nil {
		return false
	}

	for _, num := range strings.Split(m[1], "-") {
		if num == f.cfg.Variant {
			return true
		}
	}

	return false
}

// ValidateAssetURL requires the canonical release-asset path shape on the
// expected host and repository. Anything else is rejected at the boundary.
func ValidateAssetURL(rawURL, repo string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid asset url: %w", err)
	}

	if u.Scheme != "https" || u.Host != "github.com" {
		return fmt.Errorf("asset url %q: not a github.com https url", rawURL)
	}

	prefix := "/" + repo + "/releases/download/"
	if repo == "" {
		// Without a configured repo the path shape is still enforced.
		if !strings.Contains(u.Path, "/releases/download/") {
			return fmt.Errorf("asset url %q: not a release asset path", rawURL)
		}

		return nil
	}

	if !strings.HasPrefix(u.Path, prefix) {
		return fmt.Errorf(
			"asset url %q: not under %s", rawURL, prefix,
		)
	}

	return nil
}
