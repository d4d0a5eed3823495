package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirkhh/adsb-feeder-boottest/pkg/config"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestValidateSignature(t *testing.T) {
	body := []byte(`{"action":"published"}`)

	tests := []struct {
		name    string
		secret  string
		header  string
		wantErr bool
	}{
		{
			name:   "valid signature",
			secret: "s3cret",
			header: sign("s3cret", body),
		},
		{
			name:    "wrong secret",
			secret:  "s3cret",
			header:  sign("other", body),
			wantErr: true,
		},
		{
			name:    "missing prefix",
			secret:  "s3cret",
			header:  hex.EncodeToString(make([]byte, 32)),
			wantErr: true,
		},
		{
			name:    "undecodable hex",
			secret:  "s3cret",
			header:  "sha256=zzzz",
			wantErr: true,
		},
		{
			name:    "no secret configured",
			secret:  "",
			header:  sign("", body),
			wantErr: true,
		},
		{
			name:    "empty header",
			secret:  "s3cret",
			header:  "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSignature(tt.secret, body, tt.header)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnauthenticated)

				return
			}

			assert.NoError(t, err)
		})
	}
}

func TestParseReleaseEvent(t *testing.T) {
	body, err := json.Marshal(map[string]any{
		"action": "published",
		"release": map[string]any{
			"id":       int64(777),
			"tag_name": "v2.1.4",
			"assets": []map[string]any{
				{
					"name":                 "feeder.img.xz",
					"browser_download_url": "https://github.com/o/r/releases/download/v2.1.4/feeder.img.xz",
					"created_at":           time.Now().UTC().Format(time.RFC3339),
				},
			},
		},
	})
	require.NoError(t, err)

	ev, err := ParseReleaseEvent(body)
	require.NoError(t, err)
	assert.Equal(t, "published", ev.Action)
	assert.Equal(t, int64(777), ev.Release.ID)
	require.Len(t, ev.Release.Assets, 1)

	gh := ev.GitHubContext()
	assert.Equal(t, "release", gh.EventType)
	require.NotNil(t, gh.ReleaseID)
	assert.Equal(t, int64(777), *gh.ReleaseID)

	_, err = ParseReleaseEvent([]byte("not json"))
	assert.Error(t, err)
}

func testFilter(variant string) *Filter {
	return NewFilter(logrus.New(), &config.WebhookConfig{
		Repo:            "dirkhh/adsb-feeder-image",
		Target:          "raspberrypi64",
		Variant:         variant,
		StalenessWindow: 30 * time.Minute,
	})
}

func downloadURL(name string) string {
	return "https://github.com/dirkhh/adsb-feeder-image/releases/download/v2.1.4/" + name
}

func TestFilter_QualifyingAssets(t *testing.T) {
	now := time.Now().UTC()

	event := func(tag string, assets ...Asset) *ReleaseEvent {
		return &ReleaseEvent{
			Action:  "published",
			Release: Release{ID: 1, TagName: tag, Assets: assets},
		}
	}

	fresh := func(name string) Asset {
		return Asset{
			Name:               name,
			BrowserDownloadURL: downloadURL(name),
			CreatedAt:          now.Add(-time.Minute),
		}
	}

	t.Run("matching variant among pi numbers", func(t *testing.T) {
		got := testFilter("4").QualifyingAssets(event("v2.1.4",
			fresh("adsb-feeder-raspberrypi64-pi-2-3-4-v2.1.4.img.xz"),
		), now)
		assert.Len(t, got, 1)
	})

	t.Run("variant not in pi numbers", func(t *testing.T) {
		got := testFilter("5").QualifyingAssets(event("v2.1.4",
			fresh("adsb-feeder-raspberrypi64-pi-2-3-4-v2.1.4.img.xz"),
		), now)
		assert.Empty(t, got)
	})

	t.Run("wrong target platform", func(t *testing.T) {
		got := testFilter("4").QualifyingAssets(event("v2.1.4",
			fresh("adsb-feeder-odroidc4-pi-2-3-4-v2.1.4.img.xz"),
		), now)
		assert.Empty(t, got)
	})

	t.Run("test build hash must appear in asset name", func(t *testing.T) {
		qualifying := fresh(
			"adsb-feeder-raspberrypi64-pi-2-3-4-v2.1.4-a1b2c3d.img.xz")
		stale := fresh(
			"adsb-feeder-raspberrypi64-pi-2-3-4-v2.1.4.img.xz")

		got := testFilter("4").QualifyingAssets(
			event("v2.1.4-beta-a1b2c3d", qualifying, stale), now,
		)
		require.Len(t, got, 1)
		assert.Equal(t, qualifying.Name, got[0].Name)
	})

	t.Run("stale asset rejected", func(t *testing.T) {
		old := Asset{
			Name:               "adsb-feeder-raspberrypi64-pi-2-3-4-v2.1.4.img.xz",
			BrowserDownloadURL: downloadURL("adsb-feeder-raspberrypi64-pi-2-3-4-v2.1.4.img.xz"),
			CreatedAt:          now.Add(-2 * time.Hour),
		}

		got := testFilter("4").QualifyingAssets(event("v2.1.4", old), now)
		assert.Empty(t, got)
	})

	t.Run("download url outside the repo rejected", func(t *testing.T) {
		bad := Asset{
			Name:               "adsb-feeder-raspberrypi64-pi-2-3-4-v2.1.4.img.xz",
			BrowserDownloadURL: "https://github.com/evil/repo/releases/download/v2.1.4/x.img.xz",
			CreatedAt:          now.Add(-time.Minute),
		}

		got := testFilter("4").QualifyingAssets(event("v2.1.4", bad), now)
		assert.Empty(t, got)
	})
}

func TestValidateAssetURL(t *testing.T) {
	const repo = "dirkhh/adsb-feeder-image"

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{
			name: "canonical release asset",
			url:  "https://github.com/dirkhh/adsb-feeder-image/releases/download/v2.1.4/feeder.img.xz",
		},
		{
			name:    "http scheme",
			url:     "http://github.com/dirkhh/adsb-feeder-image/releases/download/v2.1.4/feeder.img.xz",
			wantErr: true,
		},
		{
			name:    "wrong host",
			url:     "https://example.com/dirkhh/adsb-feeder-image/releases/download/v2.1.4/feeder.img.xz",
			wantErr: true,
		},
		{
			name:    "wrong repository",
			url:     "https://github.com/someone/else/releases/download/v2.1.4/feeder.img.xz",
			wantErr: true,
		},
		{
			name:    "not a release download path",
			url:     "https://github.com/dirkhh/adsb-feeder-image/archive/main.zip",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAssetURL(tt.url, repo)
			if tt.wantErr {
				assert.Error(t, err)

				return
			}

			assert.NoError(t, err)
		})
	}
}
