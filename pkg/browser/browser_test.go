package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVerifier() *WizardVerifier {
	v := NewWizardVerifier(logrus.New())
	v.PollInterval = 10 * time.Millisecond
	v.PollBudget = 500 * time.Millisecond

	return v
}

// wizardAppliance emulates a feeder that shows the setup wizard until the
// form is submitted, then switches to the homepage.
type wizardAppliance struct {
	configured atomic.Bool
}

func (a *wizardAppliance) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		if a.configured.Load() {
			fmt.Fprint(w, "<html>ADS-B Feeder Home</html>")

			return
		}

		fmt.Fprint(w, `<html><form id="feeder-setup">Setup</form></html>`)
	})

	mux.HandleFunc("/setup", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

			return
		}

		if r.FormValue("site_name") == "" {
			http.Error(w, "missing site name", http.StatusBadRequest)

			return
		}

		a.configured.Store(true)
		fmt.Fprint(w, "ok")
	})

	return mux
}

func TestWizardVerifier_Passes(t *testing.T) {
	appliance := &wizardAppliance{}
	ts := httptest.NewServer(appliance.handler())
	defer ts.Close()

	err := newTestVerifier().Verify(context.Background(), ts.URL)
	require.NoError(t, err)
	assert.True(t, appliance.configured.Load())
}

func TestWizardVerifier_FailsWhenWizardAbsent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, "<html>already configured feeder</html>")
		},
	))
	defer ts.Close()

	err := newTestVerifier().Verify(context.Background(), ts.URL)
	require.ErrorIs(t, err, ErrVerificationFailed)
}

func TestWizardVerifier_FailsWhenWizardNeverCompletes(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			// The wizard accepts the form but never leaves setup mode.
			fmt.Fprint(w, `<html><form id="feeder-setup">Setup</form></html>`)
		},
	))
	defer ts.Close()

	err := newTestVerifier().Verify(context.Background(), ts.URL)
	require.ErrorIs(t, err, ErrVerificationFailed)
}

func TestWizardVerifier_TransportErrorIsNotAVerdict(t *testing.T) {
	err := newTestVerifier().Verify(
		context.Background(), "http://127.0.0.1:1",
	)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrVerificationFailed)
}
