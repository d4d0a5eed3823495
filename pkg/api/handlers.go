package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/dirkhh/adsb-feeder-boottest/pkg/metrics"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/queue"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/webhook"
)

// maxWebhookBody caps inbound webhook payloads at 1 MiB.
const maxWebhookBody = 1 << 20

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// webhookResponse summarizes how a release event was handled.
type webhookResponse struct {
	Status     string `json:"status"`
	Queued     int    `json:"queued"`
	Duplicates int    `json:"duplicates"`
	Ignored    int    `json:"ignored"`
}

// handleWebhook ingests a release notification: verify the HMAC signature
// over the raw body, filter the qualifying assets, and admit each one.
func (s *server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge,
				errorResponse{"payload too large"})

			return
		}

		writeJSON(w, http.StatusBadRequest,
			errorResponse{"reading request body"})

		return
	}

	if err := webhook.ValidateSignature(
		s.cfg.Webhook.Secret, body, r.Header.Get("X-Hub-Signature-256"),
	); err != nil {
		s.log.WithField("remote", r.RemoteAddr).
			Warn("Rejected webhook with invalid signature")
		writeJSON(w, http.StatusUnauthorized,
			errorResponse{"invalid signature"})

		return
	}

	ev, err := webhook.ParseReleaseEvent(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"malformed release event"})

		return
	}

	resp := webhookResponse{Status: "ok"}
	assets := s.filter.QualifyingAssets(ev, time.Now().UTC())

	if len(assets) == 0 {
		s.log.WithField("tag", ev.Release.TagName).
			Info("Release event had no qualifying assets")
		writeJSON(w, http.StatusOK, resp)

		return
	}

	gh := ev.GitHubContext()
	submitter := extractIP(r)

	for _, asset := range assets {
		outcome := s.admit(
			w, r, asset.BrowserDownloadURL, submitter,
			metrics.TriggeredWebhook, gh,
		)
		if outcome == nil {
			return
		}

		switch outcome.Status {
		case queue.StatusQueued:
			resp.Queued++
		case queue.StatusDuplicate:
			resp.Duplicates++
		case "ignored":
			resp.Ignored++
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleTrigger admits a single boot test submitted with the shared API
// key. Store-level duplicates of the same release are ignored; queue-level
// repeats inside the dedup window come back as duplicates.
func (s *server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req webhook.TriggerRequest

	if err := json.NewDecoder(
		http.MaxBytesReader(w, r.Body, maxWebhookBody),
	).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"malformed trigger request"})

		return
	}

	if req.URL == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"url is required"})

		return
	}

	outcome := s.admit(
		w, r, req.URL, extractIP(r), metrics.TriggeredManual, req.GitHub,
	)
	if outcome == nil {
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

// admit runs the two-layer duplicate check and enqueues the URL. A nil
// return means the error response has already been written.
func (s *server) admit(
	w http.ResponseWriter,
	r *http.Request,
	url, submitterIP, triggeredBy string,
	gh *metrics.GitHubContext,
) *webhook.TriggerResponse {
	var releaseID *int64
	if gh != nil {
		releaseID = gh.ReleaseID
	}

	// A rerun of the same release asset has nothing new to tell us.
	prev, err := s.store.CheckDuplicate(r.Context(), url, releaseID)
	if err != nil {
		s.log.WithError(err).Error("Duplicate check failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"duplicate check failed"})

		return nil
	}

	if prev != nil {
		s.log.WithFields(logrus.Fields{
			"url":      url,
			"previous": *prev,
		}).Info("Release asset already tested, ignoring")

		return &webhook.TriggerResponse{
			Status:         "ignored",
			PreviousTestID: *prev,
		}
	}

	result, err := s.queue.AddTest(
		r.Context(), url, submitterIP, triggeredBy, triggeredBy, gh,
	)
	if err != nil {
		s.log.WithError(err).Error("Enqueueing boot test failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"enqueueing boot test failed"})

		return nil
	}

	return &webhook.TriggerResponse{
		Status:         result.Status,
		TestID:         result.TestID,
		PreviousTestID: result.PreviousTestID,
	}
}

// statusResponse describes the live state of the service.
type statusResponse struct {
	QueueDepth int               `json:"queue_depth"`
	Running    *runningTest      `json:"running,omitempty"`
	Recent     []metrics.TestRun `json:"recent"`
}

type runningTest struct {
	TestID uint   `json:"test_id"`
	URL    string `json:"url"`
}

// handleStatus reports queue depth, the in-flight test, and recent results.
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	recent, err := s.store.RecentResults(r.Context(), 10)
	if err != nil {
		s.log.WithError(err).Error("Fetching recent results failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"fetching recent results failed"})

		return
	}

	resp := statusResponse{
		QueueDepth: s.queue.Depth(),
		Recent:     recent,
	}

	if item := s.queue.Running(); item != nil {
		resp.Running = &runningTest{TestID: item.RunID, URL: item.URL}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleResults lists recent test runs, optionally filtered by status or
// image version.
func (s *server) handleResults(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"invalid limit"})

			return
		}

		limit = n
	}

	var (
		runs []metrics.TestRun
		err  error
	)

	switch {
	case r.URL.Query().Get("status") != "":
		runs, err = s.store.ResultsByStatus(
			r.Context(), r.URL.Query().Get("status"), limit,
		)
	case r.URL.Query().Get("version") != "":
		runs, err = s.store.ResultsByVersion(
			r.Context(), r.URL.Query().Get("version"), limit,
		)
	default:
		runs, err = s.store.RecentResults(r.Context(), limit)
	}

	if err != nil {
		s.log.WithError(err).Error("Fetching results failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"fetching results failed"})

		return
	}

	writeJSON(w, http.StatusOK, runs)
}

// handleResultByID returns one test run.
func (s *server) handleResultByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid id"})

		return
	}

	run, err := s.store.GetTest(r.Context(), uint(id))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{"test not found"})

		return
	}

	if err != nil {
		s.log.WithError(err).Error("Fetching test failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"fetching test failed"})

		return
	}

	writeJSON(w, http.StatusOK, run)
}

// handleFlushQueue discards all pending tests and the dedup cache.
func (s *server) handleFlushQueue(w http.ResponseWriter, _ *http.Request) {
	flushed := s.queue.Flush()

	s.log.WithField("flushed", flushed).Info("Queue flushed")

	writeJSON(w, http.StatusOK, map[string]int{"flushed": flushed})
}
