// Copyright 2025 The telemetry-relay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/teleoplab/relay/common"
	"github.com/teleoplab/relay/relay"
	"github.com/teleoplab/relay/users"
)

// APIRestTelemetryHandler REST handler for the telemetry relay
type APIRestTelemetryHandler struct {
	goutils.RestAPIHandler
	store       relay.SnapshotStore
	broadcast   relay.Broadcaster
	apiKeys     users.APIKeyAuthenticator
	sessions    users.SessionAuthenticator
	streamParam relay.StreamSessionParam
	validate    *validator.Validate
	baseContext context.Context
	wg          *sync.WaitGroup
}

// GetAPIRestTelemetryHandler define APIRestTelemetryHandler
func GetAPIRestTelemetryHandler(
	baseContext context.Context,
	httpConfig *common.HTTPConfig,
	fanoutConfig common.FanoutConfig,
	store relay.SnapshotStore,
	broadcast relay.Broadcaster,
	apiKeys users.APIKeyAuthenticator,
	sessions users.SessionAuthenticator,
	wg *sync.WaitGroup,
) (APIRestTelemetryHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "telemetry-relay",
	}
	return APIRestTelemetryHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		store:     store,
		broadcast: broadcast,
		apiKeys:   apiKeys,
		sessions:  sessions,
		streamParam: relay.StreamSessionParam{
			QueuePollInterval: time.Second * time.Duration(fanoutConfig.QueuePollIntervalSec),
			KeepaliveInterval: time.Second * time.Duration(fanoutConfig.KeepaliveIntervalSec),
		},
		validate:    validator.New(),
		baseContext: baseContext,
		wg:          wg,
	}, nil
}

// =======================================================================
// Request authentication

// sessionPrincipal resolve the caller from a browser session cookie
func (h APIRestTelemetryHandler) sessionPrincipal(r *http.Request) *users.Principal {
	return h.sessions.AuthenticateRequest(r)
}

// apiKeyPrincipal resolve the caller from the X-API-Key header
func (h APIRestTelemetryHandler) apiKeyPrincipal(r *http.Request) *users.Principal {
	principal, err := h.apiKeys.Authenticate(r.Header.Get("X-API-Key"))
	if err != nil {
		log.WithError(err).WithFields(h.GetLogTagsForContext(r.Context())).Error(
			"API key verification failed",
		)
		return nil
	}
	return principal
}

// callerPrincipal resolve the caller from either credential mode. The two
// checks are independent; either one passing is sufficient.
func (h APIRestTelemetryHandler) callerPrincipal(r *http.Request) *users.Principal {
	if principal := h.sessionPrincipal(r); principal != nil {
		return principal
	}
	return h.apiKeyPrincipal(r)
}

// =======================================================================
// Telemetry publish

// APIRestRespIngest response of a successful publish
type APIRestRespIngest struct {
	// OK indicates the payload was accepted
	OK bool `json:"ok"`
}

// Ingest godoc
// @Summary Publish a telemetry snapshot
// @Description Store a JSON object payload as the new latest snapshot and
// broadcast it to all connected stream subscribers. The payload replaces any
// prior snapshot whole.
// @tags Relay
// @Accept json
// @Produce json
// @Param Relay-Request-ID header string false "User provided request ID to match against logs"
// @Param X-API-Key header string true "Publisher API key"
// @Param payload body object true "Telemetry payload"
// @Success 200 {object} APIRestRespIngest "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /api/ingest [post]
func (h APIRestTelemetryHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	// Publishing requires an API key. No relay state is touched before the
	// caller is verified.
	caller := h.apiKeyPrincipal(r)
	if caller == nil {
		msg := "Unauthorized"
		log.WithFields(localLogTags).Info(msg)
		respCode = http.StatusUnauthorized
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusUnauthorized, msg, "missing or invalid API key",
		)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		msg := "Failed to read request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	// The payload must be a JSON object. Contents are opaque beyond that.
	var asObject map[string]json.RawMessage
	if err := json.Unmarshal(body, &asObject); err != nil || asObject == nil {
		msg := "Payload is not a JSON object"
		log.WithFields(localLogTags).Info(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	compacted := new(bytes.Buffer)
	if err := json.Compact(compacted, body); err != nil {
		msg := "Unable to compact payload"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	snapshot := h.store.Publish(json.RawMessage(compacted.Bytes()), caller.Identity)

	envelope, err := relay.NewEnvelope(snapshot).Serialize()
	if err != nil {
		msg := "Unable to serialize broadcast envelope"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	h.broadcast.Broadcast(envelope)

	respCode = http.StatusOK
	respBody = APIRestRespIngest{OK: true}
}

// IngestHandler Wrapper around Ingest
func (h APIRestTelemetryHandler) IngestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ingest(w, r)
	}
}

// =======================================================================
// Latest snapshot fetch

// APIRestRespLatest the current snapshot. Both fields are null before the
// first publish.
type APIRestRespLatest struct {
	// ReceivedAt is the unix timestamp in seconds of the latest publish
	ReceivedAt *float64 `json:"receivedAt"`
	// Payload is the latest published JSON object
	Payload json.RawMessage `json:"payload"`
}

// Latest godoc
// @Summary Fetch the latest telemetry snapshot
// @Description Return the most recently published payload, or nulls if
// nothing was published yet. Read-only.
// @tags Relay
// @Produce json
// @Param Relay-Request-ID header string false "User provided request ID to match against logs"
// @Param X-API-Key header string false "API key, if not using a session cookie"
// @Success 200 {object} APIRestRespLatest "success"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /api/latest [get]
func (h APIRestTelemetryHandler) Latest(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	caller := h.callerPrincipal(r)
	if caller == nil {
		msg := "Unauthorized"
		log.WithFields(localLogTags).Info(msg)
		respCode = http.StatusUnauthorized
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusUnauthorized, msg, "missing or invalid credentials",
		)
		return
	}

	snapshot := h.store.Read()
	resp := APIRestRespLatest{}
	if !snapshot.Empty() {
		resp.ReceivedAt = &snapshot.ReceivedAt
		resp.Payload = snapshot.Payload
	}

	respCode = http.StatusOK
	respBody = resp
}

// LatestHandler Wrapper around Latest
func (h APIRestTelemetryHandler) LatestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Latest(w, r)
	}
}

// =======================================================================
// Telemetry stream subscription

// sseEventSink writes stream session output as server-sent events
type sseEventSink struct {
	writer  io.Writer
	flusher http.Flusher
}

// SendEvent deliver one serialized envelope
func (s *sseEventSink) SendEvent(envelope []byte) error {
	_, err := fmt.Fprintf(s.writer, "data: %s\n\n", envelope)
	s.flusher.Flush()
	return err
}

// SendKeepalive deliver a comment-only keepalive line
func (s *sseEventSink) SendKeepalive() error {
	_, err := fmt.Fprint(s.writer, ": keepalive\n\n")
	s.flusher.Flush()
	return err
}

// Stream godoc
// @Summary Subscribe to the telemetry stream
// @Description Establish a long lived server-sent event stream. The current
// snapshot, if any, is sent first; every subsequent publish follows as one
// event. Comment-only keepalive lines are sent while idle. The stream closes
// on client disconnect or server shutdown.
// @tags Relay
// @Produce text/event-stream
// @Param Relay-Request-ID header string false "User provided request ID to match against logs"
// @Param X-API-Key header string false "API key, if not using a session cookie"
// @Success 200 {string} string "event stream"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /api/stream [get]
func (h APIRestTelemetryHandler) Stream(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	caller := h.callerPrincipal(r)
	if caller == nil {
		msg := "Unauthorized"
		log.WithFields(localLogTags).Info(msg)
		respBody := h.GetStdRESTErrorMsg(
			r.Context(), http.StatusUnauthorized, msg, "missing or invalid credentials",
		)
		if err := h.WriteRESTResponse(w, http.StatusUnauthorized, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(localLogTags).Errorf(msg)
		respBody := h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
		if err := h.WriteRESTResponse(w, http.StatusInternalServerError, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	session, err := relay.GetStreamSession(
		h.store, h.broadcast, h.streamParam, h.ReadRequestIDFromContext(r.Context()),
	)
	if err != nil {
		msg := "Unable to define stream session"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respBody := h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		if err := h.WriteRESTResponse(w, http.StatusInternalServerError, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	// End the session on either client disconnect or server shutdown
	runtimeCtxt, cancel := context.WithCancel(r.Context())
	defer cancel()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		select {
		case <-h.baseContext.Done():
			cancel()
		case <-runtimeCtxt.Done():
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// For intermediaries: do not buffer the event stream
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	writeFlusher.Flush()

	if err := session.Run(runtimeCtxt, &sseEventSink{writer: w, flusher: writeFlusher}); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Stream session failed")
	}
}

// StreamHandler Wrapper around Stream
func (h APIRestTelemetryHandler) StreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Stream(w, r)
	}
}

// =======================================================================
// Caller identity

// APIRestRespPrincipal description of the authenticated caller
type APIRestRespPrincipal struct {
	goutils.RestAPIBaseResponse
	// Identity is the unique name of the caller
	Identity string `json:"identity"`
	// Admin whether the caller is an administrative principal
	Admin bool `json:"admin"`
}

// Me godoc
// @Summary Describe the authenticated caller
// @Description Return the identity and admin flag of the caller's principal
// @tags Relay
// @Produce json
// @Param Relay-Request-ID header string false "User provided request ID to match against logs"
// @Param X-API-Key header string false "API key, if not using a session cookie"
// @Success 200 {object} APIRestRespPrincipal "success"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /api/me [get]
func (h APIRestTelemetryHandler) Me(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	caller := h.callerPrincipal(r)
	if caller == nil {
		msg := "Unauthorized"
		log.WithFields(localLogTags).Info(msg)
		respCode = http.StatusUnauthorized
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusUnauthorized, msg, "missing or invalid credentials",
		)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespPrincipal{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Identity: caller.Identity,
		Admin:    caller.Admin,
	}
}

// MeHandler Wrapper around Me
func (h APIRestTelemetryHandler) MeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Me(w, r)
	}
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For relay REST API liveness check
// @Description Will return success to indicate relay REST API module is live
// @tags Relay
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestTelemetryHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestTelemetryHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For relay REST API readiness check
// @Description Will return success if relay REST API module is ready for use
// @tags Relay
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestTelemetryHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.store != nil && h.broadcast != nil {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestTelemetryHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
