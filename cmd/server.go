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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/teleoplab/relay/apis"
	"github.com/teleoplab/relay/common"
	"github.com/teleoplab/relay/relay"
	"github.com/teleoplab/relay/users"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunRelayServer run the telemetry relay server
func RunRelayServer(
	runTimeContext context.Context,
	config *common.RelayServerConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay-server",
		"instance":  instance,
	}

	credentials, err := users.GetStaticCredentialStore(config.Auth.Users)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to load credential records")
		return err
	}
	apiKeys, err := users.GetAPIKeyAuthenticator(credentials, config.Auth.APIKey.HashIterations)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define API key authenticator")
		return err
	}
	sessions, err := users.GetSessionAuthenticator(
		credentials, config.Auth.Session.CookieName, []byte(config.Auth.Session.SigningSecret),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session authenticator")
		return err
	}

	store, err := relay.GetSnapshotStore(instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define snapshot store")
		return err
	}
	broadcast, err := relay.GetBroadcaster(config.Fanout.SubscriberQueueLen, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcaster")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()
	httpHandler, err := apis.GetAPIRestTelemetryHandler(
		localCtxt,
		&config.HTTPSetting,
		config.Fanout,
		store,
		broadcast,
		apiKeys,
		sessions,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Endpoints.PathPrefix, nil)

	// Telemetry publish
	_ = apis.RegisterPathPrefix(mainRouter, "/api/ingest", map[string]http.HandlerFunc{
		"post": httpHandler.IngestHandler(),
	})

	// Latest snapshot fetch
	_ = apis.RegisterPathPrefix(mainRouter, "/api/latest", map[string]http.HandlerFunc{
		"get": httpHandler.LatestHandler(),
	})

	// Stream subscription
	_ = apis.RegisterPathPrefix(mainRouter, "/api/stream", map[string]http.HandlerFunc{
		"get": httpHandler.StreamHandler(),
	})

	// Caller identity
	_ = apis.RegisterPathPrefix(mainRouter, "/api/me", map[string]http.HandlerFunc{
		"get": httpHandler.MeHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return httpHandler.LoggingMiddleware(next.ServeHTTP)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTPSetting.Server.ListenOn, config.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(config.HTTPSetting.Server.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Stop ongoing stream sessions on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
