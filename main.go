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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/teleoplab/relay/cmd"
	"github.com/teleoplab/relay/common"
	"github.com/teleoplab/relay/users"
	"github.com/urfave/cli/v2"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
	Hostname   string
	// Identity for the token / key minting subcommands
	Identity string
}

var cmdArgs cliArgs

var logTags log.Fields

// @title telemetry-relay
// @version v0.1.0
// @description Telemetry snapshot relay with server-sent event fan-out

// @host localhost:8000
// @BasePath /
// @query.collection.format multi
func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  hostname,
	}

	common.InstallDefaultConfigValues()

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "application entrypoint",
		Description: "Telemetry snapshot relay with server-sent event fan-out",
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &cmdArgs.LogLevel,
				Required:    false,
			},
			// Config file
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Use DEFAULT if not specified.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Value:       "",
				DefaultText: "",
				Destination: &cmdArgs.ConfigFile,
				Required:    false,
			},
		},
		// Components
		Commands: []*cli.Command{
			{
				Name:        "server",
				Usage:       "Run the telemetry relay server",
				Description: "Serves the REST API for telemetry publish, latest fetch, and stream subscription",
				Action:      startRelayServer,
			},
			{
				Name:        "gen-api-key",
				Usage:       "Mint a new publisher API key",
				Description: "Generates an API key and prints the credential record to provision for it",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "identity",
						Usage:       "Identity to print on the credential record",
						Aliases:     []string{"i"},
						EnvVars:     []string{"KEY_IDENTITY"},
						Destination: &cmdArgs.Identity,
						Required:    true,
					},
				},
				Action: generateAPIKey,
			},
			{
				Name:        "mint-session",
				Usage:       "Mint a session token for an identity",
				Description: "Signs a session token against the configured secret, for tooling and testing",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "identity",
						Usage:       "Identity to mint the session token for",
						Aliases:     []string{"i"},
						EnvVars:     []string{"SESSION_IDENTITY"},
						Destination: &cmdArgs.Identity,
						Required:    true,
					},
				},
				Action: mintSessionToken,
			},
		},
	}

	err = app.Run(os.Args)
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// setupLogging helper function to prepare the app logging
func setupLogging() {
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch cmdArgs.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

// initialCmdArgsProcessing perform initial CMD arg processing
func initialCmdArgsProcessing() (*common.SystemConfig, error) {
	validate := validator.New()
	// Validate command line argument
	if err := validate.Struct(&cmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return nil, err
	}
	setupLogging()
	tmp, err := json.MarshalIndent(&cmdArgs, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal args")
		return nil, err
	}
	log.Debugf("Starting params\n%s", tmp)
	// Parse the config file
	if len(cmdArgs.ConfigFile) > 0 {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read config file %s", cmdArgs.ConfigFile,
			)
			return nil, err
		}
	}
	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to parse config file %s", cmdArgs.ConfigFile,
		)
		return nil, err
	}
	tmp, err = json.MarshalIndent(&config, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal config files")
		return nil, err
	}
	log.Debugf("Config file\n%s", tmp)
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config file content")
		return nil, err
	}
	return &config, nil
}

func defineControlVars() (*sync.WaitGroup, context.Context, context.CancelFunc) {
	runTimeContext, rtCancel := context.WithCancel(context.Background())
	return &sync.WaitGroup{}, runTimeContext, rtCancel
}

// signalRecvSetup helper function for setting up the SIG receive handler
func signalRecvSetup(wg *sync.WaitGroup, ctxtCancel context.CancelFunc) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		cc := make(chan os.Signal, 1)
		// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C)
		// SIGKILL, SIGQUIT or SIGTERM (Ctrl+/) will not be caught.
		signal.Notify(cc, os.Interrupt)
		<-cc
		ctxtCancel()
	}()
}

// ============================================================================
// Server subcommand

// startRelayServer run the relay server
func startRelayServer(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}
	if config.Relay == nil {
		return fmt.Errorf("relay server can't start without its configurations")
	}

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	signalRecvSetup(wg, rtCancel)

	return cmd.RunRelayServer(runTimeContext, config.Relay, cmdArgs.Hostname, wg)
}

// ============================================================================
// API key subcommand

// generateAPIKey mint a new publisher API key
func generateAPIKey(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}
	if config.Relay == nil {
		return fmt.Errorf("no relay configurations available")
	}

	minted, err := users.MintAPIKey(config.Relay.Auth.APIKey.HashIterations)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("API key generation failed")
		return err
	}

	fmt.Printf("API key (hand to the publisher, it is not stored):\n  %s\n\n", minted.APIKey)
	fmt.Printf("Credential record for the config file:\n")
	fmt.Printf("  - identity: %s\n", cmdArgs.Identity)
	fmt.Printf("    active: true\n")
	fmt.Printf("    key_prefix: %s\n", minted.KeyPrefix)
	fmt.Printf("    key_salt: %s\n", minted.KeySalt)
	fmt.Printf("    key_hash: %s\n", minted.KeyHash)
	return nil
}

// ============================================================================
// Session token subcommand

// mintSessionToken sign a session token for an identity
func mintSessionToken(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}
	if config.Relay == nil {
		return fmt.Errorf("no relay configurations available")
	}

	token, err := users.MintSessionToken(
		cmdArgs.Identity,
		[]byte(config.Relay.Auth.Session.SigningSecret),
		time.Second*time.Duration(config.Relay.Auth.Session.TokenLifetime),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Session token signing failed")
		return err
	}

	fmt.Printf(
		"Set cookie '%s' to:\n  %s\n", config.Relay.Auth.Session.CookieName, token,
	)
	return nil
}
