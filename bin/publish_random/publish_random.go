package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/teleoplab/relay/common"
	"github.com/urfave/cli/v2"
)

// motorIDs of the arm whose telemetry this tool fakes
var motorIDs = []string{
	"shoulder_pan", "shoulder_lift", "elbow_flex", "wrist_flex", "wrist_roll", "gripper",
}

type cmdArgs struct {
	BaseURL    string `validate:"required,url"`
	APIKey     string `validate:"required"`
	IntervalMS int    `validate:"required,gte=1"`
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
}

var args cmdArgs

func main() {
	app := &cli.App{
		Usage:       "synthetic telemetry publisher",
		Description: "Publishes random motor state snapshots through the relay ingest API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "base-url",
				Usage:       "Base URL of the relay server",
				Aliases:     []string{"u"},
				EnvVars:     []string{"PUBLISH_URL"},
				Value:       "http://127.0.0.1:8000",
				DefaultText: "http://127.0.0.1:8000",
				Destination: &args.BaseURL,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "api-key",
				Usage:       "Publisher API key",
				Aliases:     []string{"k"},
				EnvVars:     []string{"RELAY_API_KEY"},
				Destination: &args.APIKey,
				Required:    true,
			},
			&cli.IntFlag{
				Name:        "interval-ms",
				Usage:       "Publish interval in milliseconds",
				Aliases:     []string{"i"},
				EnvVars:     []string{"PUBLISH_INTERVAL_MS"},
				Value:       100,
				DefaultText: "100",
				Destination: &args.IntervalMS,
				Required:    false,
			},
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &args.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "info",
				DefaultText: "info",
				Destination: &args.LogLevel,
				Required:    false,
			},
		},
		Action: runPublisher,
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("Program shutdown")
	}
}

// randomMotorState build one synthetic motor state payload
func randomMotorState() map[string]interface{} {
	payload := map[string]interface{}{}
	for _, motor := range motorIDs {
		payload[motor] = map[string]float64{
			"position": rand.Float64()*180 - 90,
			"velocity": rand.Float64()*20 - 10,
			"current":  rand.Float64() * 2,
		}
	}
	return payload
}

// runPublisher publish random snapshots until SIGINT
func runPublisher(c *cli.Context) error {
	if args.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch args.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
	validate := validator.New()
	if err := validate.Struct(&args); err != nil {
		log.WithError(err).Error("Invalid CMD args")
		return err
	}

	logTags := log.Fields{
		"module": "bin", "component": "publish-random", "target": args.BaseURL,
	}

	wg := &sync.WaitGroup{}
	defer wg.Wait()
	runTimeContext, rtCancel := context.WithCancel(context.Background())
	defer rtCancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		cc := make(chan os.Signal, 1)
		signal.Notify(cc, os.Interrupt)
		<-cc
		rtCancel()
	}()

	ingestURL := fmt.Sprintf("%s/api/ingest", args.BaseURL)
	client := &http.Client{Timeout: time.Second * 5}

	publishTimer, err := common.GetIntervalTimerInstance("publish-random", runTimeContext, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define interval timer")
		return err
	}
	if err := publishTimer.Start(
		time.Millisecond*time.Duration(args.IntervalMS), func() error {
			payload, err := json.Marshal(randomMotorState())
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(
				runTimeContext, http.MethodPost, ingestURL, bytes.NewReader(payload),
			)
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-API-Key", args.APIKey)
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("ingest returned status %d", resp.StatusCode)
			}
			log.WithFields(logTags).Debugf("Published %dB", len(payload))
			return nil
		},
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start interval timer")
		return err
	}
	defer func() { _ = publishTimer.Stop() }()

	<-runTimeContext.Done()
	return nil
}
