package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v2"
)

type cmdArgs struct {
	BaseURL    string `validate:"required,url"`
	APIKey     string `validate:"required"`
	IntervalMS int    `validate:"required,gte=1"`
}

var args cmdArgs

func main() {
	app := &cli.App{
		Usage:       "latest snapshot poller",
		Description: "Polls the relay latest-snapshot API and pretty-prints the responses",
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
				Usage:       "API key to authenticate with",
				Aliases:     []string{"k"},
				EnvVars:     []string{"RELAY_API_KEY"},
				Destination: &args.APIKey,
				Required:    true,
			},
			&cli.IntFlag{
				Name:        "interval-ms",
				Usage:       "Poll interval in milliseconds",
				Aliases:     []string{"i"},
				EnvVars:     []string{"POLL_INTERVAL_MS"},
				Value:       200,
				DefaultText: "200",
				Destination: &args.IntervalMS,
				Required:    false,
			},
		},
		Action: runPoller,
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("Program shutdown")
	}
}

// runPoller poll the latest snapshot until SIGINT
func runPoller(c *cli.Context) error {
	validate := validator.New()
	if err := validate.Struct(&args); err != nil {
		log.WithError(err).Error("Invalid CMD args")
		return err
	}

	runTimeContext, rtCancel := context.WithCancel(context.Background())
	defer rtCancel()
	go func() {
		cc := make(chan os.Signal, 1)
		signal.Notify(cc, os.Interrupt)
		<-cc
		rtCancel()
	}()

	latestURL := fmt.Sprintf("%s/api/latest", args.BaseURL)
	client := &http.Client{Timeout: time.Second * 5}
	ticker := time.NewTicker(time.Millisecond * time.Duration(args.IntervalMS))
	defer ticker.Stop()

	for {
		select {
		case <-runTimeContext.Done():
			return nil
		case <-ticker.C:
			if err := fetchOnce(runTimeContext, client, latestURL); err != nil {
				log.WithError(err).Error("Fetch failed")
			}
		}
	}
}

// fetchOnce fetch and print the latest snapshot
func fetchOnce(ctxt context.Context, client *http.Client, latestURL string) error {
	req, err := http.NewRequestWithContext(ctxt, http.MethodGet, latestURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", args.APIKey)
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("latest returned status %d", resp.StatusCode)
	}
	var parsed interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		fmt.Printf("%s\n", body)
		return nil
	}
	pretty, err := json.MarshalIndent(parsed, "", "  ")
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", pretty)
	return nil
}
