package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	firebase "firebase.google.com/go/v4"
	"github.com/focusguard/focusd/focus_fields"
	"google.golang.org/api/option"
	"gopkg.in/yaml.v3"
)

func isTestRun() bool {
	return strings.HasSuffix(os.Args[0], ".test")
}

func firstExistingPath(candidates ...string) string {
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

// loadConfig reads the yaml config file, FOCUSD_CONFIG taking priority
// over the conventional locations. A missing file is fine under test,
// everything has a default or comes from env.
func loadConfig(cfg *focus_fields.Config) error {
	configPath := firstExistingPath(os.Getenv("FOCUSD_CONFIG"), "./focusd.yaml", "../focusd.yaml")
	if configPath == "" {
		if isTestRun() {
			return nil
		}
		return errors.New("focusd.yaml not found")
	}
	configData, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(configData, cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	logrusLogger.Printf("Loaded config from %s", configPath)
	return nil
}

// getFirebase initializes the firebase app used for both provider
// ID-token verification and FCM pushes.
func getFirebase(credentialsPath string) (*firebase.App, error) {
	if credentialsPath == "" {
		credentialsPath = "firebase-sdk.json"
	}
	if firstExistingPath(credentialsPath) == "" {
		return nil, fmt.Errorf("firebase credentials not found at %s", credentialsPath)
	}
	opt := option.WithCredentialsFile(credentialsPath)
	app, err := firebase.NewApp(context.Background(), nil, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing app: %v", err)
	}
	return app, nil
}
