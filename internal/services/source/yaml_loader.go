package source

import (
	"fmt"
	"os"

	"kline-hub/internal/models"

	"gopkg.in/yaml.v3"
)

// Subscription is one exchange block of the startup subscriptions file.
type Subscription struct {
	Exchange  string   `yaml:"exchange"`
	Symbols   []string `yaml:"symbols"`
	Intervals []string `yaml:"intervals"`
}

// SubscriptionsFile represents the YAML configuration structure
type SubscriptionsFile struct {
	Subscriptions []Subscription `yaml:"subscriptions"`
}

// DefaultSubscriptions is used when no file can be loaded.
var DefaultSubscriptions = []Subscription{
	{Exchange: "binance", Symbols: []string{"BTC-USDT", "ETH-USDT"}, Intervals: []string{"1m"}},
}

// LoadSubscriptions loads startup subscriptions from a YAML file
func LoadSubscriptions(filePath string) ([]Subscription, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read subscriptions file: %w", err)
	}

	var file SubscriptionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse subscriptions YAML: %w", err)
	}

	if len(file.Subscriptions) == 0 {
		return nil, fmt.Errorf("no subscriptions found in config file")
	}

	for i, s := range file.Subscriptions {
		if s.Exchange == "" {
			return nil, fmt.Errorf("subscription %d: exchange is required", i)
		}
		for _, code := range s.Intervals {
			if _, err := models.ParseInterval(code); err != nil {
				return nil, fmt.Errorf("subscription %d (%s): %w", i, s.Exchange, err)
			}
		}
	}

	return file.Subscriptions, nil
}

// LoadSubscriptionsWithFallback tries to load from YAML, falls back to defaults
func LoadSubscriptionsWithFallback(filePath string) []Subscription {
	subs, err := LoadSubscriptions(filePath)
	if err != nil {
		return DefaultSubscriptions
	}
	return subs
}
