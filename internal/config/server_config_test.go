package config_test

import (
	"encoding/json"
	"testing"

	"github.com/tichaonax/go-sync-infra/internal/config"
)

func TestPrintServerEnv(t *testing.T) {
	config := config.DefaultServerConfigFromEnv()
	_, err := json.MarshalIndent(config, "", "  ")

	if err != nil {
		t.Fatal(err)
	}
}
