package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "")
	t.Setenv("PAYMENT_PROVIDER", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "iyzico", cfg.Payment.Provider)
	assert.Equal(t, 30*time.Minute, cfg.Checkout.PendingTTL)
	assert.Equal(t, 5*time.Minute, cfg.Checkout.ReaperInterval)
	assert.Equal(t, "TRY", cfg.Checkout.Currency)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "sqlite3")
	t.Setenv("PAYMENT_PROVIDER", "craftgate")
	t.Setenv("PENDING_PAYMENT_TTL", "10m")
	t.Setenv("PUBLIC_URL", "https://shop.example.com/")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "craftgate", cfg.Payment.Provider)
	assert.Equal(t, 10*time.Minute, cfg.Checkout.PendingTTL)
	assert.Equal(t, "https://shop.example.com", cfg.Server.PublicURL)
	assert.Equal(t, "https://shop.example.com", cfg.Server.StorefrontOrigin)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"DATABASE_DRIVER":     "mysql",
		"PAYMENT_PROVIDER":    "paypal",
		"PENDING_PAYMENT_TTL": "soon",
		"REDIS_DB":            "zero",
		"MAIL_DRIVER":         "carrier-pigeon",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsProviderWithoutKeys(t *testing.T) {
	t.Run("iyzico secret", func(t *testing.T) {
		t.Setenv("IYZICO_API_KEY", "key")
		t.Setenv("IYZICO_SECRET_KEY", "")

		_, err := Load()
		assert.ErrorContains(t, err, "IYZICO_SECRET_KEY")
	})

	t.Run("craftgate webhook and callback keys", func(t *testing.T) {
		t.Setenv("CRAFTGATE_API_KEY", "key")
		t.Setenv("CRAFTGATE_SECRET_KEY", "secret")
		t.Setenv("CRAFTGATE_CALLBACK_KEY", "")
		t.Setenv("CRAFTGATE_WEBHOOK_KEY", "")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "CRAFTGATE_CALLBACK_KEY, CRAFTGATE_WEBHOOK_KEY")
	})

	t.Run("fully configured", func(t *testing.T) {
		t.Setenv("CRAFTGATE_API_KEY", "key")
		t.Setenv("CRAFTGATE_SECRET_KEY", "secret")
		t.Setenv("CRAFTGATE_CALLBACK_KEY", "cb")
		t.Setenv("CRAFTGATE_WEBHOOK_KEY", "wh")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "wh", cfg.Payment.Craftgate.WebhookKey)
	})
}
