package main

import (
	"testing"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/braidd/internal/config"
)

func TestEmbeddedOptions(t *testing.T) {
	tests := []struct {
		url      string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"", "127.0.0.1", natsserver.DEFAULT_PORT, false},
		{"nats://0.0.0.0:4333", "0.0.0.0", 4333, false},
		{"nats://localhost", "localhost", natsserver.DEFAULT_PORT, false},
		{"nats://127.0.0.1:0", "127.0.0.1", natsserver.RANDOM_PORT, false},
		{"nats://127.0.0.1:abc", "", 0, true},
		{"://bad", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			opts, err := embeddedOptions(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, opts.Host)
			assert.Equal(t, tt.wantPort, opts.Port)
			assert.True(t, opts.NoSigs)
		})
	}
}

func TestConnectNATS_Embedded(t *testing.T) {
	nc, err := connectNATS(config.NATSConfig{
		Enabled:  true,
		Embedded: true,
		URL:      "nats://127.0.0.1:0",
	}, zap.NewNop())
	require.NoError(t, err)
	defer nc.close()

	require.NotNil(t, nc.server)
	assert.Equal(t, nats.CONNECTED, nc.Status())

	sub, err := nc.SubscribeSync("braidd.test")
	require.NoError(t, err)
	require.NoError(t, nc.Publish("braidd.test", []byte("hi")))
	msg, err := sub.NextMsg(natsReadyTimeout)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(msg.Data))
}
