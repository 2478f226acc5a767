package tunnel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/btouchard/teamsphere/internal/config"
)

func TestNgrok_OpenWithoutToken(t *testing.T) {
	t.Parallel()

	ln, err := New(config.TunnelConfig{Domain: "teamsphere.ngrok.app"}).Open(context.Background())
	assert.ErrorIs(t, err, ErrNoAuthToken)
	assert.Nil(t, ln)
}

func TestNgrok_CloseBeforeOpen(t *testing.T) {
	t.Parallel()

	tun := New(config.TunnelConfig{AuthToken: "tok"})
	assert.NoError(t, tun.Close())
	assert.Empty(t, tun.URL())
}

func TestPublicURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://abc.ngrok.app", publicURL("abc.ngrok.app"))
	assert.Equal(t, "https://abc.ngrok.app", publicURL("https://abc.ngrok.app"))
	assert.Equal(t, "http://localhost:3001", publicURL("http://localhost:3001"))
}
