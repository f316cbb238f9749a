package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pathfinder/pathfinder/pkg/classifier"
	"github.com/pathfinder/pathfinder/pkg/config"
	"github.com/pathfinder/pathfinder/pkg/model"
)

func TestChannels(t *testing.T) {
	assert.Equal(t, []model.Channel{model.ChannelTeams, model.ChannelEmail}, Channels([]string{"teams", "sms", "email"}))
	assert.Empty(t, Channels(nil))
}

func TestClassifierDefaultsAndMissingFile(t *testing.T) {
	c, err := Classifier(context.Background(), config.ClassifierConfig{}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, classifier.NewDefault().Version(), c.Version())

	_, err = Classifier(context.Background(), config.ClassifierConfig{
		RulesFile: filepath.Join(t.TempDir(), "missing.yaml"),
	}, zap.NewNop())
	require.Error(t, err)
}

func TestMetricsServer(t *testing.T) {
	server := MetricsServer(config.ServerConfig{MetricsPort: 9191})
	assert.Equal(t, ":9191", server.Addr)

	for _, path := range []string{"/healthz", "/metrics"} {
		recorder := httptest.NewRecorder()
		server.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, recorder.Code, path)
	}
}
