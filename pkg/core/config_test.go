package core_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merchantos/agentmem-go/pkg/core"
)

func TestValidate(t *testing.T) {
	valid := &core.Config{
		Storage:  core.StorageConfig{Provider: "sqlite", Path: "./test.db"},
		Embedder: core.EmbedderConfig{Provider: "mock"},
	}
	assert.NoError(t, valid.Validate())

	noEmbedder := &core.Config{
		Storage: core.StorageConfig{Provider: "memory"},
	}
	assert.NoError(t, noEmbedder.Validate(), "embeddings are optional")

	unknownProvider := &core.Config{
		Storage: core.StorageConfig{Provider: "cassandra"},
	}
	assert.ErrorIs(t, unknownProvider.Validate(), core.ErrInvalidConfig)

	postgresNoHost := &core.Config{
		Storage: core.StorageConfig{Provider: "postgres"},
	}
	assert.ErrorIs(t, postgresNoHost.Validate(), core.ErrInvalidConfig)

	openaiNoKey := &core.Config{
		Storage:  core.StorageConfig{Provider: "memory"},
		Embedder: core.EmbedderConfig{Provider: "openai"},
	}
	assert.ErrorIs(t, openaiNoKey.Validate(), core.ErrInvalidConfig)
}

func TestLoadConfigFromJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	data := `{
		"storage": {"provider": "postgres", "host": "db.internal", "port": 5432, "database": "agentmem"},
		"embedder": {"provider": "openai", "api_key": "sk-test", "dimensions": 1536}
	}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	config, err := core.LoadConfigFromJSON(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", config.Storage.Provider)
	assert.Equal(t, "db.internal", config.Storage.Host)
	assert.Equal(t, 1536, config.Embedder.Dimensions)
	assert.NoError(t, config.Validate())
}

func TestLoadConfigFromJSONMissingFile(t *testing.T) {
	_, err := core.LoadConfigFromJSON("/nonexistent/config.json")
	require.Error(t, err)

	var memErr *core.MemoryError
	require.ErrorAs(t, err, &memErr)
	assert.Equal(t, "LoadConfigFromJSON", memErr.Op)
}

func TestMemoryErrorWrapping(t *testing.T) {
	err := core.NewMemoryError("Remember", core.ErrInvalidInput)
	assert.EqualError(t, err, "agentmem: Remember: invalid input")
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	assert.Nil(t, core.NewMemoryError("Remember", nil))
}
