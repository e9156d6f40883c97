package main

import (
	"bytes"
	stdjson "encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wippyai/capbridge/internal/demo"
	"github.com/wippyai/capbridge/schema"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capcall.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func testFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("capcall", pflag.ContinueOnError)
	fs.String("address", "", "")
	fs.StringSlice("search-path", nil, "")
	fs.String("log-level", "", "")
	fs.String("interface", "", "")
	fs.String("object", "", "")
	fs.String("metrics-addr", "", "")
	fs.StringP("output", "o", "", "")
	return fs
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := loadConfig("")
		require.NoError(t, err)
		assert.Equal(t, defaultConfig(), cfg)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := writeConfig(t, `
address: /ip4/10.0.0.1/tcp/9000
search_path: [./schemas, /etc/capbridge]
log_level: debug
`)
		cfg, err := loadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "/ip4/10.0.0.1/tcp/9000", cfg.Address)
		assert.Equal(t, []string{"./schemas", "/etc/capbridge"}, cfg.SearchPath)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, "store", cfg.Object)
	})

	t.Run("empty file", func(t *testing.T) {
		cfg, err := loadConfig(writeConfig(t, ""))
		require.NoError(t, err)
		assert.Equal(t, defaultConfig(), cfg)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := loadConfig(writeConfig(t, "adress: x\n"))
		assert.ErrorContains(t, err, "adress")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorContains(t, err, "read config")
	})
}

func TestConfigApply(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "address: 10.0.0.1:1\nobject: files\n"))
	require.NoError(t, err)

	fs := testFlags()
	require.NoError(t, fs.Parse([]string{"--address", "127.0.0.1:2", "--search-path", "a,b", "-o", "yaml"}))
	require.NoError(t, cfg.apply(fs))

	assert.Equal(t, "127.0.0.1:2", cfg.Address)
	assert.Equal(t, []string{"a", "b"}, cfg.SearchPath)
	assert.Equal(t, "yaml", cfg.Output)
	// Flags left at their defaults do not clobber the file.
	assert.Equal(t, "files", cfg.Object)

	fs = testFlags()
	require.NoError(t, fs.Parse([]string{"--output", "xml"}))
	assert.ErrorContains(t, cfg.apply(fs), `unknown output format "xml"`)
}

func TestNewLogger(t *testing.T) {
	log, err := newLogger("debug")
	require.NoError(t, err)
	assert.NotNil(t, log)

	_, err = newLogger("loud")
	assert.Error(t, err)
}

func storeMethodParams(t *testing.T, method string) *schema.Node {
	t.Helper()
	file, err := demo.Schema(schema.NewRegistry(nil))
	require.NoError(t, err)
	store, err := file.Nested("Store")
	require.NoError(t, err)
	m, ok := store.Method(method)
	require.True(t, ok)
	params, err := m.Params()
	require.NoError(t, err)
	return params
}

func TestParseParams(t *testing.T) {
	params, err := parseParams(storeMethodParams(t, "put"), []string{"key=greeting", "value=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"key": "greeting", "value": "a=b"}, params)

	_, err = parseParams(storeMethodParams(t, "put"), []string{"key"})
	assert.ErrorContains(t, err, `parameter "key" is not name=value`)
	_, err = parseParams(storeMethodParams(t, "put"), []string{"color=red"})
	assert.ErrorContains(t, err, `no parameter "color"`)
}

func TestConvertArg(t *testing.T) {
	tests := []struct {
		name  string
		value string
		typ   schema.Type
		want  any
		err   bool
	}{
		{"text", "hello", schema.Text{}, "hello", false},
		{"bool", "true", schema.Bool{}, true, false},
		{"bad bool", "maybe", schema.Bool{}, nil, true},
		{"u64", "18446744073709551615", schema.Uint64{}, stdjson.Number("18446744073709551615"), false},
		{"s64", "-5", schema.Int64{}, stdjson.Number("-5"), false},
		{"float", "1.5", schema.Float64{}, stdjson.Number("1.5"), false},
		{"bad number", "five", schema.Int32{}, nil, true},
		{"data", "raw", schema.Data{}, []byte("raw"), false},
		{"list", "[a, b]", schema.List{Elem: schema.Text{}}, []any{"a", "b"}, false},
		{"struct", "{key: k}", schema.Struct{Name: "Entry"}, map[string]any{"key": "k"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := convertArg(tt.value, tt.typ)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRender(t *testing.T) {
	v := map[string]any{"found": true, "entry": map[string]any{"key": "k"}}

	var b bytes.Buffer
	require.NoError(t, render(&b, "json", v))
	assert.JSONEq(t, `{"found": true, "entry": {"key": "k"}}`, b.String())

	b.Reset()
	require.NoError(t, render(&b, "yaml", v))
	assert.Equal(t, "entry:\n  key: k\nfound: true\n", b.String())
}
