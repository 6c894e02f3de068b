package config

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	data := `
[store]
path = "/data/seeds"
dbName = "Hyperbee DB"

[swarm]
topicKey = "3b9f8ccd062ca9fc0b7dd407b4cd287ca6e2d8b32f046d7958fa7bea4d78fd75"
bootstrap = ["/ip4/10.0.0.1/tcp/4001/p2p/12D3KooWQYhTNQdmr3ArTeUHRYzFg94BKyTkoWBDWez9kSCVe2Xo"]

[lifespan]
empty = "2h"
full = "30d"

[http]
addr = ":3000"
`
	require.NoError(t, afero.WriteFile(fs, "/etc/hyperseeder.toml", []byte(data), 0o644))

	f, err := Load(fs, "/etc/hyperseeder.toml")
	require.NoError(t, err)
	require.Equal(t, "/data/seeds", f.Store.Path)
	require.Equal(t, "Hyperbee DB", f.Store.DBName)
	require.Equal(t, "3b9f8ccd062ca9fc0b7dd407b4cd287ca6e2d8b32f046d7958fa7bea4d78fd75", f.Swarm.TopicKey)
	require.Len(t, f.Swarm.Bootstrap, 1)
	require.Equal(t, "2h", f.Lifespan.Empty)
	require.Equal(t, "30d", f.Lifespan.Full)
	require.Equal(t, ":3000", f.HTTP.Addr)
	require.Empty(t, f.Swarm.Seed)
}

func TestLoadMissing(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	f, err := Load(fs, "/does/not/exist.toml")
	require.NoError(t, err)
	require.Equal(t, File{}, f)

	f, err = Load(fs, "")
	require.NoError(t, err)
	require.Equal(t, File{}, f)
}

func TestLoadInvalid(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/bad.toml", []byte("[store\npath="), 0o644))
	_, err := Load(fs, "/bad.toml")
	require.Error(t, err)
}

func TestFirstNonEmpty(t *testing.T) {
	t.Parallel()

	require.Equal(t, "b", FirstNonEmpty("", "b", "c"))
	require.Equal(t, "", FirstNonEmpty("", ""))
	require.Equal(t, "a", FirstNonEmpty("a"))
}
