package flags

import (
	"flag"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"
)

func TestConcat(t *testing.T) {
	t.Parallel()

	foo := cli.StringFlag{Name: "foo"}
	bar := cli.StringFlag{Name: "bar"}
	baz := cli.BoolFlag{Name: "baz"}

	assert.Equal(t, []cli.Flag{foo}, Concat([]cli.Flag{foo}))
	assert.Equal(t, []cli.Flag{foo, bar}, Concat([]cli.Flag{foo}, []cli.Flag{bar}))
	assert.Equal(t, []cli.Flag{foo, bar, baz},
		Concat([]cli.Flag{foo}, []cli.Flag{bar}, []cli.Flag{baz}))

	// the first list is not mutated
	first := []cli.Flag{foo}
	_ = Concat(first, []cli.Flag{bar})
	assert.Equal(t, []cli.Flag{foo}, first)
}

func newContext(t *testing.T, args map[string]string) *cli.Context {
	t.Helper()
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	for _, f := range Db {
		f.Apply(set)
	}
	for name, value := range args {
		require.NoError(t, set.Set(name, value))
	}
	return cli.NewContext(nil, set, nil)
}

func TestReadDbConfDefaults(t *testing.T) {
	conf, err := ReadDbConf(newContext(t, nil))
	require.NoError(t, err)
	assert.Equal(t, "slashpay", conf.User)
	assert.Equal(t, "localhost", conf.Host)
	assert.Equal(t, 5432, conf.Port)
	assert.Equal(t, "file://db/migrations", conf.MigrationsPath)
}

func TestReadDbConfFlagsWinOverEnv(t *testing.T) {
	require.NoError(t, os.Setenv("SLASHPAY_DB_USER", "envuser"))
	require.NoError(t, os.Setenv("SLASHPAY_DB_NAME", "envdb"))
	defer func() {
		_ = os.Unsetenv("SLASHPAY_DB_USER")
		_ = os.Unsetenv("SLASHPAY_DB_NAME")
	}()

	conf, err := ReadDbConf(newContext(t, map[string]string{
		"db.user": "flaguser",
	}))
	require.NoError(t, err)
	assert.Equal(t, "flaguser", conf.User)
	assert.Equal(t, "envdb", conf.Name)
}

func TestReadDbConfAddsFileScheme(t *testing.T) {
	conf, err := ReadDbConf(newContext(t, map[string]string{
		"db.migrationspath": "db/migrations",
	}))
	require.NoError(t, err)
	assert.Equal(t, "file:/db/migrations", conf.MigrationsPath)
}
