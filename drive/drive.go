// Package drive implements transport.Connector on top of a local directory
// fronted by an HTTP file server. Writes land on disk, reads of our own
// URLs stay local, and reads of foreign URLs go over HTTP.
//
// Access control for encrypted invoice files is the serving layer's
// responsibility, the connector only lays the files out.
package drive

import (
	"context"
	"io/ioutil"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/slashpay/slashpay/async"
	"gitlab.com/slashpay/slashpay/build"
	"gitlab.com/slashpay/slashpay/transport"
)

var log = build.AddSubLogger("DRIV")

const (
	remoteReadAttempts = 3
	remoteReadInterval = 500 * time.Millisecond
)

// Config is what a Drive needs to know about its surroundings.
type Config struct {
	// Dir is the directory files are written to.
	Dir string
	// BaseURL is the externally reachable prefix the directory is served
	// under, e.g. http://localhost:5000/drive.
	BaseURL string
	// Client is used for reads of foreign URLs. Defaults to
	// http.DefaultClient.
	Client *http.Client
}

// Drive is a directory backed transport.
type Drive struct {
	dir     string
	baseURL string
	client  *http.Client
}

var _ transport.Connector = (*Drive)(nil)

// New returns a Drive over the given directory.
func New(config Config) *Drive {
	client := config.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &Drive{
		dir:     config.Dir,
		baseURL: strings.TrimSuffix(config.BaseURL, "/"),
		client:  client,
	}
}

// Init creates the drive directory if it doesn't exist.
func (d *Drive) Init(ctx context.Context) error {
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return errors.Wrapf(err, "could not create drive directory %q", d.dir)
	}
	log.WithField("dir", d.dir).Info("Drive initialized")
	return nil
}

// Close is a no-op, the drive holds no open resources.
func (d *Drive) Close(ctx context.Context) error {
	return nil
}

// localPath resolves a drive path to a filesystem path. Rooting the path
// before cleaning keeps ".." segments from escaping the drive directory.
func (d *Drive) localPath(drivePath string) string {
	cleaned := path.Clean("/" + drivePath)
	return filepath.Join(d.dir, filepath.FromSlash(cleaned))
}

// Create writes value at path and returns the externally readable URL.
// The write goes through a temp file so readers never see partial content.
func (d *Drive) Create(ctx context.Context, drivePath string, value []byte, opts transport.CreateOpts) (string, error) {
	local := d.localPath(drivePath)
	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return "", errors.Wrap(err, "could not create parent directory")
	}

	tmp, err := ioutil.TempFile(filepath.Dir(local), ".drive-*")
	if err != nil {
		return "", errors.Wrap(err, "could not create temp file")
	}
	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", errors.Wrap(err, "could not write temp file")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", errors.Wrap(err, "could not close temp file")
	}
	if err := os.Rename(tmp.Name(), local); err != nil {
		_ = os.Remove(tmp.Name())
		return "", errors.Wrap(err, "could not move file into place")
	}

	log.WithField("path", drivePath).Debug("Wrote drive file")
	return d.URL(drivePath)
}

// ReadRemote reads the value behind a URL. Our own URLs are read straight
// from disk, foreign ones over HTTP with a few retries. A missing file
// returns nil without an error.
func (d *Drive) ReadRemote(ctx context.Context, url string) ([]byte, error) {
	if strings.HasPrefix(url, d.baseURL+"/") {
		local := d.localPath(strings.TrimPrefix(url, d.baseURL))
		value, err := ioutil.ReadFile(local)
		if os.IsNotExist(err) {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "could not read %q", url)
		}
		return value, nil
	}

	var value []byte
	read := func() error {
		req, err := http.NewRequest(http.MethodGet, url, nil)
		if err != nil {
			return errors.Wrap(err, "could not build request")
		}
		res, err := d.client.Do(req.WithContext(ctx))
		if err != nil {
			return errors.Wrapf(err, "could not fetch %q", url)
		}
		defer func() { _ = res.Body.Close() }()

		switch {
		case res.StatusCode == http.StatusNotFound:
			value = nil
			return nil
		case res.StatusCode != http.StatusOK:
			return errors.Errorf("unexpected status %d fetching %q", res.StatusCode, url)
		}

		value, err = ioutil.ReadAll(res.Body)
		return errors.Wrap(err, "could not read response body")
	}

	if err := async.RetryNoBackoff(remoteReadAttempts, remoteReadInterval, read); err != nil {
		return nil, err
	}
	return value, nil
}

// URL returns the externally readable URL for a local path.
func (d *Drive) URL(drivePath string) (string, error) {
	return d.baseURL + path.Clean("/"+drivePath), nil
}
