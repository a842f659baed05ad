// Package upload connects the configured storage backends to the run: it
// opens backends from configuration and provides the modules that copy a
// run's artifacts to each enabled backend.
package upload

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/api/option"

	"github.com/paulschiretz/pgl-backitup/pkg/command"
	"github.com/paulschiretz/pgl-backitup/pkg/config"
	"github.com/paulschiretz/pgl-backitup/pkg/storage"
)

// Factory opens storage backends from configuration.
type Factory struct {
	Runner *command.Runner
	// HTTPClient is used by the HTTP based backends. When nil a client with the
	// configured response header timeout is created per backend.
	HTTPClient *http.Client
	// DriveOptions are extra Google API client options.
	DriveOptions []option.ClientOption
}

// NewFactory returns a Factory spawning tools through runner.
func NewFactory(runner *command.Runner) *Factory {
	if runner == nil {
		runner = command.NewRunner(nil)
	}
	return &Factory{Runner: runner}
}

func (f *Factory) httpClient(cfg *config.Config) *http.Client {
	if f.HTTPClient != nil {
		return f.HTTPClient
	}
	// No overall client timeout: archive transfers may legitimately take long.
	return &http.Client{Transport: &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: timeout(cfg),
	}}
}

func timeout(cfg *config.Config) time.Duration {
	return time.Duration(cfg.Engine.HTTPTimeoutSeconds) * time.Second
}

// Open connects to the backend of the given kind. Disabled backends return
// storage.ErrUnknownBackend. The caller closes the backend.
func (f *Factory) Open(ctx context.Context, cfg *config.Config, kind storage.Kind) (storage.Backend, error) {
	if !cfg.BackendEnabled(kind) {
		return nil, fmt.Errorf("%w: %s", storage.ErrUnknownBackend, kind)
	}

	switch kind {
	case storage.Local:
		return storage.NewLocal(cfg.Base), nil
	case storage.CIFS:
		c := cfg.Storage.CIFS
		return storage.OpenCIFS(ctx, storage.CIFSOptions{
			Mount:      c.Mount,
			Source:     c.Source,
			MountPoint: c.MountPoint,
			Dir:        c.Dir,
			Username:   c.Username,
			Password:   c.Password,
			Options:    c.Options,
		}, f.Runner)
	case storage.FTP:
		c := cfg.Storage.FTP
		return storage.OpenFTP(ctx, storage.FTPOptions{
			Host:     c.Host,
			Username: c.Username,
			Password: c.Password,
			Dir:      c.Dir,
			Timeout:  timeout(cfg),
		})
	case storage.Dropbox:
		c := cfg.Storage.Dropbox
		return storage.NewDropbox(storage.DropboxOptions{
			AccessToken: c.AccessToken,
			Dir:         c.Dir,
			APIURL:      c.APIURL,
			ContentURL:  c.ContentURL,
			Client:      f.httpClient(cfg),
		}), nil
	case storage.GoogleDrive:
		c := cfg.Storage.GoogleDrive
		return storage.OpenGoogleDrive(ctx, storage.GoogleDriveOptions{
			CredentialsJSON: c.CredentialsJSON,
			FolderID:        c.FolderID,
			Endpoint:        c.Endpoint,
			ClientOptions:   f.DriveOptions,
		})
	case storage.WebDAV:
		c := cfg.Storage.WebDAV
		return storage.OpenWebDAV(ctx, storage.WebDAVOptions{
			URL:      c.URL,
			Username: c.Username,
			Password: c.Password,
			Dir:      c.Dir,
			Timeout:  timeout(cfg),
		})
	default:
		return nil, fmt.Errorf("%w: %s", storage.ErrUnknownBackend, kind)
	}
}

// Download fetches one artifact from the backend into absLocalPath.
func (f *Factory) Download(ctx context.Context, cfg *config.Config, kind storage.Kind, remotePath, absLocalPath string) error {
	backend, err := f.Open(ctx, cfg, kind)
	if err != nil {
		return err
	}
	defer closeBackend(backend)
	return backend.Download(ctx, remotePath, absLocalPath)
}
