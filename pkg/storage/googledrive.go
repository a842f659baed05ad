package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/paulschiretz/pgl-backitup/pkg/plog"
)

type GoogleDriveOptions struct {
	// CredentialsJSON is a service account or authorized user key.
	CredentialsJSON string
	FolderID        string
	// Endpoint overrides the Drive API base path.
	Endpoint string
	// ClientOptions are appended last, e.g. option.WithoutAuthentication in tests.
	ClientOptions []option.ClientOption
}

// GoogleDriveBackend stores artifacts in one Drive folder. Entry paths are file IDs.
type GoogleDriveBackend struct {
	srv      *drive.Service
	folderID string
}

func OpenGoogleDrive(ctx context.Context, opts GoogleDriveOptions) (*GoogleDriveBackend, error) {
	var clientOpts []option.ClientOption
	if opts.CredentialsJSON != "" {
		clientOpts = append(clientOpts, option.WithCredentialsJSON([]byte(opts.CredentialsJSON)), option.WithScopes(drive.DriveFileScope))
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}
	clientOpts = append(clientOpts, opts.ClientOptions...)

	srv, err := drive.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create google drive client: %w", err)
	}
	folderID := opts.FolderID
	if folderID == "" {
		folderID = "root"
	}
	return &GoogleDriveBackend{srv: srv, folderID: folderID}, nil
}

func (b *GoogleDriveBackend) Kind() Kind { return GoogleDrive }

func (b *GoogleDriveBackend) List(ctx context.Context) ([]Entry, error) {
	query := fmt.Sprintf("'%s' in parents and trashed = false", b.folderID)
	var entries []Entry
	pageToken := ""
	for {
		call := b.srv.Files.List().
			Q(query).
			Fields("nextPageToken, files(id, name, size, modifiedTime, mimeType)").
			PageSize(1000).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		list, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("google drive list failed: %w", err)
		}
		for _, f := range list.Files {
			if f.MimeType == "application/vnd.google-apps.folder" {
				continue
			}
			modTime, _ := time.Parse(time.RFC3339, f.ModifiedTime)
			entries = append(entries, Entry{Name: f.Name, Path: f.Id, Size: f.Size, ModTime: modTime})
		}
		if list.NextPageToken == "" {
			return entries, nil
		}
		pageToken = list.NextPageToken
	}
}

func (b *GoogleDriveBackend) Upload(ctx context.Context, absLocalPath string) error {
	f, err := os.Open(absLocalPath)
	if err != nil {
		return err
	}
	defer f.Close()

	name := filepath.Base(absLocalPath)
	plog.Info("Uploading to google drive", "file", name, "folder", b.folderID)
	meta := &drive.File{Name: name, Parents: []string{b.folderID}}
	if _, err := b.srv.Files.Create(meta).Media(f).Fields("id").Context(ctx).Do(); err != nil {
		return fmt.Errorf("google drive upload of %s failed: %w", name, err)
	}
	return nil
}

func (b *GoogleDriveBackend) Download(ctx context.Context, fileID, absLocalPath string) error {
	resp, err := b.srv.Files.Get(fileID).Context(ctx).Download()
	if err != nil {
		return fmt.Errorf("google drive download of %s failed: %w", fileID, err)
	}
	defer resp.Body.Close()
	return writeStream(ctx, resp.Body, absLocalPath)
}

func (b *GoogleDriveBackend) Close() error { return nil }
