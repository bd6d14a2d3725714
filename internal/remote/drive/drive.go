// Package drive implements the remote object protocol on Google Drive.
//
// The Drive changes feed supplies the poll cursor (page tokens), the file
// `version` field supplies the opaque revision marker, and native Google
// documents are exported to markdown on download and imported back on
// upload. All Drive-specific shapes are normalized into remote.Object and
// remote.Change at this boundary.
package drive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/tethersync/tether/internal/remote"
)

const (
	folderMIME = "application/vnd.google-apps.folder"
	nativeMIME = "application/vnd.google-apps."

	fileFields = "id, name, mimeType, md5Checksum, version, trashed, modifiedTime, size"

	changePageSize = 100
)

// Config tunes the Drive client.
type Config struct {
	// ExportMIME is the export format for native Google documents.
	ExportMIME string

	// Parent, when set, scopes created files and folders under this
	// folder instead of the Drive root.
	Parent string
}

// Client implements remote.TreeStore against the Drive v3 API.
type Client struct {
	svc    *drive.Service
	config Config
}

// New creates a Drive client authenticated by ts.
func New(ctx context.Context, ts oauth2.TokenSource, config Config) (*Client, error) {
	if config.ExportMIME == "" {
		config.ExportMIME = "text/markdown"
	}
	svc, err := drive.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}
	return &Client{svc: svc, config: config}, nil
}

// StartCursor implements remote.Store.
func (c *Client) StartCursor(ctx context.Context) (string, error) {
	resp, err := c.svc.Changes.GetStartPageToken().Context(ctx).Do()
	if err != nil {
		return "", mapErr(err)
	}
	return resp.StartPageToken, nil
}

// Changes implements remote.Store. It pages through the changes feed until
// Drive hands back a new start token, which becomes the next cursor.
func (c *Client) Changes(ctx context.Context, cursor string) ([]remote.Change, string, error) {
	var out []remote.Change
	token := cursor

	for {
		resp, err := c.svc.Changes.List(token).
			Context(ctx).
			PageSize(changePageSize).
			IncludeRemoved(true).
			Fields(googleapi.Field("nextPageToken, newStartPageToken, changes(fileId, removed, file(" + fileFields + "))")).
			Do()
		if err != nil {
			return nil, "", mapErr(err)
		}

		for _, ch := range resp.Changes {
			if ch.File != nil && ch.File.MimeType == folderMIME {
				continue // folder churn is not file content
			}
			rec := remote.Change{ID: ch.FileId, Removed: ch.Removed}
			if ch.File != nil {
				obj := toObject(ch.File)
				if obj.Trashed {
					rec.Removed = true
				} else {
					rec.Revision = obj.Revision
					rec.Object = obj
				}
			}
			out = append(out, rec)
		}

		if resp.NewStartPageToken != "" {
			return out, resp.NewStartPageToken, nil
		}
		token = resp.NextPageToken
	}
}

// Stat implements remote.Store.
func (c *Client) Stat(ctx context.Context, id string) (*remote.Object, error) {
	f, err := c.svc.Files.Get(id).Context(ctx).Fields(fileFields).Do()
	if err != nil {
		return nil, mapErr(err)
	}
	return toObject(f), nil
}

// Download implements remote.Store. Native documents are exported to the
// configured format; everything else downloads byte-for-byte.
func (c *Client) Download(ctx context.Context, id string) ([]byte, *remote.Object, error) {
	obj, err := c.Stat(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	var body io.ReadCloser
	if obj.Native {
		r, err := c.svc.Files.Export(id, c.config.ExportMIME).Context(ctx).Download()
		if err != nil {
			return nil, nil, mapErr(err)
		}
		body = r.Body
	} else {
		r, err := c.svc.Files.Get(id).Context(ctx).Download()
		if err != nil {
			return nil, nil, mapErr(err)
		}
		body = r.Body
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read download stream: %w", mapErr(err))
	}
	return data, obj, nil
}

// Upload implements remote.Store. With id == "" a new file is created
// (under the configured parent, if any); otherwise the existing file is
// updated in place. Updating a native document imports the content through
// Drive's converter.
func (c *Client) Upload(ctx context.Context, id, name, mimeType string, data []byte) (*remote.Object, error) {
	media := bytes.NewReader(data)
	var mediaOpts []googleapi.MediaOption
	if mimeType != "" && !strings.HasPrefix(mimeType, nativeMIME) {
		mediaOpts = append(mediaOpts, googleapi.ContentType(mimeType))
	}

	var f *drive.File
	var err error
	if id == "" {
		meta := &drive.File{Name: name}
		if c.config.Parent != "" {
			meta.Parents = []string{c.config.Parent}
		}
		f, err = c.svc.Files.Create(meta).
			Context(ctx).
			Media(media, mediaOpts...).
			Fields(fileFields).
			Do()
	} else {
		f, err = c.svc.Files.Update(id, &drive.File{}).
			Context(ctx).
			Media(media, mediaOpts...).
			Fields(fileFields).
			Do()
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return toObject(f), nil
}

// Trash implements remote.Store using Drive's own recycle bin; content is
// never permanently erased.
func (c *Client) Trash(ctx context.Context, id string) error {
	_, err := c.svc.Files.Update(id, &drive.File{Trashed: true}).Context(ctx).Do()
	if err != nil {
		return mapErr(err)
	}
	return nil
}

// List implements remote.TreeStore.
func (c *Client) List(ctx context.Context, folderID string) ([]remote.Object, error) {
	if folderID == "" {
		folderID = "root"
	}
	var out []remote.Object
	query := fmt.Sprintf("'%s' in parents and trashed = false", folderID)

	pageToken := ""
	for {
		call := c.svc.Files.List().
			Context(ctx).
			Q(query).
			PageSize(200).
			Fields(googleapi.Field("nextPageToken, files(" + fileFields + ")"))
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, mapErr(err)
		}
		for _, f := range resp.Files {
			out = append(out, *toObject(f))
		}
		if resp.NextPageToken == "" {
			return out, nil
		}
		pageToken = resp.NextPageToken
	}
}

// UploadTo implements remote.TreeStore.
func (c *Client) UploadTo(ctx context.Context, parentID, name, mimeType string, data []byte) (*remote.Object, error) {
	meta := &drive.File{Name: name}
	if parentID != "" {
		meta.Parents = []string{parentID}
	} else if c.config.Parent != "" {
		meta.Parents = []string{c.config.Parent}
	}
	var mediaOpts []googleapi.MediaOption
	if mimeType != "" {
		mediaOpts = append(mediaOpts, googleapi.ContentType(mimeType))
	}
	f, err := c.svc.Files.Create(meta).
		Context(ctx).
		Media(bytes.NewReader(data), mediaOpts...).
		Fields(fileFields).
		Do()
	if err != nil {
		return nil, mapErr(err)
	}
	return toObject(f), nil
}

// CreateFolder implements remote.TreeStore.
func (c *Client) CreateFolder(ctx context.Context, parentID, name string) (string, error) {
	meta := &drive.File{Name: name, MimeType: folderMIME}
	switch {
	case parentID != "":
		meta.Parents = []string{parentID}
	case c.config.Parent != "":
		meta.Parents = []string{c.config.Parent}
	}
	f, err := c.svc.Files.Create(meta).Context(ctx).Fields("id").Do()
	if err != nil {
		return "", mapErr(err)
	}
	return f.Id, nil
}

// toObject normalizes a Drive file into the engine's fixed shape.
func toObject(f *drive.File) *remote.Object {
	revision := strconv.FormatInt(f.Version, 10)
	if f.Version == 0 && f.Md5Checksum != "" {
		revision = f.Md5Checksum
	}
	modified, _ := time.Parse(time.RFC3339, f.ModifiedTime)
	return &remote.Object{
		ID:           f.Id,
		Name:         f.Name,
		Revision:     revision,
		MIMEType:     f.MimeType,
		Native:       strings.HasPrefix(f.MimeType, nativeMIME) && f.MimeType != folderMIME,
		Trashed:      f.Trashed,
		Folder:       f.MimeType == folderMIME,
		Size:         f.Size,
		ModifiedTime: modified,
	}
}

// mapErr translates transport failures into the engine's error taxonomy.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		reason := ""
		if len(gerr.Errors) > 0 {
			reason = gerr.Errors[0].Reason
		}
		switch {
		case gerr.Code == 404:
			return fmt.Errorf("%w: %v", remote.ErrNotFound, err)
		case gerr.Code == 401,
			gerr.Code == 403 && (reason == "insufficientFilePermissions" || reason == "appNotAuthorizedToFile"):
			return fmt.Errorf("%w: %v", remote.ErrPermission, err)
		case gerr.Code == 403 && (reason == "storageQuotaExceeded" || reason == "dailyLimitExceeded"):
			return fmt.Errorf("%w: %v", remote.ErrQuotaExhausted, err)
		case gerr.Code == 403, gerr.Code == 429, gerr.Code >= 500:
			// Drive reports throttling as 403 rateLimitExceeded /
			// userRateLimitExceeded / quotaExceeded.
			return fmt.Errorf("%w: %v", remote.ErrTransient, err)
		default:
			return err
		}
	}

	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", remote.ErrTransient, err)
	}
	return err
}
