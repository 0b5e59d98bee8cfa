package workspace

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	drive "google.golang.org/api/drive/v3"
)

// DriveClient exposes the Drive operations served over MCP.
type DriveClient struct {
	svc      *drive.Service
	breakers *callGuard
}

// Search lists files matching a full-text query.
func (c *DriveClient) Search(ctx context.Context, query string, pageSize int64) ([]File, error) {
	if pageSize <= 0 {
		pageSize = 25
	}

	call := c.svc.Files.List().
		PageSize(pageSize).
		Fields("files(id, name, mimeType, webViewLink, modifiedTime, size)").
		OrderBy("modifiedTime desc")
	if query != "" {
		call = call.Q(fmt.Sprintf("fullText contains '%s' and trashed = false", escapeQuery(query)))
	}

	var result *drive.FileList
	err := c.breakers.Do(ctx, "drive.files.list", func(ctx context.Context) error {
		var err error
		result, err = call.Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	files := make([]File, 0, len(result.Files))
	for _, f := range result.Files {
		modified, _ := time.Parse(time.RFC3339, f.ModifiedTime)
		files = append(files, File{
			ID:           f.Id,
			Name:         f.Name,
			MimeType:     f.MimeType,
			WebViewLink:  f.WebViewLink,
			ModifiedTime: modified,
			Size:         f.Size,
		})
	}
	return files, nil
}

// ReadText exports a file's content as plain text. Google-native documents
// are exported; other files are downloaded raw. Content is capped at
// maxBytes to keep MCP responses bounded.
func (c *DriveClient) ReadText(ctx context.Context, fileID string, maxBytes int64) (string, error) {
	if fileID == "" {
		return "", fmt.Errorf("file id is required")
	}
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}

	var meta *drive.File
	err := c.breakers.Do(ctx, "drive.files.get", func(ctx context.Context) error {
		var err error
		meta, err = c.svc.Files.Get(fileID).Fields("id, name, mimeType").Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", err
	}

	var content string
	err = c.breakers.Do(ctx, "drive.files.download", func(ctx context.Context) error {
		var resp io.ReadCloser
		if strings.HasPrefix(meta.MimeType, "application/vnd.google-apps.") {
			r, err := c.svc.Files.Export(fileID, "text/plain").Context(ctx).Download()
			if err != nil {
				return err
			}
			resp = r.Body
		} else {
			r, err := c.svc.Files.Get(fileID).Context(ctx).Download()
			if err != nil {
				return err
			}
			resp = r.Body
		}
		defer resp.Close()

		data, err := io.ReadAll(io.LimitReader(resp, maxBytes))
		if err != nil {
			return err
		}
		content = string(data)
		return nil
	})
	return content, err
}

// escapeQuery escapes single quotes for embedding in a Drive query string.
func escapeQuery(q string) string {
	return strings.ReplaceAll(strings.ReplaceAll(q, `\`, `\\`), `'`, `\'`)
}
