package nuxeo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/nxdrive/drivesync/internal/remote"
	"github.com/nxdrive/drivesync/internal/state"
)

// fsItem is the JSON form of a file system item.
type fsItem struct {
	ID               string `json:"id"`
	ParentID         string `json:"parentId"`
	Path             string `json:"path"`
	Name             string `json:"name"`
	Folder           bool   `json:"folder"`
	LastModification int64  `json:"lastModificationDate"`
	Digest           string `json:"digest"`
	DigestAlgorithm  string `json:"digestAlgorithm"`
	Size             int64  `json:"size"`
	DownloadURL      string `json:"downloadURL"`
	LockInfo         *struct {
		Owner string `json:"owner"`
	} `json:"lockInfo"`
	CanRename      bool `json:"canRename"`
	CanDelete      bool `json:"canDelete"`
	CanUpdate      bool `json:"canUpdate"`
	CanCreateChild bool `json:"canCreateChild"`
}

func (it *fsItem) info() *remote.Info {
	if it == nil || it.ID == "" {
		return nil
	}
	info := &remote.Info{
		UID:            it.ID,
		ParentUID:      it.ParentID,
		Path:           it.Path,
		Name:           it.Name,
		Folderish:      it.Folder,
		LastModified:   time.UnixMilli(it.LastModification).UTC(),
		Size:           it.Size,
		DownloadURL:    it.DownloadURL,
		CanRename:      it.CanRename,
		CanDelete:      it.CanDelete,
		CanUpdate:      it.CanUpdate,
		CanCreateChild: it.CanCreateChild,
	}
	if !it.Folder && it.Digest != "" {
		info.Digest = state.Digest{Algorithm: it.DigestAlgorithm, Value: it.Digest}
	}
	if it.LockInfo != nil {
		info.LockOwner = it.LockInfo.Owner
	}
	return info
}

// GetInfo returns the file system item identified by ref. Concurrent calls
// for the same ref share one request.
func (c *Client) GetInfo(ctx context.Context, ref string) (*remote.Info, error) {
	v, err, _ := c.infoGroup.Do(ref, func() (any, error) {
		var it fsItem
		if err := c.operation(ctx, "NuxeoDrive.GetFileSystemItem", "", map[string]any{"id": ref}, &it); err != nil {
			return nil, err
		}
		info := it.info()
		if info == nil {
			return nil, remote.ErrNotFound
		}
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	cp := *v.(*remote.Info)
	return &cp, nil
}

// GetChildren lists the children of a folder item.
func (c *Client) GetChildren(ctx context.Context, ref string) ([]*remote.Info, error) {
	var items []fsItem
	if err := c.operation(ctx, "NuxeoDrive.GetChildren", "", map[string]any{"id": ref}, &items); err != nil {
		return nil, err
	}
	out := make([]*remote.Info, 0, len(items))
	for i := range items {
		if info := items[i].info(); info != nil {
			out = append(out, info)
		}
	}
	return out, nil
}

type changeJSON struct {
	EventID   string  `json:"eventId"`
	EventDate int64   `json:"eventDate"`
	DocUUID   string  `json:"docUuid"`
	ItemID    string  `json:"fileSystemItemId"`
	ItemName  string  `json:"fileSystemItemName"`
	Item      *fsItem `json:"fileSystemItem"`
}

type summaryJSON struct {
	Changes           []changeJSON `json:"fileSystemChanges"`
	SyncDate          int64        `json:"syncDate"`
	UpperBound        int64        `json:"upperBound"`
	ActiveRoots       string       `json:"activeSynchronizationRootDefinitions"`
	HasTooManyChanges bool         `json:"hasTooManyChanges"`
}

// GetChangeSummary returns the changes logged after lowerBound.
func (c *Client) GetChangeSummary(ctx context.Context, lowerBound int64, lastRoots string) (*remote.ChangeSummary, error) {
	var raw summaryJSON
	params := map[string]any{
		"lowerBound":                    lowerBound,
		"lastSyncActiveRootDefinitions": lastRoots,
	}
	if err := c.operation(ctx, "NuxeoDrive.GetChangeSummary", "", params, &raw); err != nil {
		return nil, err
	}

	out := &remote.ChangeSummary{
		SyncDate:          raw.SyncDate,
		UpperBound:        raw.UpperBound,
		ActiveRoots:       raw.ActiveRoots,
		HasTooManyChanges: raw.HasTooManyChanges,
		Changes:           make([]remote.Change, 0, len(raw.Changes)),
	}
	for _, ch := range raw.Changes {
		out.Changes = append(out.Changes, remote.Change{
			EventID:   ch.EventID,
			EventDate: time.UnixMilli(ch.EventDate).UTC(),
			DocUUID:   ch.DocUUID,
			ItemID:    ch.ItemID,
			ItemName:  ch.ItemName,
			Item:      ch.Item.info(),
		})
	}
	return out, nil
}

// SetSynchronization registers or unregisters a folder as a sync root.
func (c *Client) SetSynchronization(ctx context.Context, ref string, enable bool) error {
	return c.operation(ctx, "NuxeoDrive.SetSynchronization", "doc:"+DocUID(ref),
		map[string]any{"enable": enable}, nil)
}

// MakeFolder creates a folder under parentRef.
func (c *Client) MakeFolder(ctx context.Context, parentRef, name string) (*remote.Info, error) {
	var it fsItem
	if err := c.operation(ctx, "NuxeoDrive.CreateFolder", "",
		map[string]any{"parentId": parentRef, "name": name, "overwrite": true}, &it); err != nil {
		return nil, err
	}
	return it.info(), nil
}

// Rename renames an item.
func (c *Client) Rename(ctx context.Context, ref, name string) (*remote.Info, error) {
	var it fsItem
	if err := c.operation(ctx, "NuxeoDrive.Rename", "", map[string]any{"id": ref, "name": name}, &it); err != nil {
		return nil, err
	}
	return it.info(), nil
}

// Move moves an item under parentRef.
func (c *Client) Move(ctx context.Context, ref, parentRef string) (*remote.Info, error) {
	var it fsItem
	if err := c.operation(ctx, "NuxeoDrive.Move", "", map[string]any{"srcId": ref, "destId": parentRef}, &it); err != nil {
		return nil, err
	}
	return it.info(), nil
}

// Delete trashes an item, or deletes it for good when trash is false.
func (c *Client) Delete(ctx context.Context, ref string, trash bool) error {
	if trash {
		return c.operation(ctx, "NuxeoDrive.Delete", "", map[string]any{"id": ref}, nil)
	}
	return c.operation(ctx, "Document.Delete", "doc:"+DocUID(ref), map[string]any{}, nil)
}

// Lock locks the document behind ref.
func (c *Client) Lock(ctx context.Context, ref string) error {
	return c.operation(ctx, "Document.Lock", "doc:"+DocUID(ref), map[string]any{}, nil)
}

// Unlock unlocks the document behind ref.
func (c *Client) Unlock(ctx context.Context, ref string) error {
	return c.operation(ctx, "Document.Unlock", "doc:"+DocUID(ref), map[string]any{}, nil)
}

// Download streams the blob of info from offset. Servers ignoring the
// Range header are handled by skipping the first offset bytes.
func (c *Client) Download(ctx context.Context, info *remote.Info, offset int64) (io.ReadCloser, error) {
	if info.DownloadURL == "" {
		return nil, fmt.Errorf("no download URL for %s", info.UID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+trimLeadingSlash(info.DownloadURL), nil)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp, info.UID); err != nil {
		resp.Body.Close()
		return nil, err
	}
	if offset > 0 && resp.StatusCode == http.StatusOK {
		if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
			resp.Body.Close()
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("failed to skip to offset %d: %w", offset, err)
		}
	}
	return resp.Body, nil
}

func trimLeadingSlash(p string) string {
	for len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	return p
}
