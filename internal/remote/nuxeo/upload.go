package nuxeo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/nxdrive/drivesync/internal/remote"
)

type batchStatus struct {
	UploadedChunkIDs []int  `json:"uploadedChunkIds"`
	ChunkCount       int    `json:"chunkCount"`
	UploadType       string `json:"uploadType"`
}

// NewBatch opens an upload batch, on S3 when direct uploads are enabled.
func (c *Client) NewBatch(ctx context.Context) (*remote.Batch, error) {
	path := uploadPath
	if c.s3Enabled() {
		path += "new/" + remote.ProviderS3
	}
	var b remote.Batch
	if err := c.do(ctx, http.MethodPost, path, nil, nil, &b); err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}
	if b.ID == "" {
		return nil, fmt.Errorf("server returned an empty batch id")
	}
	return &b, nil
}

func (c *Client) batchFilePath(b *remote.Batch) string {
	return uploadPath + url.PathEscape(b.ID) + "/" + strconv.Itoa(b.FileIdx)
}

// BatchStatus refreshes the acknowledged chunks of b. A batch unknown to the
// server yields remote.ErrBatchExpired.
func (c *Client) BatchStatus(ctx context.Context, b *remote.Batch) (*remote.Batch, error) {
	out := cloneBatch(b)
	if b.IsS3() {
		// S3 parts are tracked client-side; only check that the batch exists.
		if err := c.do(ctx, http.MethodGet, uploadPath+url.PathEscape(b.ID), nil, nil, nil); err != nil {
			if errors.Is(err, remote.ErrNotFound) {
				return nil, remote.ErrBatchExpired
			}
			return nil, err
		}
		return out, nil
	}

	var st batchStatus
	if err := c.do(ctx, http.MethodGet, c.batchFilePath(b), nil, nil, &st); err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return nil, remote.ErrBatchExpired
		}
		return nil, err
	}
	out.UploadedChunks = st.UploadedChunkIDs
	if st.ChunkCount > 0 {
		out.ChunkCount = st.ChunkCount
	}
	return out, nil
}

// UploadChunk sends one chunk and returns the updated batch.
func (c *Client) UploadChunk(ctx context.Context, b *remote.Batch, chunk remote.Chunk) (*remote.Batch, error) {
	if b.IsS3() {
		return c.uploadS3Part(ctx, b, chunk)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.batchFilePath(b), chunk.Data)
	if err != nil {
		return nil, err
	}
	req.ContentLength = chunk.Size
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Upload-Type", "chunked")
	req.Header.Set("X-Upload-Chunk-Index", strconv.Itoa(chunk.Index))
	req.Header.Set("X-Upload-Chunk-Count", strconv.Itoa(chunk.Count))
	req.Header.Set("X-File-Name", url.PathEscape(chunk.FileName))
	req.Header.Set("X-File-Size", strconv.FormatInt(chunk.FileSize, 10))

	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, remote.ErrBatchExpired
	}
	if err := checkStatus(resp, b.ID); err != nil {
		return nil, err
	}

	out := cloneBatch(b)
	out.ChunkCount = chunk.Count
	var st batchStatus
	if err := decodeJSON(resp.Body, &st); err == nil && len(st.UploadedChunkIDs) > 0 {
		out.UploadedChunks = st.UploadedChunkIDs
	} else if !out.HasChunk(chunk.Index) {
		out.UploadedChunks = append(out.UploadedChunks, chunk.Index)
	}
	return out, nil
}

type presigned struct {
	URL string `json:"url"`
}

// uploadS3Part PUTs a chunk to a pre-signed S3 URL and records its ETag.
func (c *Client) uploadS3Part(ctx context.Context, b *remote.Batch, chunk remote.Chunk) (*remote.Batch, error) {
	var ps presigned
	q := "?partNumber=" + strconv.Itoa(chunk.Index+1)
	if err := c.do(ctx, http.MethodGet, c.batchFilePath(b)+"/presign"+q, nil, nil, &ps); err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return nil, remote.ErrBatchExpired
		}
		return nil, fmt.Errorf("failed to presign part %d: %w", chunk.Index, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, ps.URL, chunk.Data)
	if err != nil {
		return nil, err
	}
	req.ContentLength = chunk.Size
	// Pre-signed URLs carry their own credentials.
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("PUT part %d: %w", chunk.Index, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, b.ID); err != nil {
		return nil, err
	}

	out := cloneBatch(b)
	out.ChunkCount = chunk.Count
	if out.ETags == nil {
		out.ETags = make(map[int]string)
	}
	out.ETags[chunk.Index] = strings.Trim(resp.Header.Get("ETag"), `"`)
	if !out.HasChunk(chunk.Index) {
		out.UploadedChunks = append(out.UploadedChunks, chunk.Index)
	}
	return out, nil
}

// Attach turns the uploaded batch into a document. req.RequestUID is sent
// as the idempotency key so a retried attach does not duplicate the file.
func (c *Client) Attach(ctx context.Context, b *remote.Batch, req remote.AttachRequest) (*remote.Info, error) {
	if b.IsS3() {
		parts := make([]map[string]any, 0, len(b.ETags))
		for i := 0; i < b.ChunkCount; i++ {
			parts = append(parts, map[string]any{"partNumber": i + 1, "etag": b.ETags[i]})
		}
		if err := c.do(ctx, http.MethodPost, c.batchFilePath(b)+"/complete", map[string]any{"parts": parts}, nil, nil); err != nil {
			return nil, fmt.Errorf("failed to complete S3 upload: %w", err)
		}
	}

	op := "NuxeoDrive.CreateFile"
	params := map[string]any{"parentId": req.ParentRef, "name": req.Name, "overwrite": true}
	if req.Ref != "" {
		op = "NuxeoDrive.UpdateFile"
		params = map[string]any{"id": req.Ref, "parentId": req.ParentRef}
	}
	headers := map[string]string{}
	if req.RequestUID != "" {
		headers[idempotencyKey] = req.RequestUID
	}

	var it fsItem
	path := c.batchFilePath(b) + "/execute/" + op
	if err := c.do(ctx, http.MethodPost, path, map[string]any{"params": params}, headers, &it); err != nil {
		if errors.Is(err, remote.ErrNotFound) && req.Ref == "" {
			return nil, remote.ErrBatchExpired
		}
		return nil, err
	}
	info := it.info()
	if info == nil {
		return nil, fmt.Errorf("attach of batch %s returned no item", b.ID)
	}
	return info, nil
}

// CancelBatch drops a batch and its chunks on the server.
func (c *Client) CancelBatch(ctx context.Context, b *remote.Batch) error {
	err := c.do(ctx, http.MethodDelete, uploadPath+url.PathEscape(b.ID), nil, nil, nil)
	if errors.Is(err, remote.ErrNotFound) {
		return nil
	}
	return err
}

func cloneBatch(b *remote.Batch) *remote.Batch {
	out := *b
	out.UploadedChunks = append([]int(nil), b.UploadedChunks...)
	if b.ETags != nil {
		out.ETags = make(map[int]string, len(b.ETags))
		for k, v := range b.ETags {
			out.ETags[k] = v
		}
	}
	return &out
}

func decodeJSON(r io.Reader, out any) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return io.EOF
	}
	return json.Unmarshal(data, out)
}
