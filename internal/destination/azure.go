package destination

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureBlobDestination exports files to Azure Blob Storage as block blobs:
// parts are staged blocks, Finalize commits the ordered block list.
type AzureBlobDestination struct {
	client    *azblob.Client
	container string
	prefix    string
	format    Format
}

func newAzureBlob(cfg map[string]any) (*AzureBlobDestination, error) {
	account := cfgString(cfg, "account_name")
	container := cfgString(cfg, "container")
	if account == "" || container == "" {
		return nil, errors.New("azblob destination: account_name and container are required")
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net", account)

	cred, err := azblob.NewSharedKeyCredential(account, cfgString(cfg, "account_key"))
	if err != nil {
		return nil, fmt.Errorf("azblob destination: %w", err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azblob destination: %w", err)
	}

	format := FormatJSONLines
	if cfgString(cfg, "file_format") == "parquet" {
		format = FormatParquet
	}
	return &AzureBlobDestination{
		client:    client,
		container: container,
		prefix:    cfgString(cfg, "prefix"),
		format:    format,
	}, nil
}

func (d *AzureBlobDestination) Kind() string   { return KindAzureBlob }
func (d *AzureBlobDestination) Format() Format { return d.format }
func (d *AzureBlobDestination) Close() error   { return nil }

func (d *AzureBlobDestination) Open(_ context.Context, key string) (Upload, error) {
	blob := d.client.ServiceClient().
		NewContainerClient(d.container).
		NewBlockBlobClient(d.prefix + key)
	return &azureUpload{blob: blob}, nil
}

type azureUpload struct {
	blob *blockblob.Client

	mu      sync.Mutex
	indexes []int
}

func blockID(index int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("block-%010d", index)))
}

func (u *azureUpload) UploadPart(ctx context.Context, index int, data []byte) error {
	_, err := u.blob.StageBlock(ctx, blockID(index), streaming.NopCloser(bytes.NewReader(data)), nil)
	if err != nil {
		return classifyAzure(err)
	}
	u.mu.Lock()
	u.indexes = append(u.indexes, index)
	u.mu.Unlock()
	return nil
}

func (u *azureUpload) Finalize(ctx context.Context) error {
	u.mu.Lock()
	indexes := make([]int, len(u.indexes))
	copy(indexes, u.indexes)
	u.mu.Unlock()
	sort.Ints(indexes)
	ids := make([]string, 0, len(indexes))
	for _, i := range indexes {
		ids = append(ids, blockID(i))
	}
	if _, err := u.blob.CommitBlockList(ctx, ids, nil); err != nil {
		return classifyAzure(err)
	}
	return nil
}

func (u *azureUpload) Abort(_ context.Context) error {
	// Uncommitted blocks are garbage-collected by the service.
	return nil
}

func classifyAzure(err error) error {
	switch {
	case bloberror.HasCode(err, bloberror.ServerBusy),
		bloberror.HasCode(err, bloberror.OperationTimedOut),
		bloberror.HasCode(err, bloberror.InternalError):
		return transient(KindAzureBlob, "server", err)
	case bloberror.HasCode(err, bloberror.AuthenticationFailed),
		bloberror.HasCode(err, bloberror.AuthorizationFailure),
		bloberror.HasCode(err, bloberror.ContainerNotFound),
		bloberror.HasCode(err, bloberror.InvalidResourceName):
		return permanent(KindAzureBlob, "request", err)
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		code := fmt.Sprintf("%d", respErr.StatusCode)
		if respErr.StatusCode == 429 || respErr.StatusCode >= 500 {
			return transient(KindAzureBlob, code, err)
		}
		if respErr.StatusCode == 401 || respErr.StatusCode == 403 || respErr.StatusCode == 404 {
			return permanent(KindAzureBlob, code, err)
		}
	}
	return err
}
