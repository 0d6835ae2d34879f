package storage

import (
	"context"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/tundradb/tundra/pkg/codec"
	"github.com/tundradb/tundra/pkg/config"
	"github.com/tundradb/tundra/pkg/errors"
)

// Azure stores keys as block blobs in one container. ETag conditions give
// both the once-only put (If-None-Match: *) and a linearizable ref CAS
// (If-Match on the ETag observed while validating the expected payload).
type Azure struct {
	client    *azblob.Client
	container string
	prefix    string
}

// NewAzure builds the backend from a connection string in cfg.URI
func NewAzure(cfg config.BackendConfig) (*Azure, error) {
	if cfg.URI == "" || cfg.Bucket == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "azure backend requires uri and container")
	}
	client, err := azblob.NewClientFromConnectionString(cfg.URI, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create azure client")
	}
	return &Azure{
		client:    client,
		container: cfg.Bucket,
		prefix:    strings.TrimSuffix(cfg.Root, "/"),
	}, nil
}

// Name implements Backend
func (a *Azure) Name() string { return "azure" }

func (a *Azure) blobName(key string) string {
	if a.prefix == "" {
		return key
	}
	return a.prefix + "/" + key
}

func (a *Azure) fromBlobName(name string) string {
	if a.prefix == "" {
		return name
	}
	return strings.TrimPrefix(name, a.prefix+"/")
}

func mapAzureError(err error, key string) error {
	if err == nil {
		return nil
	}
	switch {
	case bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound):
		return notFound(key)
	case bloberror.HasCode(err, bloberror.ConditionNotMet, bloberror.BlobAlreadyExists):
		return alreadyExists(key)
	}
	return errors.Wrap(err, errors.ErrorTypeTransient, "azure request failed")
}

func absentCondition() *blob.AccessConditions {
	return &blob.AccessConditions{
		ModifiedAccessConditions: &blob.ModifiedAccessConditions{
			IfNoneMatch: to.Ptr(azcore.ETagAny),
		},
	}
}

// Put implements Backend
func (a *Azure) Put(ctx context.Context, key string, data []byte, ifAbsent bool) error {
	opts := &azblob.UploadBufferOptions{}
	if ifAbsent {
		opts.AccessConditions = absentCondition()
	}
	_, err := a.client.UploadBuffer(ctx, a.container, a.blobName(key), data, opts)
	return mapAzureError(err, key)
}

// Get implements Backend
func (a *Azure) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := a.client.DownloadStream(ctx, a.container, a.blobName(key), nil)
	if err != nil {
		return nil, mapAzureError(err, key)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransient, "failed to read blob body")
	}
	if resp.ContentLength != nil && int64(len(data)) != *resp.ContentLength {
		return nil, errors.New(errors.ErrorTypeCorrupt, "partial blob read")
	}
	return data, nil
}

// Exists implements Backend
func (a *Azure) Exists(ctx context.Context, key string) (bool, error) {
	_, err := a.blobClient(key).GetProperties(ctx, nil)
	if err != nil {
		if errors.IsType(mapAzureError(err, key), errors.ErrorTypeNotFound) {
			return false, nil
		}
		return false, mapAzureError(err, key)
	}
	return true, nil
}

// Delete implements Backend
func (a *Azure) Delete(ctx context.Context, key string) error {
	_, err := a.client.DeleteBlob(ctx, a.container, a.blobName(key), nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return errors.Wrap(err, errors.ErrorTypeTransient, "azure delete failed")
	}
	return nil
}

// List implements Backend
func (a *Azure) List(ctx context.Context, prefix string, fn func(string) bool) error {
	full := a.blobName(prefix)
	pager := a.client.NewListBlobsFlatPager(a.container, &azblob.ListBlobsFlatOptions{
		Prefix: &full,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeTransient, "azure list failed")
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			if !fn(a.fromBlobName(*item.Name)) {
				return nil
			}
		}
	}
	return nil
}

func (a *Azure) blobClient(key string) *blob.Client {
	return a.client.ServiceClient().
		NewContainerClient(a.container).
		NewBlobClient(a.blobName(key))
}

// AtomicReplace implements Backend
func (a *Azure) AtomicReplace(ctx context.Context, key string, oldHash *uint64, data []byte) error {
	if oldHash == nil {
		err := a.Put(ctx, key, data, true)
		if errors.IsType(err, errors.ErrorTypeConflict) {
			return lostRace(key)
		}
		return err
	}

	props, err := a.blobClient(key).GetProperties(ctx, nil)
	if err != nil {
		if errors.IsType(mapAzureError(err, key), errors.ErrorTypeNotFound) {
			return lostRace(key)
		}
		return mapAzureError(err, key)
	}
	current, err := a.Get(ctx, key)
	if err != nil {
		return err
	}
	if codec.Hash(current) != *oldHash {
		return lostRace(key)
	}

	opts := &azblob.UploadBufferOptions{
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfMatch: props.ETag,
			},
		},
	}
	_, err = a.client.UploadBuffer(ctx, a.container, a.blobName(key), data, opts)
	if bloberror.HasCode(err, bloberror.ConditionNotMet) {
		return lostRace(key)
	}
	return mapAzureError(err, key)
}

// Close implements Backend
func (a *Azure) Close() error { return nil }
