package blob

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/ajitpratap0/quasar/pkg/config"
	"github.com/ajitpratap0/quasar/pkg/errors"
)

// Azure stores objects in an Azure Blob Storage container
type Azure struct {
	client    *azblob.Client
	container string
	prefix    string
}

// NewAzure creates an Azure store authenticated with a shared account key
func NewAzure(cfg config.BlobConfig) (*Azure, error) {
	cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create Azure shared key credential")
	}
	serviceURL := cfg.ServiceURL
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create Azure blob client")
	}
	return &Azure{client: client, container: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *Azure) Put(ctx context.Context, key string, data []byte) error {
	k, err := CleanKey(key)
	if err != nil {
		return err
	}
	if _, err := a.client.UploadBuffer(ctx, a.container, prefixed(a.prefix, k), data, nil); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeConnection, "failed to upload %s/%s", a.container, k)
	}
	return nil
}

func (a *Azure) Get(ctx context.Context, key string) ([]byte, error) {
	k, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.DownloadStream(ctx, a.container, prefixed(a.prefix, k), nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, notFound(k, err)
		}
		return nil, errors.Wrapf(err, errors.ErrorTypeConnection, "failed to download %s/%s", a.container, k)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConnection, "failed to read %s/%s", a.container, k)
	}
	return data, nil
}

func (a *Azure) List(ctx context.Context, prefix string) ([]string, error) {
	full := prefixed(a.prefix, prefix)
	pager := a.client.NewListBlobsFlatPager(a.container, &azblob.ListBlobsFlatOptions{Prefix: &full})
	var keys []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeConnection, "failed to list %s/%s", a.container, prefix)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				keys = append(keys, unprefixed(a.prefix, *item.Name))
			}
		}
	}
	return keys, nil
}

func (a *Azure) Delete(ctx context.Context, key string) error {
	k, err := CleanKey(key)
	if err != nil {
		return err
	}
	_, err = a.client.DeleteBlob(ctx, a.container, prefixed(a.prefix, k), nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return errors.Wrapf(err, errors.ErrorTypeConnection, "failed to delete %s/%s", a.container, k)
	}
	return nil
}

func (a *Azure) Close() error { return nil }

var _ Store = (*Azure)(nil)
