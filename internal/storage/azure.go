package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/sirupsen/logrus"
)

const uploadBlockSize = 1 << 20

// AzureStorage keeps archive blobs in one container of an Azure storage account
type AzureStorage struct {
	client    *azblob.Client
	container string
	log       logrus.FieldLogger
}

var _ StorageInterface = (*AzureStorage)(nil)

// NewAzureStorage authenticates with the default Azure credential chain
// (managed identity in production, the CLI login locally) and creates the
// container when it does not exist yet
func NewAzureStorage(ctx context.Context, account, container string, log logrus.FieldLogger) (*AzureStorage, error) {
	if account == "" {
		return nil, fmt.Errorf("storage account name is required")
	}

	credential, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}
	client, err := azblob.NewClient(fmt.Sprintf("https://%s.blob.core.windows.net/", account), credential, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure blob client: %w", err)
	}

	s := &AzureStorage{
		client:    client,
		container: container,
		log:       log.WithFields(logrus.Fields{"component": "archive", "container": container}),
	}

	_, err = client.CreateContainer(ctx, container, nil)
	switch {
	case err == nil:
		s.log.Info("Created archive container")
	case bloberror.HasCode(err, bloberror.ContainerAlreadyExists):
	default:
		return nil, fmt.Errorf("failed to create container %s: %w", container, err)
	}
	return s, nil
}

func (s *AzureStorage) Store(ctx context.Context, name string, data []byte) error {
	_, err := s.client.UploadBuffer(ctx, s.container, name, data, &azblob.UploadBufferOptions{
		BlockSize:   uploadBlockSize,
		Concurrency: 3,
	})
	if err != nil {
		return fmt.Errorf("failed to upload blob %s: %w", name, err)
	}
	s.log.WithField("blob", name).Debug("Archived blob")
	return nil
}

func (s *AzureStorage) Retrieve(ctx context.Context, name string) ([]byte, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, name, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil, fmt.Errorf("blob %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to download blob %s: %w", name, err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

// List returns blob names under prefix in lexical order
func (s *AzureStorage) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list blobs under %s: %w", prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				names = append(names, *item.Name)
			}
		}
	}
	return names, nil
}

func (s *AzureStorage) Delete(ctx context.Context, name string) error {
	_, err := s.client.DeleteBlob(ctx, s.container, name, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("failed to delete blob %s: %w", name, err)
	}
	return nil
}
