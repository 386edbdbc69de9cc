// Copyright The ovswatch Authors
// SPDX-License-Identifier: Apache-2.0

package reporter // import "github.com/ovswatch/ovswatch/reporter"

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ArchiveUploader ships finished capture files to an S3 bucket for fleet
// collection. Uploading is strictly post-capture; nothing on the probe path
// waits for it.
type ArchiveUploader struct {
	client *s3.Client
	bucket string
}

// NewArchiveUploader builds an uploader for bucket using the ambient AWS
// configuration.
func NewArchiveUploader(ctx context.Context, bucket string) (*ArchiveUploader, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %v", err)
	}
	return &ArchiveUploader{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
	}, nil
}

// Upload stores the capture file at path under its base name.
func (u *ArchiveUploader) Upload(ctx context.Context, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening capture file: %v", err)
	}
	defer file.Close()

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(filepath.Base(path)),
		Body:        file,
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("uploading capture file: %w", err)
	}
	return nil
}
