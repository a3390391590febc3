package mongodb

import (
	"context"
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
)

// UploadBlobAndGetURL stores a blob (audio recordings) in GridFS and
// returns a stable reference URL for the message payload.
func (c *Client) UploadBlobAndGetURL(_ context.Context, name string, r io.Reader) (string, error) {
	bucket, err := gridfs.NewBucket(c.db)
	if err != nil {
		return "", fmt.Errorf("gridfs bucket: %w", err)
	}
	fileID, err := bucket.UploadFromStream(name, r)
	if err != nil {
		return "", fmt.Errorf("gridfs upload: %w", err)
	}
	return blobURL(c.cfg.Database, fileID), nil
}

func blobURL(database string, fileID primitive.ObjectID) string {
	return fmt.Sprintf("gridfs://%s/%s", database, fileID.Hex())
}
