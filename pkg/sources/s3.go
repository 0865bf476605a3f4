package sources

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/g8r/g8r/pkg/config"
	"github.com/g8r/g8r/pkg/engine"
)

// maxObjectSize bounds a single snapshot object.
const maxObjectSize = 8 << 20

// S3Source reads a stack from objects in an S3-compatible bucket. Its revision
// is a hash over the keys, ETags and version ids of the snapshot objects.
type S3Source struct {
	name       string
	bucket     string
	prefix     string
	configPath string
	client     *minio.Client
	loader     *config.SnapshotLoader
	logger     zerolog.Logger
}

// NewS3Source creates a source for a stack whose source has a "bucket" and
// optionally "prefix", "endpoint", "region", "access_key" and "secret_key"
// settings. Unset connection settings fall back to cfg.
func NewS3Source(stack *engine.Stack, cfg config.S3Config, loader *config.SnapshotLoader, logger zerolog.Logger) (*S3Source, error) {
	bucket := stack.Source["bucket"]
	if bucket == "" {
		return nil, engine.NewConfigurationError("s3 stack source requires a bucket", nil).WithResource(stack.Name)
	}

	endpoint := firstNonEmpty(stack.Source["endpoint"], cfg.Endpoint)
	accessKey := firstNonEmpty(stack.Source["access_key"], cfg.AccessKey)
	secretKey := firstNonEmpty(stack.Source["secret_key"], cfg.SecretKey)
	region := firstNonEmpty(stack.Source["region"], cfg.Region)
	secure := cfg.UseSSL
	if v, ok := stack.Source["use_ssl"]; ok {
		secure = v == "true"
	}

	var creds *credentials.Credentials
	if accessKey != "" {
		creds = credentials.NewStaticV4(accessKey, secretKey, "")
	} else {
		creds = credentials.NewEnvAWS()
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: secure,
		Region: region,
	})
	if err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("invalid s3 endpoint %q", endpoint), err).WithResource(stack.Name)
	}

	return &S3Source{
		name:       stack.Name,
		bucket:     bucket,
		prefix:     strings.Trim(stack.Source["prefix"], "/"),
		configPath: stack.ConfigPath,
		client:     client,
		loader:     loader,
		logger:     logger.With().Str("component", "s3-source").Str("stack", stack.Name).Logger(),
	}, nil
}

// Revision lists the snapshot objects and hashes their identities.
func (s *S3Source) Revision(ctx context.Context) (string, error) {
	objects, err := s.list(ctx)
	if err != nil {
		return "", err
	}
	return objectsRevision(objects), nil
}

// Load downloads the snapshot objects and decodes them.
func (s *S3Source) Load(ctx context.Context, revision string) (*engine.Snapshot, error) {
	objects, err := s.list(ctx)
	if err != nil {
		return nil, err
	}
	if current := objectsRevision(objects); revision != "" && current != revision {
		s.logger.Debug().Str("requested", revision).Str("current", current).Msg("Objects changed since revision check")
	}

	docs := make(map[string][]byte, len(objects))
	for _, obj := range objects {
		if obj.Size > maxObjectSize {
			return nil, engine.NewConfigurationError(fmt.Sprintf("%s exceeds %d bytes", obj.Key, maxObjectSize), nil).
				WithResource(s.name)
		}
		data, err := s.get(ctx, obj)
		if err != nil {
			return nil, err
		}
		docs[s.relative(obj.Key)] = data
	}
	return s.loader.LoadDocuments(docs, s.configPath)
}

// list returns the snapshot objects below prefix/config_path ordered by key.
func (s *S3Source) list(ctx context.Context) ([]minio.ObjectInfo, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	listPrefix := path.Join(s.prefix, s.configPath)
	if listPrefix == "." {
		listPrefix = ""
	} else if listPrefix != "" {
		listPrefix += "/"
	}

	var objects []minio.ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: listPrefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, s.classify("list", obj.Err)
		}
		if !isSnapshotFile(obj.Key) {
			continue
		}
		objects = append(objects, obj)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (s *S3Source) get(ctx context.Context, obj minio.ObjectInfo) ([]byte, error) {
	opts := minio.GetObjectOptions{}
	if obj.VersionID != "" {
		opts.VersionID = obj.VersionID
	}
	reader, err := s.client.GetObject(ctx, s.bucket, obj.Key, opts)
	if err != nil {
		return nil, s.classify("get", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(io.LimitReader(reader, maxObjectSize+1))
	if err != nil {
		return nil, s.classify("read", err)
	}
	return data, nil
}

// relative strips the source prefix so keys line up with config_path.
func (s *S3Source) relative(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, s.prefix+"/")
}

func (s *S3Source) classify(op string, err error) error {
	msg := fmt.Sprintf("s3 %s in bucket %s failed", op, s.bucket)
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchBucket", "NoSuchKey":
		return engine.NewConfigurationError(msg, err).WithResource(s.name)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return engine.NewPermanentError(msg, err).WithResource(s.name)
	case "SlowDown":
		return engine.NewThrottledError(msg, err).WithResource(s.name)
	default:
		return engine.NewTransientError(msg, err).WithResource(s.name)
	}
}

func objectsRevision(objects []minio.ObjectInfo) string {
	h := sha256.New()
	for _, obj := range objects {
		fmt.Fprintf(h, "%s\x00%s\x00%s\n", obj.Key, obj.ETag, obj.VersionID)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
