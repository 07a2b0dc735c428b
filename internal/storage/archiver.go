package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/digkill/deckforge/internal/config"
)

const maxImageBytes = 32 << 20

type Config struct {
	Endpoint      string
	Region        string
	AccessKey     string
	SecretKey     string
	Bucket        string
	PublicBaseURL string
	UsePathStyle  bool
	Prefix        string
}

// ConfigFrom picks the S3 settings out of the service configuration.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		Endpoint:      cfg.S3Endpoint,
		Region:        cfg.S3Region,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		Bucket:        cfg.S3Bucket,
		PublicBaseURL: cfg.S3PublicBaseURL,
		UsePathStyle:  cfg.S3UsePathStyle,
		Prefix:        cfg.S3Prefix,
	}
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver copies generated images into our bucket so links outlive the provider's CDN.
type Archiver struct {
	cfg        Config
	client     objectPutter
	httpClient *http.Client
	now        func() time.Time
}

func NewArchiver(cfg Config) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3 credentials are required")
	}
	if cfg.PublicBaseURL == "" {
		return nil, fmt.Errorf("s3 public base url is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "generated"
	}

	options := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		options.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	return &Archiver{
		cfg:        cfg,
		client:     s3.New(options),
		httpClient: &http.Client{Timeout: time.Minute},
		now:        time.Now,
	}, nil
}

// Archive fetches the image behind imageURL (http(s) or data URL) and stores it publicly.
func (a *Archiver) Archive(ctx context.Context, imageURL string) (string, error) {
	data, contentType, err := a.fetch(ctx, imageURL)
	if err != nil {
		return "", err
	}
	return a.Upload(ctx, data, contentType)
}

func (a *Archiver) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("no data to upload")
	}
	if contentType == "" {
		contentType = "image/png"
	}

	key := a.generateKey(contentType)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		ACL:         types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return "", fmt.Errorf("upload to s3: %w", err)
	}
	return strings.TrimRight(a.cfg.PublicBaseURL, "/") + "/" + key, nil
}

func (a *Archiver) fetch(ctx context.Context, imageURL string) ([]byte, string, error) {
	if rest, ok := strings.CutPrefix(imageURL, "data:"); ok {
		meta, payload, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(meta, ";base64") {
			return nil, "", fmt.Errorf("unsupported data url")
		}
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, "", fmt.Errorf("decode data url: %w", err)
		}
		return data, strings.TrimSuffix(meta, ";base64"), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("new request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("download image: status=%d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, "", fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

func (a *Archiver) generateKey(contentType string) string {
	ext := extensionFromContentType(contentType)
	now := a.now().UTC()
	prefix := strings.Trim(a.cfg.Prefix, "/")
	return path.Join(prefix, fmt.Sprintf("%04d/%02d/%02d", now.Year(), now.Month(), now.Day()), uuid.NewString()+ext)
}

func extensionFromContentType(contentType string) string {
	ct, _, _ := strings.Cut(strings.ToLower(contentType), ";")
	switch strings.TrimSpace(ct) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}
