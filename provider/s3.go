package provider

import (
	"context"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/xerrors"
)

var _ Provider = (*S3Provider)(nil)

const (
	s3Scheme = "s3://"

	// MtimeKey is the object metadata key holding the source file's
	// modification time, RFC 3339.
	MtimeKey = "autorec-mtime"

	dicomContentType = "application/dicom"
)

// dicomExts are the extensions result images are written with.
var dicomExts = map[string]bool{
	".dcm":      true,
	".sdcopen":  true,
	".dicom":    true,
	".MR":       true,
	".sdcclose": true,
}

// ParseS3Dest splits s3://bucket[/prefix] into bucket and prefix. ok is
// false when dest is not an S3 URL.
func ParseS3Dest(dest string) (bucket, prefix string, ok bool, err error) {
	if !strings.HasPrefix(dest, s3Scheme) {
		return "", "", false, nil
	}
	bucket, prefix, _ = strings.Cut(strings.TrimPrefix(dest, s3Scheme), "/")
	if bucket == "" {
		return "", "", true, xerrors.Errorf("no bucket in %s", dest)
	}
	return bucket, strings.Trim(prefix, "/"), true, nil
}

type s3FileInfo struct {
	name    string
	size    int64
	isDir   bool
	modTime time.Time
}

func (f *s3FileInfo) Name() string       { return f.name }
func (f *s3FileInfo) Size() int64        { return f.size }
func (f *s3FileInfo) IsDir() bool        { return f.isDir }
func (f *s3FileInfo) ModTime() time.Time { return f.modTime }

// S3Provider stores result copies under a key prefix in one bucket.
type S3Provider struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Provider creates an S3Provider using the default AWS credential
// chain (environment, shared config, instance role).
func NewS3Provider(ctx context.Context, bucket, prefix string) (*S3Provider, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, xerrors.Errorf("unable to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg)
	return &S3Provider{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}, nil
}

// objectKey maps a provider path to its key below the prefix.
func (p *S3Provider) objectKey(pth string) string {
	return strings.TrimPrefix(path.Join(p.prefix, strings.TrimPrefix(pth, "/")), "/")
}

// Stat returns the object at pth, or a directory entry if pth is a
// non-empty key prefix. The source mtime recorded on upload is preferred
// over the upload time.
func (p *S3Provider) Stat(ctx context.Context, pth string) (FileInfo, error) {
	key := p.objectKey(pth)

	head, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		mtime := aws.ToTime(head.LastModified)
		if t, ok := sourceMtime(head.Metadata); ok {
			mtime = t
		}
		return &s3FileInfo{
			name:    path.Base(key),
			size:    aws.ToInt64(head.ContentLength),
			modTime: mtime,
		}, nil
	}

	dirPrefix := key + "/"
	if key == "" {
		dirPrefix = ""
	}
	out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		Prefix:  aws.String(dirPrefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return nil, xerrors.Errorf("stat failed for %q: %w", pth, err)
	}
	if len(out.Contents) > 0 || len(out.CommonPrefixes) > 0 {
		return &s3FileInfo{name: path.Base(key), isDir: true}, nil
	}
	return nil, xerrors.Errorf("object not found: s3://%s/%s", p.bucket, key)
}

// List returns the objects and common prefixes directly below pth.
func (p *S3Provider) List(ctx context.Context, pth string) ([]FileInfo, error) {
	dirPrefix := p.objectKey(pth)
	if dirPrefix != "" {
		dirPrefix += "/"
	}

	var infos []FileInfo
	pages := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(p.bucket),
		Prefix:    aws.String(dirPrefix),
		Delimiter: aws.String("/"),
	})
	for pages.HasMorePages() {
		out, err := pages.NextPage(ctx)
		if err != nil {
			return nil, xerrors.Errorf("failed to list %q: %w", pth, err)
		}
		for _, cp := range out.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), dirPrefix), "/")
			infos = append(infos, &s3FileInfo{name: name, isDir: true})
		}
		for _, obj := range out.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), dirPrefix)
			if name == "" || strings.HasSuffix(name, "/") {
				continue
			}
			infos = append(infos, &s3FileInfo{
				name:    name,
				size:    aws.ToInt64(obj.Size),
				modTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	return infos, nil
}

// OpenRead opens an object for streaming reads.
func (p *S3Provider) OpenRead(ctx context.Context, pth string) (io.ReadCloser, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.objectKey(pth)),
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to open %q for reading: %w", pth, err)
	}
	return out.Body, nil
}

// OpenWrite streams an upload through the multipart uploader. Directories
// need no placeholder object and get a writer that discards. The upload
// completes when the returned writer is closed.
func (p *S3Provider) OpenWrite(ctx context.Context, pth string, metadata FileInfo) (io.WriteCloser, error) {
	if metadata != nil && metadata.IsDir() {
		return nopWriteCloser{}, nil
	}

	input := putInput(p.bucket, p.objectKey(pth), metadata)
	pr, pw := io.Pipe()
	input.Body = pr

	errCh := make(chan error, 1)
	go func() {
		_, err := p.uploader.Upload(ctx, input)
		pr.CloseWithError(err)
		errCh <- err
	}()
	return &asyncS3Writer{pw: pw, errCh: errCh, key: aws.ToString(input.Key)}, nil
}

// putInput builds the upload request for key, typing result images and
// carrying the source mtime.
func putInput(bucket, key string, metadata FileInfo) *s3.PutObjectInput {
	in := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if dicomExts[path.Ext(key)] {
		in.ContentType = aws.String(dicomContentType)
	}
	if metadata != nil && !metadata.ModTime().IsZero() {
		in.Metadata = map[string]string{MtimeKey: metadata.ModTime().UTC().Format(time.RFC3339)}
	}
	return in
}

func sourceMtime(md map[string]string) (time.Time, bool) {
	v, ok := md[MtimeKey]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v)
	return t, err == nil
}

type asyncS3Writer struct {
	pw    *io.PipeWriter
	errCh <-chan error
	key   string
}

func (w *asyncS3Writer) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *asyncS3Writer) Close() error {
	if err := w.pw.Close(); err != nil {
		return err
	}
	if err := <-w.errCh; err != nil {
		return xerrors.Errorf("upload of %s failed: %w", w.key, err)
	}
	return nil
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }
